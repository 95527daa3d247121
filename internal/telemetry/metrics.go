package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds all metric instruments.
type Metrics struct {
	DispatchDuration metric.Float64Histogram
	DispatchRetries  metric.Int64Counter
	Failovers        metric.Int64Counter
	RunsFinalized    metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	ActiveStreams    metric.Int64UpDownCounter
	CronFires        metric.Int64Counter
	CronCooldowns    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DispatchDuration, err = meter.Float64Histogram("proxycast.dispatch.duration",
		metric.WithDescription("Upstream dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchRetries, err = meter.Int64Counter("proxycast.dispatch.retries",
		metric.WithDescription("Retry attempts against the current provider"),
	)
	if err != nil {
		return nil, err
	}

	m.Failovers, err = meter.Int64Counter("proxycast.dispatch.failovers",
		metric.WithDescription("Provider switches during a logical call"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsFinalized, err = meter.Int64Counter("proxycast.runs.finalized",
		metric.WithDescription("Runs finalized by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("proxycast.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("proxycast.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveStreams, err = meter.Int64UpDownCounter("proxycast.agent.active_streams",
		metric.WithDescription("Number of currently active reply streams"),
	)
	if err != nil {
		return nil, err
	}

	m.CronFires, err = meter.Int64Counter("proxycast.cron.fires",
		metric.WithDescription("Scheduled task dispatches"),
	)
	if err != nil {
		return nil, err
	}

	m.CronCooldowns, err = meter.Int64Counter("proxycast.cron.cooldown_rejections",
		metric.WithDescription("Dispatches rejected because the task was in cooldown"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
