package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lyqf/proxycast/internal/bus"
	"github.com/lyqf/proxycast/internal/credential"
	"github.com/lyqf/proxycast/internal/resilience"
	"github.com/lyqf/proxycast/internal/shared"
	"github.com/lyqf/proxycast/internal/store"
	"github.com/lyqf/proxycast/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrAllProvidersFailed is returned when failover exhausts the provider
// ring. It wraps the last underlying failure.
var ErrAllProvidersFailed = errors.New("all providers failed")

// Operation is one upstream attempt against a specific credential. tick
// must be touched on every streamed chunk to keep the idle budget alive.
type Operation func(ctx context.Context, cred store.Credential, tick *resilience.Ticker) (any, error)

// OpFactory binds an Operation to a provider.
type OpFactory func(providerID string) Operation

// Result is a successful dispatch outcome.
type Result struct {
	Value        any
	Latency      time.Duration
	CredentialID string
	Provider     string
}

// Dispatcher runs logical calls under the resilience policies, rotating
// credentials per attempt and switching providers on failover.
type Dispatcher struct {
	pool     *credential.Pool
	retry    resilience.RetryPolicy
	failover resilience.FailoverPolicy
	timeouts resilience.TimeoutController
	logger   *slog.Logger
	bus      *bus.Bus
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
}

// Options configures a Dispatcher. Bus, Metrics, and Tracer are optional.
type Options struct {
	Pool     *credential.Pool
	Retry    resilience.RetryPolicy
	Timeouts resilience.TimeoutController
	Logger   *slog.Logger
	Bus      *bus.Bus
	Metrics  *telemetry.Metrics
	Tracer   trace.Tracer
}

// New builds a Dispatcher.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		pool:     opts.Pool,
		retry:    opts.Retry,
		timeouts: opts.Timeouts,
		logger:   logger.With("component", "dispatch"),
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
	}
}

// ExecuteWithResilience runs one logical call. The current provider comes
// from ctx when set and present in providers, otherwise the first entry.
// The inner loop retries on the same provider per the retry policy; the
// outer loop rotates providers per the failover policy, at most once per
// available provider.
func (d *Dispatcher) ExecuteWithResilience(ctx context.Context, factory OpFactory, providers []string) (Result, error) {
	if len(providers) == 0 {
		return Result{}, fmt.Errorf("%w: no providers available", ErrAllProvidersFailed)
	}
	requestID := shared.RequestID(ctx)
	current := providers[0]
	if p := shared.ProviderID(ctx); p != "" && containsString(providers, p) {
		current = p
	}

	ctx, span := d.startSpan(ctx, requestID)
	defer span.End()

	start := time.Now()
	var lastErr error
	for failovers := 0; failovers < len(providers); failovers++ {
		result, err := d.runProvider(ctx, factory, current, requestID)
		if err == nil {
			result.Latency = time.Since(start)
			d.recordDuration(ctx, current, result.Latency, "success")
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Result{}, err
		}

		status, message := failureShape(err)
		decision := d.failover.HandleFailure(current, status, message, providers)
		d.logger.Warn("provider failed",
			"request_id", requestID,
			"provider", current,
			"status", status,
			"class", decision.Class.String(),
			"action", decision.Action.String(),
			"error", message)
		if decision.Action != resilience.ActionSwitch {
			break
		}
		d.emitTransition(ctx, span, requestID, current, "failover", failovers, decision.Class.String())
		if d.metrics != nil {
			d.metrics.Failovers.Add(ctx, 1, metric.WithAttributes(
				telemetry.AttrProvider.String(current)))
		}
		current = decision.NextProvider
	}

	d.recordDuration(ctx, current, time.Since(start), "failed")
	return Result{}, fmt.Errorf("%w: %s", ErrAllProvidersFailed, lastMessage(lastErr))
}

// runProvider is the inner retry loop on one provider.
func (d *Dispatcher) runProvider(ctx context.Context, factory OpFactory, providerID, requestID string) (Result, error) {
	op := factory(providerID)
	var lastErr error
	for attempt := 0; ; attempt++ {
		cred, err := d.pool.Next(ctx, providerID)
		if err != nil {
			if errors.Is(err, store.ErrNoCredentials) {
				return Result{}, &UpstreamError{Provider: providerID, Status: 503, Message: "no enabled credentials"}
			}
			return Result{}, err
		}

		var value any
		runErr := d.timeouts.Run(ctx, func(opCtx context.Context, tick *resilience.Ticker) error {
			v, err := op(opCtx, cred, tick)
			if err != nil {
				return err
			}
			value = v
			return nil
		})
		if runErr == nil {
			if err := d.pool.RecordSuccess(ctx, cred.ID); err != nil {
				d.logger.Warn("credential bookkeeping failed", "request_id", requestID, "error", err)
			}
			return Result{Value: value, CredentialID: cred.ID, Provider: providerID}, nil
		}
		lastErr = runErr
		if ctx.Err() != nil {
			return Result{}, runErr
		}

		if _, err := d.pool.RecordError(ctx, cred.ID, runErr); err != nil {
			d.logger.Warn("credential bookkeeping failed", "request_id", requestID, "error", err)
		}
		status, message := failureShape(runErr)
		if resilience.IsTimeout(runErr) {
			d.emitTransition(ctx, nil, requestID, providerID, "timeout", attempt, message)
		}
		if !d.retry.ShouldRetry(attempt, status) {
			return Result{}, runErr
		}

		delay := d.retry.Delay(attempt)
		d.emitTransition(ctx, nil, requestID, providerID, "retry", attempt, message)
		if d.metrics != nil {
			d.metrics.DispatchRetries.Add(ctx, 1, metric.WithAttributes(
				telemetry.AttrProvider.String(providerID)))
		}
		d.logger.Info("retrying upstream call",
			"request_id", requestID,
			"provider", providerID,
			"attempt", attempt,
			"delay", delay,
			"status", status)
		select {
		case <-ctx.Done():
			return Result{}, lastErr
		case <-time.After(delay):
		}
	}
}

func (d *Dispatcher) emitTransition(ctx context.Context, span trace.Span, requestID, provider, kind string, attempt int, detail string) {
	if d.bus != nil {
		topic := bus.TopicDispatchRetry
		switch kind {
		case "failover":
			topic = bus.TopicDispatchFailover
		case "timeout":
			topic = bus.TopicDispatchTimeout
		}
		d.bus.Publish(topic, bus.DispatchTransitionEvent{
			RequestID: requestID,
			Provider:  provider,
			Kind:      kind,
			Attempt:   attempt,
			Detail:    detail,
		})
	}
	if span != nil {
		span.AddEvent(kind, trace.WithAttributes(
			telemetry.AttrProvider.String(provider),
			telemetry.AttrAttempt.Int(attempt),
			attribute.String("detail", detail)))
	}
}

func (d *Dispatcher) startSpan(ctx context.Context, requestID string) (context.Context, trace.Span) {
	if d.tracer == nil {
		// A span detached from ctx so End() cannot touch the caller's span.
		return ctx, trace.SpanFromContext(context.Background())
	}
	return d.tracer.Start(ctx, "dispatch.execute", trace.WithAttributes(
		telemetry.AttrRequestID.String(requestID)))
}

func (d *Dispatcher) recordDuration(ctx context.Context, provider string, latency time.Duration, outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.DispatchDuration.Record(ctx, latency.Seconds(), metric.WithAttributes(
		telemetry.AttrProvider.String(provider),
		attribute.String("outcome", outcome)))
}

// failureShape extracts (status, message) for classification. Timeouts are
// surfaced as synthetic 408s.
func failureShape(err error) (int, string) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Status, ue.Message
	}
	if resilience.IsTimeout(err) {
		return resilience.SyntheticTimeoutStatus, err.Error()
	}
	return 0, err.Error()
}

func lastMessage(err error) string {
	if err == nil {
		return "no attempts made"
	}
	return err.Error()
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
