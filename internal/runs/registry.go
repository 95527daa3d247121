// Package runs tracks logical executions from start to finalize and serves
// the aggregate statistics built on top of them.
package runs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lyqf/proxycast/internal/bus"
	"github.com/lyqf/proxycast/internal/shared"
	"github.com/lyqf/proxycast/internal/store"
	"github.com/lyqf/proxycast/internal/telemetry"
)

// Handle identifies one started run.
type Handle struct {
	RunID     string
	Source    string
	SessionID string
	StartedAt time.Time
}

// StartOptions shape a new run.
type StartOptions struct {
	SourceRef string
	SessionID string
	Metadata  string
}

// Registry is the single writer for run lifecycle state.
type Registry struct {
	store   *store.Store
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewRegistry builds a registry.
func NewRegistry(st *store.Store, b *bus.Bus, logger *slog.Logger, metrics *telemetry.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: st, bus: b, logger: logger, metrics: metrics}
}

// Start records a new running run and returns its handle.
func (r *Registry) Start(ctx context.Context, source string, opts StartOptions) (Handle, error) {
	h := Handle{
		RunID:     shared.NewRunID(),
		Source:    source,
		SessionID: opts.SessionID,
		StartedAt: time.Now(),
	}
	err := r.store.InsertRun(ctx, store.Run{
		ID:        h.RunID,
		Source:    source,
		SourceRef: opts.SourceRef,
		SessionID: opts.SessionID,
		StartedAt: h.StartedAt,
		Metadata:  opts.Metadata,
	})
	if err != nil {
		return Handle{}, fmt.Errorf("start run: %w", err)
	}
	r.logger.Info("run started", "run_id", h.RunID, "source", source, "session_id", opts.SessionID)
	if r.bus != nil {
		r.bus.Publish(bus.TopicRunStarted, bus.RunEvent{
			RunID: h.RunID, Source: source, SessionID: opts.SessionID, Status: store.RunStatusRunning,
		})
	}
	return h, nil
}

// Finalize moves a run to a terminal status. Double finalization is a no-op
// that logs a warning; only the winning call publishes and counts.
func (r *Registry) Finalize(ctx context.Context, h Handle, status, errorCode, errorMessage, metadata string) error {
	won, err := r.store.FinalizeRun(ctx, h.RunID, status, errorCode, errorMessage, metadata)
	if err != nil {
		return fmt.Errorf("finalize run %s: %w", h.RunID, err)
	}
	if !won {
		r.logger.Warn("run already finalized", "run_id", h.RunID, "status", status)
		return nil
	}
	r.logger.Info("run finalized", "run_id", h.RunID, "status", status, "error_code", errorCode)
	if r.metrics != nil {
		r.metrics.RunsFinalized.Add(ctx, 1)
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicRunFinalized, bus.RunEvent{
			RunID: h.RunID, Source: h.Source, SessionID: h.SessionID, Status: status, ErrorCode: errorCode,
		})
	}
	return nil
}

// Get loads the current run row.
func (r *Registry) Get(ctx context.Context, runID string) (store.Run, error) {
	return r.store.GetRun(ctx, runID)
}

// Wait polls until the run reaches a terminal status or the timeout lapses.
// The probe interval matches the transports' expectations.
func (r *Registry) Wait(ctx context.Context, runID string, timeout time.Duration) (store.Run, bool, error) {
	const probe = 120 * time.Millisecond
	deadline := time.Now().Add(timeout)
	for {
		run, err := r.store.GetRun(ctx, runID)
		if err != nil {
			return store.Run{}, false, err
		}
		if run.IsTerminal() {
			return run, true, nil
		}
		if time.Now().After(deadline) {
			return run, false, nil
		}
		select {
		case <-ctx.Done():
			return run, false, ctx.Err()
		case <-time.After(probe):
		}
	}
}

// SessionStats aggregates run counters for one session.
func (r *Registry) SessionStats(ctx context.Context, sessionID string) (store.RunStats, error) {
	return r.store.SessionRunStats(ctx, sessionID)
}

// FailureTrend returns the 24 hourly failure buckets for a source.
func (r *Registry) FailureTrend(ctx context.Context, source string) ([]store.HourlyFailureBucket, error) {
	return r.store.FailureTrend24h(ctx, source)
}
