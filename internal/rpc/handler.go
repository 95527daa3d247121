package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lyqf/proxycast/internal/agent"
	"github.com/lyqf/proxycast/internal/dispatch"
	"github.com/lyqf/proxycast/internal/runs"
	"github.com/lyqf/proxycast/internal/scheduler"
	"github.com/lyqf/proxycast/internal/shared"
	"github.com/lyqf/proxycast/internal/store"
)

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 2 * time.Minute
	sessionListLimit   = 50
)

// EventSink receives streamed external events for one run. A nil sink
// discards the stream and only the final run record remains observable.
type EventSink func(runID string, events []agent.ExternalEvent)

// Options wires the handler's collaborators.
type Options struct {
	Core      *agent.Core
	Runs      *runs.Registry
	Scheduler *scheduler.Scheduler
	Store     *store.Store
	Logger    *slog.Logger

	// Providers is the failover order handed to every agent run.
	Providers []string
	// Model overrides the session default when a call names none.
	Model string
}

// Handler dispatches JSON-RPC 2.0 calls. It is transport agnostic; the
// websocket gateway and the telegram bridge both feed it raw frames.
type Handler struct {
	core      *agent.Core
	runs      *runs.Registry
	sched     *scheduler.Scheduler
	store     *store.Store
	logger    *slog.Logger
	providers []string
	model     string

	mu     sync.Mutex
	active map[string]string // run id -> session id while streaming
}

// New builds a Handler.
func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		core:      opts.Core,
		runs:      opts.Runs,
		sched:     opts.Scheduler,
		store:     opts.Store,
		logger:    logger,
		providers: opts.Providers,
		model:     opts.Model,
		active:    make(map[string]string),
	}
}

// Active reports whether a run's reply stream is still being collected.
func (h *Handler) Active(runID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.active[runID]
	return ok
}

// Handle processes one raw JSON-RPC frame and returns the encoded response.
// Notifications (requests without an id) return nil.
func (h *Handler) Handle(ctx context.Context, raw []byte, sink EventSink) []byte {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return marshalResponse(Response{
			JSONRPC: "2.0",
			Error:   h.rpcError(ctx, CodeParseError, "parse error", ""),
		})
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return marshalResponse(Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   h.rpcError(ctx, CodeInvalidRequest, "invalid request", ""),
		})
	}

	result, rpcErr := h.dispatch(ctx, req, sink)
	if len(req.ID) == 0 {
		return nil
	}
	resp := Response{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return marshalResponse(resp)
}

func (h *Handler) dispatch(ctx context.Context, req Request, sink EventSink) (any, *Error) {
	switch req.Method {
	case "agent.run":
		return h.agentRun(ctx, req.Params, sink)
	case "agent.wait":
		return h.agentWait(ctx, req.Params)
	case "agent.stop":
		return h.agentStop(ctx, req.Params)
	case "sessions.list":
		return h.sessionsList(ctx)
	case "sessions.get":
		return h.sessionsGet(ctx, req.Params)
	case "cron.list":
		return h.cronList(ctx)
	case "cron.run":
		return h.cronRun(ctx, req.Params)
	case "cron.health":
		return h.cronHealth(ctx, req.Params)
	default:
		return nil, h.rpcError(ctx, CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method), "")
	}
}

func (h *Handler) agentRun(ctx context.Context, params json.RawMessage, sink EventSink) (any, *Error) {
	var p agentRunParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, h.rpcError(ctx, CodeInvalidParams, err.Error(), "")
	}
	if strings.TrimSpace(p.Message) == "" {
		return nil, h.rpcError(ctx, CodeInvalidParams, "message is required", "")
	}
	if len(h.providers) == 0 {
		return nil, h.rpcError(ctx, CodeNoCredentials, "no providers configured", "NO_CREDENTIALS")
	}
	if !p.Stream {
		sink = nil
	}
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = shared.NewRunID()
	}
	model := p.Model
	if model == "" {
		model = h.model
	}

	handle, err := h.runs.Start(ctx, store.RunSourceRPC, runs.StartOptions{SessionID: sessionID})
	if err != nil {
		return nil, h.rpcError(ctx, CodeInternalError, err.Error(), "")
	}

	// The reply outlives this call; detach from the request context but
	// keep the correlation ids.
	runCtx := shared.WithRequestID(context.Background(), shared.RequestID(ctx))
	runCtx = shared.WithRunID(runCtx, handle.RunID)
	events, err := h.core.Reply(runCtx, p.Message, agent.ReplyOptions{
		SessionID:    sessionID,
		RunID:        handle.RunID,
		Model:        model,
		SystemPrompt: p.SystemPrompt,
		Providers:    h.providers,
	})
	if err != nil {
		_ = h.runs.Finalize(ctx, handle, store.RunStatusError, errorCodeFor(err), err.Error(), "")
		return nil, h.appError(ctx, err)
	}

	h.mu.Lock()
	h.active[handle.RunID] = sessionID
	h.mu.Unlock()

	go h.collect(runCtx, handle, events, sink)

	return agentRunResult{RunID: handle.RunID, SessionID: sessionID, Completed: false}, nil
}

// collect drains one reply stream, forwards converted events to the sink,
// and finalizes the run with the accumulated content.
func (h *Handler) collect(ctx context.Context, handle runs.Handle, events <-chan agent.AgentEvent, sink EventSink) {
	defer func() {
		h.mu.Lock()
		delete(h.active, handle.RunID)
		h.mu.Unlock()
	}()

	var content strings.Builder
	var usage *dispatch.Usage
	var lastErr error

	for ev := range events {
		if sink != nil {
			sink(handle.RunID, agent.Convert(ev))
		}
		switch ev.Kind {
		case agent.KindMessage:
			if ev.Message != nil && ev.Message.Role == "assistant" {
				for _, part := range ev.Message.Parts {
					if part.Type == store.PartText {
						content.WriteString(part.Text)
					}
				}
			}
		case agent.KindFinalDone:
			if ev.Usage != nil {
				usage = ev.Usage
			}
		case agent.KindError:
			lastErr = ev.Err
		}
	}

	meta := runMetadata{Content: content.String()}
	if usage != nil {
		meta.Usage = &usageInfo{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens}
	}
	encoded, _ := json.Marshal(meta)

	status := store.RunStatusSuccess
	code, message := "", ""
	if lastErr != nil {
		status = store.RunStatusError
		code = errorCodeFor(lastErr)
		message = lastErr.Error()
	}
	if err := h.runs.Finalize(ctx, handle, status, code, message, string(encoded)); err != nil {
		h.logger.Error("finalize run", "run_id", handle.RunID, "error", err)
	}
}

// runMetadata is the JSON stored on run rows by agent runs.
type runMetadata struct {
	Content string     `json:"content,omitempty"`
	Usage   *usageInfo `json:"usage,omitempty"`
}

func (h *Handler) agentWait(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p agentWaitParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, h.rpcError(ctx, CodeInvalidParams, err.Error(), "")
	}
	if p.RunID == "" {
		return nil, h.rpcError(ctx, CodeInvalidParams, "runId is required", "")
	}
	timeout := defaultWaitTimeout
	if p.TimeoutMS > 0 {
		timeout = time.Duration(p.TimeoutMS) * time.Millisecond
	}
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}

	run, completed, err := h.runs.Wait(ctx, p.RunID, timeout)
	if errors.Is(err, store.ErrRunNotFound) {
		return nil, h.rpcError(ctx, CodeRunNotFound, "run not found", "RUN_NOT_FOUND")
	}
	if err != nil {
		return nil, h.rpcError(ctx, CodeInternalError, err.Error(), "")
	}

	result := agentWaitResult{RunID: run.ID, Completed: completed, Status: run.Status}
	if completed {
		var meta runMetadata
		if err := json.Unmarshal([]byte(run.Metadata), &meta); err == nil {
			result.Content = meta.Content
			result.Usage = meta.Usage
		}
	}
	return result, nil
}

func (h *Handler) agentStop(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p agentStopParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, h.rpcError(ctx, CodeInvalidParams, err.Error(), "")
	}
	run, err := h.runs.Get(ctx, p.RunID)
	if errors.Is(err, store.ErrRunNotFound) {
		return nil, h.rpcError(ctx, CodeRunNotFound, "run not found", "RUN_NOT_FOUND")
	}
	if err != nil {
		return nil, h.rpcError(ctx, CodeInternalError, err.Error(), "")
	}

	stopped := false
	if run.SessionID != "" {
		stopped = h.core.Stop(run.SessionID)
	}
	// Finalize races with the collector; whoever wins sets the terminal
	// state, the other side becomes a no-op.
	handle := runs.Handle{RunID: run.ID, Source: run.Source, SessionID: run.SessionID}
	if err := h.runs.Finalize(ctx, handle, store.RunStatusCanceled, "", "stopped by caller", ""); err != nil {
		return nil, h.rpcError(ctx, CodeInternalError, err.Error(), "")
	}
	return agentStopResult{RunID: run.ID, Stopped: stopped}, nil
}

func (h *Handler) sessionsList(ctx context.Context) (any, *Error) {
	sessions, err := h.store.ListSessions(ctx, sessionListLimit)
	if err != nil {
		return nil, h.rpcError(ctx, CodeInternalError, err.Error(), "")
	}
	result := sessionsListResult{Sessions: make([]sessionInfo, 0, len(sessions))}
	for _, s := range sessions {
		count, err := h.store.MessageCount(ctx, s.ID)
		if err != nil {
			return nil, h.rpcError(ctx, CodeInternalError, err.Error(), "")
		}
		result.Sessions = append(result.Sessions, sessionSummary(s, count))
	}
	return result, nil
}

func (h *Handler) sessionsGet(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p sessionsGetParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, h.rpcError(ctx, CodeInvalidParams, err.Error(), "")
	}
	sess, err := h.store.GetSession(ctx, p.SessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, h.rpcError(ctx, CodeSessionNotFound, "session not found", "SESSION_NOT_FOUND")
	}
	if err != nil {
		return nil, h.rpcError(ctx, CodeInternalError, err.Error(), "")
	}
	count, err := h.store.MessageCount(ctx, sess.ID)
	if err != nil {
		return nil, h.rpcError(ctx, CodeInternalError, err.Error(), "")
	}
	stats, err := h.runs.SessionStats(ctx, sess.ID)
	if err != nil {
		return nil, h.rpcError(ctx, CodeInternalError, err.Error(), "")
	}
	return sessionsGetResult{
		sessionInfo:  sessionSummary(sess, count),
		TotalRuns:    stats.TotalRuns,
		FailedLast24: stats.FailedLast24h,
	}, nil
}

func sessionSummary(s store.Session, messageCount int) sessionInfo {
	return sessionInfo{
		SessionID:    s.ID,
		Model:        s.Model,
		SystemPrompt: s.SystemPrompt,
		MessageCount: messageCount,
		CreatedAt:    s.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    s.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *Handler) cronList(ctx context.Context) (any, *Error) {
	tasks, err := h.store.ListScheduledTasks(ctx)
	if err != nil {
		return nil, h.rpcError(ctx, CodeInternalError, err.Error(), "")
	}
	result := cronListResult{Tasks: make([]cronTaskInfo, 0, len(tasks))}
	for _, t := range tasks {
		info := cronTaskInfo{
			TaskID:   t.ID,
			Name:     t.Name,
			Schedule: t.ScheduleKind + " " + t.ScheduleSpec,
			Enabled:  t.Enabled,
			Status:   t.Status,
		}
		if t.InCooldown(time.Now()) {
			info.Status = "cooldown"
		}
		if t.LastRunAt != nil {
			info.LastRun = t.LastRunAt.UTC().Format(time.RFC3339)
		}
		if t.ScheduledAt != nil {
			info.NextRun = t.ScheduledAt.UTC().Format(time.RFC3339)
		}
		result.Tasks = append(result.Tasks, info)
	}
	return result, nil
}

func (h *Handler) cronRun(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p cronRunParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, h.rpcError(ctx, CodeInvalidParams, err.Error(), "")
	}
	task, err := h.store.GetScheduledTask(ctx, p.TaskID)
	if errors.Is(err, store.ErrTaskNotFound) {
		return nil, h.rpcError(ctx, CodeTaskNotFound, "scheduled task not found", "TASK_NOT_FOUND")
	}
	if err != nil {
		return nil, h.rpcError(ctx, CodeInternalError, err.Error(), "")
	}
	if task.InCooldown(time.Now()) {
		msg := fmt.Sprintf("task in cooldown until %s", task.AutoDisabledUntil.UTC().Format(time.RFC3339))
		return nil, h.rpcError(ctx, CodeTaskCooldown, msg, "TASK_COOLDOWN")
	}

	executionID := shared.NewRunID()
	execCtx := shared.WithRequestID(context.Background(), shared.RequestID(ctx))
	go func() {
		if err := h.sched.Dispatch(execCtx, task.ID); err != nil {
			h.logger.Warn("manual task dispatch failed", "task_id", task.ID, "error", err)
		}
	}()
	return cronRunResult{TaskID: task.ID, ExecutionID: executionID, Started: true}, nil
}

func (h *Handler) cronHealth(ctx context.Context, params json.RawMessage) (any, *Error) {
	p := cronHealthParams{
		RunningTimeoutMinutes:  30,
		TopLimit:               5,
		FailureAlertThreshold:  3,
		CooldownAlertThreshold: 0.5,
	}
	if len(params) > 0 {
		if err := unmarshalParams(params, &p); err != nil {
			return nil, h.rpcError(ctx, CodeInvalidParams, err.Error(), "")
		}
		if p.RunningTimeoutMinutes <= 0 {
			p.RunningTimeoutMinutes = 30
		}
		if p.TopLimit <= 0 {
			p.TopLimit = 5
		}
		if p.FailureAlertThreshold <= 0 {
			p.FailureAlertThreshold = 3
		}
		if p.CooldownAlertThreshold <= 0 {
			p.CooldownAlertThreshold = 0.5
		}
	}

	tasks, err := h.store.ListScheduledTasks(ctx)
	if err != nil {
		return nil, h.rpcError(ctx, CodeInternalError, err.Error(), "")
	}
	now := time.Now()
	result := cronHealthResult{
		TotalTasks:   len(tasks),
		Alerts:       []string{},
		TopRisky:     []riskyTask{},
		FailureTrend: make([]trendBucket, 0, 24),
	}
	risky := make([]riskyTask, 0, len(tasks))
	for _, t := range tasks {
		if t.Enabled {
			result.EnabledTasks++
		}
		inCooldown := t.InCooldown(now)
		if inCooldown {
			result.InCooldown++
		}
		if t.ConsecutiveFailures > 0 {
			risky = append(risky, riskyTask{
				TaskID:              t.ID,
				Name:                t.Name,
				ConsecutiveFailures: t.ConsecutiveFailures,
				LastError:           t.LastError,
				InCooldown:          inCooldown,
			})
		}
		if t.ConsecutiveFailures >= p.FailureAlertThreshold {
			result.Alerts = append(result.Alerts,
				fmt.Sprintf("task %s has %d consecutive failures", t.ID, t.ConsecutiveFailures))
		}
	}
	sort.SliceStable(risky, func(i, j int) bool {
		return risky[i].ConsecutiveFailures > risky[j].ConsecutiveFailures
	})
	if len(risky) > p.TopLimit {
		risky = risky[:p.TopLimit]
	}
	result.TopRisky = risky

	if result.EnabledTasks > 0 {
		ratio := float64(result.InCooldown) / float64(result.EnabledTasks)
		if ratio >= p.CooldownAlertThreshold {
			result.Alerts = append(result.Alerts,
				fmt.Sprintf("%d of %d enabled tasks in cooldown", result.InCooldown, result.EnabledTasks))
		}
	}

	stale, err := h.store.CountRunningOlderThan(ctx, time.Duration(p.RunningTimeoutMinutes)*time.Minute)
	if err != nil {
		return nil, h.rpcError(ctx, CodeInternalError, err.Error(), "")
	}
	result.StaleRunning = stale
	if stale > 0 {
		result.Alerts = append(result.Alerts,
			fmt.Sprintf("%d runs exceed the %dm running timeout", stale, p.RunningTimeoutMinutes))
	}

	buckets, err := h.runs.FailureTrend(ctx, store.RunSourceHeartbeat)
	if err != nil {
		return nil, h.rpcError(ctx, CodeInternalError, err.Error(), "")
	}
	systemBuckets, err := h.runs.FailureTrend(ctx, store.RunSourceSystem)
	if err != nil {
		return nil, h.rpcError(ctx, CodeInternalError, err.Error(), "")
	}
	for i, b := range buckets {
		failures := b.Failures
		if i < len(systemBuckets) {
			failures += systemBuckets[i].Failures
		}
		result.FailureTrend = append(result.FailureTrend, trendBucket{
			Hour:     fmt.Sprintf("-%dh", b.HourOffset),
			Failures: failures,
		})
	}
	return result, nil
}

// errorCodeFor maps an agent failure to a stable app error code recorded on
// the run row.
func errorCodeFor(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrAllProvidersFailed):
		return "ALL_PROVIDERS_FAILED"
	case errors.Is(err, store.ErrNoCredentials):
		return "NO_CREDENTIALS"
	case errors.Is(err, context.Canceled):
		return "CANCELED"
	default:
		return "AGENT_ERROR"
	}
}

// appError translates known failures into JSON-RPC errors with stable codes.
func (h *Handler) appError(ctx context.Context, err error) *Error {
	switch {
	case errors.Is(err, dispatch.ErrAllProvidersFailed):
		return h.rpcError(ctx, CodeAllProvidersFailed, err.Error(), "ALL_PROVIDERS_FAILED")
	case errors.Is(err, store.ErrNoCredentials):
		return h.rpcError(ctx, CodeNoCredentials, err.Error(), "NO_CREDENTIALS")
	case errors.Is(err, store.ErrSessionNotFound):
		return h.rpcError(ctx, CodeSessionNotFound, err.Error(), "SESSION_NOT_FOUND")
	case errors.Is(err, store.ErrTaskCooldown):
		return h.rpcError(ctx, CodeTaskCooldown, err.Error(), "TASK_COOLDOWN")
	default:
		return h.rpcError(ctx, CodeInternalError, err.Error(), "")
	}
}

func (h *Handler) rpcError(ctx context.Context, code int, message, appCode string) *Error {
	e := &Error{Code: code, Message: message}
	requestID := shared.RequestID(ctx)
	if appCode != "" || requestID != "-" {
		e.Data = &ErrorData{Code: appCode}
		if requestID != "-" {
			e.Data.RequestID = requestID
		}
	}
	return e
}

func unmarshalParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("params are required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func marshalResponse(resp Response) []byte {
	if resp.JSONRPC == "" {
		resp.JSONRPC = "2.0"
	}
	encoded, err := json.Marshal(resp)
	if err != nil {
		fallback := fmt.Sprintf(`{"jsonrpc":"2.0","id":null,"error":{"code":%d,"message":"encode response"}}`, CodeInternalError)
		return []byte(fallback)
	}
	return encoded
}
