package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lyqf/proxycast/internal/agent"
	"github.com/lyqf/proxycast/internal/dispatch"
	"github.com/lyqf/proxycast/internal/runs"
	"github.com/lyqf/proxycast/internal/scheduler"
	"github.com/lyqf/proxycast/internal/shared"
	"github.com/lyqf/proxycast/internal/store"
)

// runUsage and runResult mirror the metadata shape the JSON-RPC handler
// stores on run rows, so agent.wait can read scheduler-driven runs too.
type runUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

type runResult struct {
	Content string    `json:"content,omitempty"`
	Usage   *runUsage `json:"usage,omitempty"`
}

// agentRunner executes scheduled tasks and heartbeat checklist items through
// the session core, recording each execution as a run.
type agentRunner struct {
	core      *agent.Core
	runs      *runs.Registry
	providers []string
	model     string
	logger    *slog.Logger
}

func (r *agentRunner) RunTask(ctx context.Context, task store.ScheduledTask) (string, error) {
	model := task.Model
	if model == "" {
		model = r.model
	}
	return r.execute(ctx, store.RunSourceSystem, task.ID, "task-"+task.ID, task.Payload, model, task.ProviderID)
}

func (r *agentRunner) RunHeartbeatTask(ctx context.Context, task scheduler.HeartbeatTask) (string, error) {
	model := task.Model
	if model == "" {
		model = r.model
	}
	// Fresh session per checklist item so heartbeat history never piles up.
	return r.execute(ctx, store.RunSourceHeartbeat, "", "hb-"+shared.NewRunID(), task.Description, model, "")
}

// execute runs one prompt to completion and finalizes its run row. The
// accumulated assistant text is both the stored metadata and the result
// handed back to the scheduler.
func (r *agentRunner) execute(ctx context.Context, source, sourceRef, sessionID, message, model, providerID string) (string, error) {
	if len(r.providers) == 0 {
		return "", store.ErrNoCredentials
	}
	providers := r.providers
	if providerID != "" {
		ordered := make([]string, 0, len(providers)+1)
		ordered = append(ordered, providerID)
		for _, p := range providers {
			if p != providerID {
				ordered = append(ordered, p)
			}
		}
		providers = ordered
	}

	handle, err := r.runs.Start(ctx, source, runs.StartOptions{SourceRef: sourceRef, SessionID: sessionID})
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	ctx = shared.WithRunID(ctx, handle.RunID)

	events, err := r.core.Reply(ctx, message, agent.ReplyOptions{
		SessionID: sessionID,
		RunID:     handle.RunID,
		Model:     model,
		Providers: providers,
	})
	if err != nil {
		_ = r.runs.Finalize(ctx, handle, store.RunStatusError, "", err.Error(), "")
		return "", err
	}

	var content strings.Builder
	var usage *dispatch.Usage
	var lastErr error
	for ev := range events {
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

	meta := runResult{Content: content.String()}
	if usage != nil {
		meta.Usage = &runUsage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens}
	}
	encoded, _ := json.Marshal(meta)

	if lastErr != nil {
		status := store.RunStatusError
		if errors.Is(lastErr, context.Canceled) {
			status = store.RunStatusCanceled
		}
		if err := r.runs.Finalize(ctx, handle, status, "", lastErr.Error(), string(encoded)); err != nil {
			r.logger.Error("finalize run", "run_id", handle.RunID, "error", err)
		}
		return content.String(), lastErr
	}
	if err := r.runs.Finalize(ctx, handle, store.RunStatusSuccess, "", "", string(encoded)); err != nil {
		r.logger.Error("finalize run", "run_id", handle.RunID, "error", err)
	}
	return content.String(), nil
}
