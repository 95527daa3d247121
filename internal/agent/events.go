// Package agent runs streaming conversation sessions: it dispatches model
// calls, executes tool requests, and emits a typed event stream that the
// gateway and channel transports consume.
package agent

import (
	"encoding/json"

	"github.com/lyqf/proxycast/internal/dispatch"
	"github.com/lyqf/proxycast/internal/mcp"
	"github.com/lyqf/proxycast/internal/store"
)

// AgentEvent is the internal session event union. Exactly one field group is
// populated per Kind.
type AgentEvent struct {
	Kind EventKind

	// KindMessage.
	Message *store.Message

	// KindContextTrace.
	Trace []TraceStep

	// KindModelChange.
	Model string
	Mode  string

	// KindMcpNotification.
	Server       string
	Notification *mcp.Notification

	// KindHistoryReplaced.
	History []store.Message

	// KindDone and KindFinalDone.
	Usage *dispatch.Usage

	// KindError.
	Err error
}

// EventKind discriminates AgentEvent.
type EventKind string

const (
	KindMessage         EventKind = "message"
	KindContextTrace    EventKind = "context_trace"
	KindModelChange     EventKind = "model_change"
	KindMcpNotification EventKind = "mcp_notification"
	KindHistoryReplaced EventKind = "history_replaced"
	KindDone            EventKind = "done"
	KindFinalDone       EventKind = "final_done"
	KindError           EventKind = "error"
)

// TraceStep is one stage of memory injection, surfaced so clients can show
// where the context came from.
type TraceStep struct {
	Stage  string `json:"stage"`
	Detail string `json:"detail"`
}

// Image is an image discovered in a tool result, keyed by its source for
// dedupe.
type Image struct {
	Src      string `json:"src"`
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"` // base64 when inline
}

// External event types emitted by the converter, one per content part.
const (
	ExtTextDelta       = "text_delta"
	ExtThinkingDelta   = "thinking_delta"
	ExtToolStart       = "tool_start"
	ExtToolEnd         = "tool_end"
	ExtActionRequired  = "action_required"
	ExtError           = "error"
	ExtContextTrace    = "context_trace"
	ExtModelChange     = "model_change"
	ExtMcpNotification = "mcp_notification"
	ExtHistoryReplaced = "history_replaced"
	ExtDone            = "done"
	ExtFinalDone       = "final_done"
)

// ExternalEvent is the wire-facing tagged union sent to transports.
type ExternalEvent struct {
	Type string `json:"type"`

	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Images     []Image         `json:"images,omitempty"`

	ActionKind string `json:"action_kind,omitempty"`
	Prompt     string `json:"prompt,omitempty"`

	Steps []TraceStep `json:"steps,omitempty"`

	Model string `json:"model,omitempty"`
	Mode  string `json:"mode,omitempty"`

	Server       string          `json:"server,omitempty"`
	Notification json.RawMessage `json:"notification,omitempty"`

	History []store.Message `json:"history,omitempty"`

	Usage *dispatch.Usage `json:"usage,omitempty"`

	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}
