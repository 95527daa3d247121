// Package rpc implements the JSON-RPC 2.0 surface shared by the websocket
// gateway and the channel bridges.
package rpc

import "encoding/json"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application error codes, stable across transports.
const (
	CodeTaskCooldown       = -32010
	CodeNoCredentials      = -32011
	CodeSessionNotFound    = -32012
	CodeRunNotFound        = -32013
	CodeTaskNotFound       = -32014
	CodePermissionDenied   = -32015
	CodeAllProvidersFailed = -32016
)

// Request is one JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON-RPC 2.0 reply.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object with stable application data.
type Error struct {
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData carries the stable app error code and correlation id.
type ErrorData struct {
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Method params and results, camelCase on the wire.

type agentRunParams struct {
	Message      string `json:"message"`
	SessionID    string `json:"sessionId,omitempty"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	Stream       bool   `json:"stream,omitempty"`
}

type agentRunResult struct {
	RunID     string `json:"runId"`
	SessionID string `json:"sessionId"`
	Completed bool   `json:"completed"`
}

type agentWaitParams struct {
	RunID     string `json:"runId"`
	TimeoutMS int64  `json:"timeoutMs"`
}

type agentWaitResult struct {
	RunID     string     `json:"runId"`
	Completed bool       `json:"completed"`
	Status    string     `json:"status"`
	Content   string     `json:"content,omitempty"`
	Usage     *usageInfo `json:"usage,omitempty"`
}

type usageInfo struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

type agentStopParams struct {
	RunID string `json:"runId"`
}

type agentStopResult struct {
	RunID   string `json:"runId"`
	Stopped bool   `json:"stopped"`
}

type sessionInfo struct {
	SessionID    string `json:"sessionId"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	MessageCount int    `json:"messageCount"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

type sessionsListResult struct {
	Sessions []sessionInfo `json:"sessions"`
}

type sessionsGetParams struct {
	SessionID string `json:"sessionId"`
}

type sessionsGetResult struct {
	sessionInfo
	TotalRuns    int `json:"totalRuns"`
	FailedLast24 int `json:"failedLast24h"`
}

type cronTaskInfo struct {
	TaskID   string `json:"taskId"`
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Enabled  bool   `json:"enabled"`
	Status   string `json:"status"`
	LastRun  string `json:"lastRun,omitempty"`
	NextRun  string `json:"nextRun,omitempty"`
}

type cronListResult struct {
	Tasks []cronTaskInfo `json:"tasks"`
}

type cronRunParams struct {
	TaskID string `json:"taskId"`
}

type cronRunResult struct {
	TaskID      string `json:"taskId"`
	ExecutionID string `json:"executionId"`
	Started     bool   `json:"started"`
}

type cronHealthParams struct {
	RunningTimeoutMinutes  int     `json:"runningTimeoutMinutes,omitempty"`
	TopLimit               int     `json:"topLimit,omitempty"`
	FailureAlertThreshold  int     `json:"failureAlertThreshold,omitempty"`
	CooldownAlertThreshold float64 `json:"cooldownAlertThreshold,omitempty"`
}

type trendBucket struct {
	Hour     string `json:"hour"`
	Failures int    `json:"failures"`
}

type riskyTask struct {
	TaskID              string `json:"taskId"`
	Name                string `json:"name"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastError           string `json:"lastError,omitempty"`
	InCooldown          bool   `json:"inCooldown"`
}

type cronHealthResult struct {
	TotalTasks   int           `json:"totalTasks"`
	EnabledTasks int           `json:"enabledTasks"`
	InCooldown   int           `json:"inCooldown"`
	StaleRunning int           `json:"staleRunning"`
	FailureTrend []trendBucket `json:"failureTrend"`
	Alerts       []string      `json:"alerts"`
	TopRisky     []riskyTask   `json:"topRisky"`
}
