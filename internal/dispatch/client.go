// Package dispatch runs logical upstream calls with retry, failover, and
// timeout handling, rotating credentials underneath.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
)

// Chat roles on the wire to upstream providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult feeds a tool outcome back to the model.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ToolSpec declares a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ChatMessage is one turn in the upstream conversation.
type ChatMessage struct {
	Role        string
	Content     string
	ImageURLs   []string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Request is a provider-agnostic completion request.
type Request struct {
	Model          string
	System         string
	Messages       []ChatMessage
	Tools          []ToolSpec
	MaxTokens      int
	EnableThinking bool
}

// Usage is the token accounting reported at stream end.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StreamChunk is one unit of a streamed completion. Exactly one of the
// payload fields is meaningful per chunk; Done carries optional Usage.
type StreamChunk struct {
	Text     string
	Thinking string
	ToolCall *ToolCall
	Usage    *Usage
	Done     bool
	Err      error
}

// Client streams one completion from an upstream provider. Implementations
// must close the returned channel and always terminate with either a Done
// chunk or an Err chunk.
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}

// UpstreamError is a provider failure with enough shape for classification.
type UpstreamError struct {
	Provider string
	Status   int
	Message  string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream error (status %d): %s", e.Provider, e.Status, e.Message)
}
