package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const defaultAnthropicMaxTokens = 8192

// AnthropicClient speaks the Anthropic Messages protocol.
type AnthropicClient struct {
	provider string
	client   anthropic.Client
}

// NewAnthropicClient builds a client for one provider+credential pairing.
// host overrides the API base URL when non-empty.
func NewAnthropicClient(provider, host, secret string) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(secret)}
	if host != "" {
		opts = append(opts, option.WithBaseURL(host))
	}
	return &AnthropicClient{provider: provider, client: anthropic.NewClient(opts...)}
}

// Stream opens a streaming message and converts the SSE events.
func (c *AnthropicClient) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  c.convertMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertAnthropicTools(req.Tools)
	}
	if req.EnableThinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(10000)
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan StreamChunk)
	go c.processStream(stream, chunks)
	return chunks, nil
}

func (c *AnthropicClient) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- StreamChunk) {
	defer close(chunks)
	defer stream.Close()

	var currentTool *ToolCall
	var toolInput strings.Builder
	var usage Usage

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentTool = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- StreamChunk{Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- StreamChunk{Thinking: delta.Thinking}
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				currentTool.Input = json.RawMessage(toolInput.String())
				chunks <- StreamChunk{ToolCall: currentTool}
				currentTool = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}

		case "message_stop":
			chunks <- StreamChunk{Done: true, Usage: &usage}
			return
		}
	}
	if err := stream.Err(); err != nil {
		chunks <- StreamChunk{Err: c.wrapError(err), Done: true}
		return
	}
	chunks <- StreamChunk{Done: true, Usage: &usage}
}

func (c *AnthropicClient) convertMessages(messages []ChatMessage) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			// Tool results ride in user messages per the Messages protocol.
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out
}

func convertAnthropicTools(tools []ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			continue
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		out = append(out, param)
	}
	return out
}

func (c *AnthropicClient) wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &UpstreamError{Provider: c.provider, Status: apiErr.StatusCode, Message: apiErr.Error()}
	}
	return err
}
