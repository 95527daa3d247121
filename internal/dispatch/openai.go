package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient speaks the OpenAI-compatible chat completions protocol. It
// also serves any provider exposing that protocol through a custom host.
type OpenAIClient struct {
	provider string
	client   *openai.Client
}

// NewOpenAIClient builds a client for one provider+credential pairing.
// host overrides the API base URL when non-empty.
func NewOpenAIClient(provider, host, secret string) *OpenAIClient {
	cfg := openai.DefaultConfig(secret)
	if host != "" {
		cfg.BaseURL = host
	}
	return &OpenAIClient{provider: provider, client: openai.NewClientWithConfig(cfg)}
}

// Stream opens a streaming chat completion and converts the deltas.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: c.convertMessages(req),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, c.wrapError(err)
	}

	chunks := make(chan StreamChunk)
	go c.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (c *OpenAIClient) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- StreamChunk) {
	defer close(chunks)
	defer stream.Close()

	// Tool calls stream incrementally per index and must be accumulated.
	pending := make(map[int]*ToolCall)
	var usage Usage

	flushTools := func() {
		for i := 0; i < len(pending); i++ {
			tc := pending[i]
			if tc != nil && tc.ID != "" && tc.Name != "" {
				chunks <- StreamChunk{ToolCall: tc}
			}
		}
		pending = make(map[int]*ToolCall)
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushTools()
				chunks <- StreamChunk{Done: true, Usage: &usage}
				return
			}
			chunks <- StreamChunk{Err: c.wrapError(err), Done: true}
			return
		}
		if resp.Usage != nil {
			usage.InputTokens = resp.Usage.PromptTokens
			usage.OutputTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			select {
			case chunks <- StreamChunk{Text: choice.Delta.Content}:
			case <-ctx.Done():
				chunks <- StreamChunk{Err: ctx.Err(), Done: true}
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if pending[index] == nil {
				pending[index] = &ToolCall{}
			}
			if tc.ID != "" {
				pending[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				pending[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pending[index].Input = append(pending[index].Input, tc.Function.Arguments...)
			}
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushTools()
		}
	}
}

func (c *OpenAIClient) convertMessages(req Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleTool:
			// One message per result, linked by ToolCallID.
			for _, tr := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case RoleAssistant:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			out = append(out, m)
		default:
			m := openai.ChatCompletionMessage{Role: msg.Role}
			if len(msg.ImageURLs) > 0 {
				parts := make([]openai.ChatMessagePart, 0, len(msg.ImageURLs)+1)
				if msg.Content != "" {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: msg.Content,
					})
				}
				for _, url := range msg.ImageURLs {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    url,
							Detail: openai.ImageURLDetailAuto,
						},
					})
				}
				m.MultiContent = parts
			} else {
				m.Content = msg.Content
			}
			out = append(out, m)
		}
	}
	return out
}

func convertOpenAITools(tools []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}

func (c *OpenAIClient) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &UpstreamError{Provider: c.provider, Status: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &UpstreamError{Provider: c.provider, Status: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}
	return err
}
