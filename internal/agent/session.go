package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/lyqf/proxycast/internal/bus"
	"github.com/lyqf/proxycast/internal/dispatch"
	"github.com/lyqf/proxycast/internal/mcp"
	"github.com/lyqf/proxycast/internal/resilience"
	"github.com/lyqf/proxycast/internal/shared"
	"github.com/lyqf/proxycast/internal/store"
	"github.com/lyqf/proxycast/internal/tools"
)

const (
	defaultMaxTurns  = 8
	historyWindow    = 200
	mcpToolSeparator = "__"
)

// MemoryComposer assembles the memory portion of the system prompt and
// reports where each piece came from.
type MemoryComposer interface {
	Compose(ctx context.Context, sessionID string) (string, []TraceStep, error)
}

// ClientFactory builds a provider client for one credential. Overridable in
// tests.
type ClientFactory func(p store.Provider, cred store.Credential) dispatch.Client

// DefaultClientFactory routes on the provider's protocol family.
func DefaultClientFactory(p store.Provider, cred store.Credential) dispatch.Client {
	host := cred.APIHost
	if host == "" {
		host = p.DefaultHost
	}
	if p.Protocol == "anthropic" {
		return dispatch.NewAnthropicClient(p.ID, host, cred.Secret)
	}
	return dispatch.NewOpenAIClient(p.ID, host, cred.Secret)
}

// Core drives streaming agent sessions.
type Core struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	registry   *tools.Registry
	servers    *mcp.Manager
	memory     MemoryComposer
	bus        *bus.Bus
	logger     *slog.Logger
	clients    ClientFactory
	codeTool   tools.Tool
	workspace  string
	maxTurns   int

	mu      sync.RWMutex
	cancels map[string]context.CancelFunc
}

// CoreOptions wires a Core. Store, Dispatcher, and Registry are required;
// everything else degrades gracefully when nil.
type CoreOptions struct {
	Store      *store.Store
	Dispatcher *dispatch.Dispatcher
	Registry   *tools.Registry
	Servers    *mcp.Manager
	Memory     MemoryComposer
	Bus        *bus.Bus
	Logger     *slog.Logger
	Clients    ClientFactory
	CodeTool   tools.Tool
	Workspace  string
	MaxTurns   int
}

// NewCore builds a session core.
func NewCore(opts CoreOptions) *Core {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clients == nil {
		opts.Clients = DefaultClientFactory
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = defaultMaxTurns
	}
	return &Core{
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		registry:   opts.Registry,
		servers:    opts.Servers,
		memory:     opts.Memory,
		bus:        opts.Bus,
		logger:     opts.Logger,
		clients:    opts.Clients,
		codeTool:   opts.CodeTool,
		workspace:  opts.Workspace,
		maxTurns:   opts.MaxTurns,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// ReplyOptions shape one reply call.
type ReplyOptions struct {
	SessionID    string
	RunID        string
	Model        string
	SystemPrompt string
	Mode         Strategy
	Providers    []string
	MaxTokens    int
}

// Reply streams one assistant turn. The returned channel closes after a
// terminal done event; the caller owns consumption.
func (c *Core) Reply(ctx context.Context, userMessage string, opts ReplyOptions) (<-chan AgentEvent, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("session id required")
	}
	if len(opts.Providers) == 0 {
		return nil, fmt.Errorf("at least one provider required")
	}
	if err := c.store.EnsureSession(ctx, opts.SessionID); err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}
	if _, err := c.store.AppendMessage(ctx, store.Message{
		SessionID: opts.SessionID,
		Role:      "user",
		Parts:     []store.ContentPart{{Type: store.PartText, Text: userMessage}},
	}); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	runCtx, cancel := context.WithCancel(shared.WithSessionID(ctx, opts.SessionID))
	c.mu.Lock()
	if prev, ok := c.cancels[opts.SessionID]; ok {
		prev()
	}
	c.cancels[opts.SessionID] = cancel
	c.mu.Unlock()

	events := make(chan AgentEvent, 64)
	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.cancels, opts.SessionID)
			c.mu.Unlock()
			cancel()
			close(events)
		}()
		c.run(runCtx, userMessage, opts, events)
	}()
	return events, nil
}

// Stop cancels a session's in-flight reply. Reports whether a reply was
// running.
func (c *Core) Stop(sessionID string) bool {
	c.mu.RLock()
	cancel, ok := c.cancels[sessionID]
	c.mu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

// Active reports whether a session has a reply in flight.
func (c *Core) Active(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.cancels[sessionID]
	return ok
}

func (c *Core) run(ctx context.Context, userMessage string, opts ReplyOptions, events chan<- AgentEvent) {
	emit := func(ev AgentEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	system := opts.SystemPrompt
	if c.memory != nil {
		memPrompt, steps, err := c.memory.Compose(ctx, opts.SessionID)
		if err != nil {
			c.logger.Warn("memory compose failed", "session_id", opts.SessionID, "err", err)
		} else if memPrompt != "" {
			system = strings.TrimSpace(system + "\n\n" + memPrompt)
			emit(AgentEvent{Kind: KindContextTrace, Trace: steps})
		}
	}

	if opts.Model != "" {
		if sess, err := c.store.GetSession(ctx, opts.SessionID); err == nil && sess.Model != opts.Model {
			if err := c.store.UpdateSessionModel(ctx, opts.SessionID, opts.Model); err != nil {
				c.logger.Warn("model update failed", "session_id", opts.SessionID, "err", err)
			}
			emit(AgentEvent{Kind: KindModelChange, Model: opts.Model, Mode: string(opts.Mode)})
		}
	}

	strategy := Resolve(opts.Mode, userMessage)
	codeEnabled := false
	if strategy == StrategyCodeOrchestrated && c.codeTool != nil {
		if err := c.registry.Register(c.codeTool); err != nil {
			c.logger.Warn("code extension unavailable", "err", err)
		} else {
			codeEnabled = true
			defer c.registry.Unregister(c.codeTool.Name())
		}
	}

	stopNotify := c.forwardNotifications(ctx, emit)
	defer stopNotify()

	history, err := c.loadHistory(ctx, opts.SessionID)
	if err != nil {
		emit(AgentEvent{Kind: KindError, Err: err})
		emit(AgentEvent{Kind: KindFinalDone})
		return
	}

	var total dispatch.Usage
	emittedAny := false
	for turn := 0; turn < c.maxTurns; turn++ {
		req := dispatch.Request{
			Model:     opts.Model,
			System:    system,
			Messages:  history,
			Tools:     c.toolSpecs(ctx),
			MaxTokens: opts.MaxTokens,
		}

		turnResult, streamErr := c.streamTurn(ctx, req, opts, emit, &emittedAny)
		if streamErr != nil {
			// A code_orchestrated first attempt that dies before producing
			// anything falls back to plain react.
			if strategy == StrategyCodeOrchestrated && !emittedAny && turn == 0 {
				c.logger.Info("falling back to react strategy", "session_id", opts.SessionID, "err", streamErr)
				if codeEnabled {
					c.registry.Unregister(c.codeTool.Name())
					codeEnabled = false
				}
				strategy = StrategyReact
				turn--
				continue
			}
			if ctx.Err() == nil {
				emit(AgentEvent{Kind: KindError, Err: streamErr})
			}
			emit(AgentEvent{Kind: KindFinalDone, Usage: usagePtr(total)})
			return
		}

		total.InputTokens += turnResult.usage.InputTokens
		total.OutputTokens += turnResult.usage.OutputTokens

		assistant := store.Message{SessionID: opts.SessionID, Role: "assistant", Parts: turnResult.parts}
		if len(assistant.Parts) > 0 {
			if _, err := c.store.AppendMessage(ctx, assistant); err != nil {
				c.logger.Warn("persist assistant message failed", "session_id", opts.SessionID, "err", err)
			}
		}
		history = append(history, dispatch.ChatMessage{
			Role:      dispatch.RoleAssistant,
			Content:   turnResult.text,
			ToolCalls: turnResult.calls,
		})

		if len(turnResult.calls) == 0 {
			emit(AgentEvent{Kind: KindFinalDone, Usage: usagePtr(total)})
			return
		}

		emit(AgentEvent{Kind: KindDone, Usage: usagePtr(turnResult.usage)})

		results := c.executeTools(ctx, turnResult.calls, opts, emit)
		history = append(history, dispatch.ChatMessage{Role: dispatch.RoleTool, ToolResults: results})
	}

	emit(AgentEvent{Kind: KindError, Err: fmt.Errorf("turn limit %d reached", c.maxTurns)})
	emit(AgentEvent{Kind: KindFinalDone, Usage: usagePtr(total)})
}

type turnOutput struct {
	text  string
	parts []store.ContentPart
	calls []dispatch.ToolCall
	usage dispatch.Usage
}

// streamTurn runs one upstream completion through the resilient dispatcher,
// emitting message events as deltas arrive. Once anything was emitted a
// mid-stream failure is reported as fatal so the dispatcher does not replay
// a half-delivered response.
func (c *Core) streamTurn(ctx context.Context, req dispatch.Request, opts ReplyOptions, emit func(AgentEvent) bool, emittedAny *bool) (turnOutput, error) {
	factory := func(providerID string) dispatch.Operation {
		return func(opCtx context.Context, cred store.Credential, tick *resilience.Ticker) (any, error) {
			provider, err := c.store.GetProvider(opCtx, providerID)
			if err != nil {
				return nil, fmt.Errorf("resolve provider %s: %w", providerID, err)
			}
			client := c.clients(provider, cred)
			chunks, err := client.Stream(opCtx, req)
			if err != nil {
				return nil, err
			}

			var out turnOutput
			emitted := false
			for chunk := range chunks {
				if tick != nil {
					tick.Touch()
				}
				switch {
				case chunk.Err != nil:
					if emitted {
						return nil, &dispatch.UpstreamError{Provider: providerID, Status: 400, Message: "stream broken after partial delivery: " + chunk.Err.Error()}
					}
					return nil, chunk.Err
				case chunk.Text != "":
					emitted = true
					*emittedAny = true
					out.text += chunk.Text
					out.parts = appendTextPart(out.parts, store.PartText, chunk.Text)
					emit(AgentEvent{Kind: KindMessage, Message: &store.Message{
						SessionID: opts.SessionID,
						Role:      "assistant",
						Parts:     []store.ContentPart{{Type: store.PartText, Text: chunk.Text}},
					}})
					c.publishDelta(opts, ExtTextDelta, chunk.Text, "")
				case chunk.Thinking != "":
					emitted = true
					*emittedAny = true
					out.parts = appendTextPart(out.parts, store.PartThinking, chunk.Thinking)
					emit(AgentEvent{Kind: KindMessage, Message: &store.Message{
						SessionID: opts.SessionID,
						Role:      "assistant",
						Parts:     []store.ContentPart{{Type: store.PartThinking, Text: chunk.Thinking}},
					}})
					c.publishDelta(opts, ExtThinkingDelta, chunk.Thinking, "")
				case chunk.ToolCall != nil:
					emitted = true
					*emittedAny = true
					out.calls = append(out.calls, *chunk.ToolCall)
				case chunk.Done:
					if chunk.Usage != nil {
						out.usage = *chunk.Usage
					}
				}
			}
			return out, nil
		}
	}

	result, err := c.dispatcher.ExecuteWithResilience(ctx, factory, opts.Providers)
	if err != nil {
		return turnOutput{}, err
	}
	out, ok := result.Value.(turnOutput)
	if !ok {
		return turnOutput{}, fmt.Errorf("unexpected dispatch result %T", result.Value)
	}
	return out, nil
}

// executeTools runs the model's tool calls in order, emitting the paired
// tool-request and tool-response parts for each.
func (c *Core) executeTools(ctx context.Context, calls []dispatch.ToolCall, opts ReplyOptions, emit func(AgentEvent) bool) []dispatch.ToolResult {
	results := make([]dispatch.ToolResult, 0, len(calls))
	for _, call := range calls {
		reqPart := store.ContentPart{
			Type:       store.PartToolRequest,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Arguments:  call.Input,
		}
		emit(AgentEvent{Kind: KindMessage, Message: &store.Message{
			SessionID: opts.SessionID,
			Role:      "assistant",
			Parts:     []store.ContentPart{reqPart},
		}})
		c.publishDelta(opts, ExtToolStart, call.Name, call.ID)

		resultJSON, isErr := c.invokeTool(ctx, call, opts)

		respPart := store.ContentPart{
			Type:       store.PartToolResponse,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Result:     resultJSON,
			IsError:    isErr,
		}
		emit(AgentEvent{Kind: KindMessage, Message: &store.Message{
			SessionID: opts.SessionID,
			Role:      "tool",
			Parts:     []store.ContentPart{respPart},
		}})
		c.publishDelta(opts, ExtToolEnd, call.Name, call.ID)

		if _, err := c.store.AppendMessage(ctx, store.Message{
			SessionID:        opts.SessionID,
			Role:             "tool",
			Parts:            []store.ContentPart{reqPart, respPart},
			ParentToolCallID: call.ID,
		}); err != nil {
			c.logger.Warn("persist tool message failed", "session_id", opts.SessionID, "tool", call.Name, "err", err)
		}

		results = append(results, dispatch.ToolResult{
			ToolCallID: call.ID,
			Content:    ExtractText(resultJSON),
			IsError:    isErr,
		})
	}
	return results
}

// invokeTool routes a call to the local registry or, for names carrying the
// server separator, to the owning MCP server.
func (c *Core) invokeTool(ctx context.Context, call dispatch.ToolCall, opts ReplyOptions) (json.RawMessage, bool) {
	var params map[string]any
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &params); err != nil {
			return errorJSON(fmt.Errorf("decode arguments: %w", err)), true
		}
	}

	if server, tool, ok := strings.Cut(call.Name, mcpToolSeparator); ok && c.servers != nil {
		if _, connected := c.servers.Client(server); connected {
			raw, err := c.servers.CallTool(ctx, server, tool, params)
			if err != nil {
				return errorJSON(err), true
			}
			return raw, false
		}
	}

	res, err := c.registry.Invoke(ctx, call.Name, params, tools.ExecContext{
		SessionID: opts.SessionID,
		RunID:     opts.RunID,
		Mode:      string(Resolve(opts.Mode, "")),
		Workspace: c.workspace,
	})
	if err != nil {
		return errorJSON(err), true
	}
	if res.Warning != "" && c.bus != nil {
		c.bus.Publish(bus.TopicStreamWarning, bus.StreamDeltaEvent{
			RunID: opts.RunID, SessionID: opts.SessionID, Kind: ExtActionRequired, Text: res.Warning,
		})
	}
	raw, err := json.Marshal(res.Value)
	if err != nil {
		return errorJSON(fmt.Errorf("encode result: %w", err)), true
	}
	return raw, false
}

// toolSpecs collects the declared tool surface: local registry plus every
// connected MCP server's catalog under server-qualified names.
func (c *Core) toolSpecs(ctx context.Context) []dispatch.ToolSpec {
	var specs []dispatch.ToolSpec
	for _, tool := range c.registry.List() {
		specs = append(specs, dispatch.ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.InputSchema(),
		})
	}
	if c.servers != nil {
		for _, nt := range c.servers.AllTools(ctx) {
			specs = append(specs, dispatch.ToolSpec{
				Name:        nt.Server + mcpToolSeparator + nt.Tool.Name,
				Description: nt.Tool.Description,
				Schema:      nt.Tool.InputSchema,
			})
		}
	}
	return specs
}

// forwardNotifications fans MCP server notifications into the event stream
// for the lifetime of one reply.
func (c *Core) forwardNotifications(ctx context.Context, emit func(AgentEvent) bool) func() {
	if c.servers == nil {
		return func() {}
	}
	var wg sync.WaitGroup
	stopCtx, stop := context.WithCancel(ctx)
	for _, name := range c.servers.Servers() {
		client, ok := c.servers.Client(name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(server string, client *mcp.Client) {
			defer wg.Done()
			for {
				select {
				case <-stopCtx.Done():
					return
				case n, ok := <-client.Notifications():
					if !ok {
						return
					}
					emit(AgentEvent{Kind: KindMcpNotification, Server: server, Notification: &n})
				}
			}
		}(name, client)
	}
	return func() {
		stop()
		wg.Wait()
	}
}

func (c *Core) loadHistory(ctx context.Context, sessionID string) ([]dispatch.ChatMessage, error) {
	msgs, err := c.store.ListMessages(ctx, sessionID, historyWindow)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	var history []dispatch.ChatMessage
	for _, msg := range msgs {
		history = append(history, chatFromStored(msg)...)
	}
	return history, nil
}

// chatFromStored flattens one stored message into upstream chat turns.
func chatFromStored(msg store.Message) []dispatch.ChatMessage {
	var text strings.Builder
	var images []string
	var calls []dispatch.ToolCall
	var results []dispatch.ToolResult

	for _, part := range msg.Parts {
		switch part.Type {
		case store.PartText, store.PartSystemNotification:
			text.WriteString(part.Text)
		case store.PartImage:
			if part.ImageURL != "" {
				images = append(images, part.ImageURL)
			}
		case store.PartToolRequest:
			calls = append(calls, dispatch.ToolCall{ID: part.ToolCallID, Name: part.ToolName, Input: part.Arguments})
		case store.PartToolResponse:
			results = append(results, dispatch.ToolResult{
				ToolCallID: part.ToolCallID,
				Content:    ExtractText(part.Result),
				IsError:    part.IsError,
			})
		}
	}

	var out []dispatch.ChatMessage
	if msg.Role == "tool" {
		if len(calls) > 0 {
			out = append(out, dispatch.ChatMessage{Role: dispatch.RoleAssistant, ToolCalls: calls})
		}
		if len(results) > 0 {
			out = append(out, dispatch.ChatMessage{Role: dispatch.RoleTool, ToolResults: results})
		}
		return out
	}
	if text.Len() == 0 && len(images) == 0 && len(calls) == 0 {
		return nil
	}
	return []dispatch.ChatMessage{{
		Role:      msg.Role,
		Content:   text.String(),
		ImageURLs: images,
		ToolCalls: calls,
	}}
}

func (c *Core) publishDelta(opts ReplyOptions, kind, text, toolID string) {
	if c.bus == nil {
		return
	}
	topic := bus.TopicStreamDelta
	if kind == ExtToolStart || kind == ExtToolEnd {
		topic = bus.TopicStreamToolUse
	}
	c.bus.Publish(topic, bus.StreamDeltaEvent{
		RunID:     opts.RunID,
		SessionID: opts.SessionID,
		Kind:      kind,
		Text:      text,
		ToolID:    toolID,
	})
}

func appendTextPart(parts []store.ContentPart, typ, text string) []store.ContentPart {
	if n := len(parts); n > 0 && parts[n-1].Type == typ {
		parts[n-1].Text += text
		return parts
	}
	return append(parts, store.ContentPart{Type: typ, Text: text})
}

func errorJSON(err error) json.RawMessage {
	raw, mErr := json.Marshal(map[string]string{"error": err.Error()})
	if mErr != nil {
		return json.RawMessage(`{"error":"tool execution failed"}`)
	}
	return raw
}

func usagePtr(u dispatch.Usage) *dispatch.Usage {
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		return nil
	}
	return &u
}
