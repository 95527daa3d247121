package agent_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lyqf/proxycast/internal/agent"
	"github.com/lyqf/proxycast/internal/credential"
	"github.com/lyqf/proxycast/internal/dispatch"
	"github.com/lyqf/proxycast/internal/resilience"
	"github.com/lyqf/proxycast/internal/store"
	"github.com/lyqf/proxycast/internal/tools"
)

// scriptedClient replays one chunk round per Stream call.
type scriptedClient struct {
	mu     sync.Mutex
	rounds [][]dispatch.StreamChunk
	block  bool
}

func (s *scriptedClient) Stream(ctx context.Context, req dispatch.Request) (<-chan dispatch.StreamChunk, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s.mu.Lock()
	var round []dispatch.StreamChunk
	if len(s.rounds) > 0 {
		round = s.rounds[0]
		s.rounds = s.rounds[1:]
	}
	s.mu.Unlock()

	ch := make(chan dispatch.StreamChunk, len(round)+1)
	for _, chunk := range round {
		ch <- chunk
	}
	ch <- dispatch.StreamChunk{Done: true, Usage: &dispatch.Usage{InputTokens: 10, OutputTokens: 4}}
	close(ch)
	return ch, nil
}

// echoTool returns its params unchanged.
type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "returns its input" }
func (echoTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`)
}
func (echoTool) Execute(ctx context.Context, params map[string]any, ec tools.ExecContext) (any, error) {
	return map[string]any{"output": params["text"]}, nil
}

func newTestCore(t *testing.T, client dispatch.Client) (*agent.Core, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "proxycast.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	if err := st.UpsertProvider(ctx, store.Provider{ID: "mock", DisplayName: "Mock", DefaultHost: "https://example.invalid", Protocol: "openai"}); err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	if err := st.AddCredential(ctx, store.Credential{ID: "m1", ProviderID: "mock", Secret: "sk-m1", Enabled: true}); err != nil {
		t.Fatalf("add credential: %v", err)
	}

	pm := tools.NewPermissionManager(tools.Rule{Tool: "echo", Outcome: tools.OutcomeAllow, Priority: 10})
	registry := tools.NewRegistry(pm)
	if err := registry.Register(echoTool{}); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	d := dispatch.New(dispatch.Options{
		Pool: credential.NewPool(st, nil, 5),
		Retry: resilience.RetryPolicy{
			MaxRetries:        1,
			BaseDelay:         time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			Factor:            2.0,
			RetryableStatuses: map[int]bool{429: true, 500: true},
		},
		Timeouts: resilience.TimeoutController{RequestTimeout: 5 * time.Second},
	})

	core := agent.NewCore(agent.CoreOptions{
		Store:      st,
		Dispatcher: d,
		Registry:   registry,
		Clients: func(p store.Provider, cred store.Credential) dispatch.Client {
			return client
		},
	})
	return core, st
}

func drain(t *testing.T, events <-chan agent.AgentEvent) []agent.AgentEvent {
	t.Helper()
	var out []agent.AgentEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("event stream did not finish")
		}
	}
}

func TestCore_PlainTextReply(t *testing.T) {
	client := &scriptedClient{rounds: [][]dispatch.StreamChunk{
		{{Text: "Hel"}, {Text: "lo"}},
	}}
	core, st := newTestCore(t, client)

	events, err := core.Reply(context.Background(), "hi", agent.ReplyOptions{
		SessionID: "s1",
		Providers: []string{"mock"},
	})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	all := drain(t, events)

	var text string
	for _, ev := range all {
		if ev.Kind == agent.KindMessage {
			for _, part := range ev.Message.Parts {
				if part.Type == store.PartText {
					text += part.Text
				}
			}
		}
	}
	if text != "Hello" {
		t.Fatalf("streamed text = %q, want Hello", text)
	}
	last := all[len(all)-1]
	if last.Kind != agent.KindFinalDone {
		t.Fatalf("last event = %s, want final done", last.Kind)
	}
	if last.Usage == nil || last.Usage.OutputTokens != 4 {
		t.Fatalf("usage = %+v", last.Usage)
	}

	msgs, err := st.ListMessages(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("persisted history = %+v", msgs)
	}
}

func TestCore_ToolRoundTrip(t *testing.T) {
	args, _ := json.Marshal(map[string]any{"text": "ping"})
	client := &scriptedClient{rounds: [][]dispatch.StreamChunk{
		{{ToolCall: &dispatch.ToolCall{ID: "t1", Name: "echo", Input: args}}},
		{{Text: "pong"}},
	}}
	core, st := newTestCore(t, client)

	events, err := core.Reply(context.Background(), "use the tool", agent.ReplyOptions{
		SessionID: "s1",
		Providers: []string{"mock"},
	})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	all := drain(t, events)

	var sawRequest, sawResponse, sawIntermediateDone bool
	for _, ev := range all {
		switch ev.Kind {
		case agent.KindMessage:
			for _, part := range ev.Message.Parts {
				switch part.Type {
				case store.PartToolRequest:
					if part.ToolCallID != "t1" || part.ToolName != "echo" {
						t.Fatalf("tool request = %+v", part)
					}
					sawRequest = true
				case store.PartToolResponse:
					if part.ToolCallID != "t1" {
						t.Fatalf("tool response = %+v", part)
					}
					if part.IsError {
						t.Fatalf("tool response errored: %s", part.Result)
					}
					if sawRequest == false {
						t.Fatal("tool response before tool request")
					}
					sawResponse = true
				}
			}
		case agent.KindDone:
			sawIntermediateDone = true
		}
	}
	if !sawRequest || !sawResponse || !sawIntermediateDone {
		t.Fatalf("request=%v response=%v done=%v", sawRequest, sawResponse, sawIntermediateDone)
	}
	if all[len(all)-1].Kind != agent.KindFinalDone {
		t.Fatal("stream did not end with final done")
	}

	msgs, err := st.ListMessages(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	// user, tool message carrying the request/response pair, final assistant
	if len(msgs) != 3 {
		t.Fatalf("persisted %d messages, want 3", len(msgs))
	}
}

func TestCore_StopCancelsReply(t *testing.T) {
	client := &scriptedClient{block: true}
	core, _ := newTestCore(t, client)

	events, err := core.Reply(context.Background(), "hang", agent.ReplyOptions{
		SessionID: "s1",
		Providers: []string{"mock"},
	})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}

	// Wait for the reply to register before stopping it.
	waitFor := time.Now().Add(2 * time.Second)
	for !core.Active("s1") {
		if time.Now().After(waitFor) {
			t.Fatal("reply never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !core.Stop("s1") {
		t.Fatal("Stop reported no in-flight reply")
	}
	drain(t, events)
	if core.Active("s1") {
		t.Fatal("session still active after stop")
	}
}

func TestCore_StopUnknownSession(t *testing.T) {
	core, _ := newTestCore(t, &scriptedClient{})
	if core.Stop("ghost") {
		t.Fatal("Stop reported activity for unknown session")
	}
}

func TestCore_RejectsMissingProviders(t *testing.T) {
	core, _ := newTestCore(t, &scriptedClient{})
	if _, err := core.Reply(context.Background(), "hi", agent.ReplyOptions{SessionID: "s1"}); err == nil {
		t.Fatal("expected error without providers")
	}
}
