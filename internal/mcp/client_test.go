package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

// fakeTransport answers each request by method, echoing the request id.
type fakeTransport struct {
	handlers map[string]func(req rpcRequest) any
	inbox    chan json.RawMessage
	sent     chan json.RawMessage
	closed   chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string]func(req rpcRequest) any),
		inbox:    make(chan json.RawMessage, 16),
		sent:     make(chan json.RawMessage, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) Send(ctx context.Context, msg json.RawMessage) error {
	f.sent <- msg
	var req rpcRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return err
	}
	if req.Method == "" {
		return nil
	}
	handler, ok := f.handlers[req.Method]
	if !ok {
		return nil
	}
	result := handler(req)
	resp, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  result,
	})
	if err != nil {
		return err
	}
	f.inbox <- resp
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.closed:
		return nil, fmt.Errorf("transport closed")
	case msg := <-f.inbox:
		return msg, nil
	}
}

func (f *fakeTransport) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func TestClient_InitializeHandshake(t *testing.T) {
	ft := newFakeTransport()
	ft.handlers["initialize"] = func(req rpcRequest) any {
		return map[string]any{"protocolVersion": protocolVersion}
	}
	client := NewClient(ft)
	defer client.Close()

	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Request then initialized notification, in order.
	first := <-ft.sent
	if !strings.Contains(string(first), `"initialize"`) {
		t.Fatalf("first message = %s, want initialize", first)
	}
	second := <-ft.sent
	if !strings.Contains(string(second), "notifications/initialized") {
		t.Fatalf("second message = %s, want initialized notification", second)
	}
}

func TestClient_ListTools(t *testing.T) {
	ft := newFakeTransport()
	ft.handlers["tools/list"] = func(req rpcRequest) any {
		return map[string]any{
			"tools": []map[string]any{
				{"name": "search", "description": "web search", "inputSchema": map[string]any{"type": "object"}},
			},
		}
	}
	client := NewClient(ft)
	defer client.Close()

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "search" {
		t.Fatalf("tools = %+v, want one named search", tools)
	}
}

func TestClient_CallToolError(t *testing.T) {
	ft := newFakeTransport()
	client := NewClient(ft)
	defer client.Close()

	go func() {
		raw := <-ft.sent
		var req rpcRequest
		_ = json.Unmarshal(raw, &req)
		resp, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]any{"code": -32602, "message": "bad arguments"},
		})
		ft.inbox <- resp
	}()

	_, err := client.CallTool(context.Background(), "search", map[string]any{"q": 1})
	if err == nil || !strings.Contains(err.Error(), "bad arguments") {
		t.Fatalf("err = %v, want bad arguments", err)
	}
}

func TestClient_ForwardsNotifications(t *testing.T) {
	ft := newFakeTransport()
	client := NewClient(ft)
	defer client.Close()

	note, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/progress",
		"params":  map[string]any{"progress": 50},
	})
	ft.inbox <- note

	select {
	case n := <-client.Notifications():
		if n.Method != "notifications/progress" {
			t.Fatalf("method = %q", n.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification forwarded")
	}
}

func TestClient_CancelledCallAbandonsPending(t *testing.T) {
	ft := newFakeTransport()
	client := NewClient(ft)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.CallTool(ctx, "slow", nil); err == nil {
		t.Fatal("expected cancellation error")
	}
	client.mu.Lock()
	pending := len(client.pending)
	client.mu.Unlock()
	if pending != 0 {
		t.Fatalf("pending = %d, want 0", pending)
	}
}
