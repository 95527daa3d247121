package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lyqf/proxycast/internal/agent"
	"github.com/lyqf/proxycast/internal/credential"
	"github.com/lyqf/proxycast/internal/dispatch"
	"github.com/lyqf/proxycast/internal/gateway"
	"github.com/lyqf/proxycast/internal/resilience"
	"github.com/lyqf/proxycast/internal/rpc"
	"github.com/lyqf/proxycast/internal/runs"
	"github.com/lyqf/proxycast/internal/scheduler"
	"github.com/lyqf/proxycast/internal/store"
	"github.com/lyqf/proxycast/internal/tools"
)

const testAuthToken = "gateway-test-token"

// scriptedClient replays one chunk round per Stream call.
type scriptedClient struct {
	mu     sync.Mutex
	rounds [][]dispatch.StreamChunk
}

func (s *scriptedClient) Stream(ctx context.Context, req dispatch.Request) (<-chan dispatch.StreamChunk, error) {
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
	ch <- dispatch.StreamChunk{Done: true, Usage: &dispatch.Usage{InputTokens: 3, OutputTokens: 2}}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T, client dispatch.Client) (*httptest.Server, *store.Store) {
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
		Registry:   tools.NewRegistry(tools.NewPermissionManager()),
		Clients: func(p store.Provider, cred store.Credential) dispatch.Client {
			return client
		},
	})
	handler := rpc.New(rpc.Options{
		Core:      core,
		Runs:      runs.NewRegistry(st, nil, nil, nil),
		Scheduler: scheduler.New(scheduler.Options{Store: st, Runner: scheduler.RunnerFunc(func(ctx context.Context, task store.ScheduledTask) (string, error) { return "", nil })}),
		Store:     st,
		Providers: []string{"mock"},
	})
	srv := gateway.New(gateway.Config{
		RPC:       handler,
		Store:     st,
		AuthToken: testAuthToken,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func connectWS(t *testing.T, serverURL, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	dialOpts := &websocket.DialOptions{}
	if token != "" {
		dialOpts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, "ws"+serverURL[len("http"):]+"/ws", dialOpts)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

// frame is either a response (ID set) or a server notification (Method set).
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestGateway_RejectsMissingToken(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedClient{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/ws", nil)
	if err == nil {
		t.Fatal("dial succeeded without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v, want 401", resp)
	}
}

func TestGateway_RunAndWaitOverWebsocket(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedClient{rounds: [][]dispatch.StreamChunk{
		{{Text: "Hel"}, {Text: "lo"}},
	}})
	conn := connectWS(t, ts.URL, testAuthToken)
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "agent.run",
		"params": map[string]any{"message": "hi", "sessionId": "s1"},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	started := readFrame(t, conn)
	if started.Error != nil {
		t.Fatalf("agent.run error: %+v", started.Error)
	}
	var run struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(started.Result, &run); err != nil {
		t.Fatalf("decode run result: %v", err)
	}

	if err := wsjson.Write(ctx, conn, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "agent.wait",
		"params": map[string]any{"runId": run.RunID, "timeoutMs": 5000},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waited := readFrame(t, conn)
	var result struct {
		Completed bool   `json:"completed"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(waited.Result, &result); err != nil {
		t.Fatalf("decode wait result: %v", err)
	}
	if !result.Completed || result.Content != "Hello" {
		t.Fatalf("wait result = %+v", result)
	}
}

func TestGateway_StreamedEventsInterleave(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedClient{rounds: [][]dispatch.StreamChunk{
		{{Text: "ok"}},
	}})
	conn := connectWS(t, ts.URL, testAuthToken)
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "agent.run",
		"params": map[string]any{"message": "hi", "stream": true},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var sawResponse, sawText, sawFinal bool
	deadline := time.Now().Add(5 * time.Second)
	for !(sawResponse && sawText && sawFinal) {
		if time.Now().After(deadline) {
			t.Fatalf("frames incomplete: response=%v text=%v final=%v", sawResponse, sawText, sawFinal)
		}
		f := readFrame(t, conn)
		if len(f.ID) > 0 {
			sawResponse = true
			continue
		}
		if f.Method != "agent.event" {
			t.Fatalf("unexpected notification %q", f.Method)
		}
		var params struct {
			RunID string `json:"runId"`
			Event struct {
				Type string `json:"type"`
			} `json:"event"`
		}
		if err := json.Unmarshal(f.Params, &params); err != nil {
			t.Fatalf("decode params: %v", err)
		}
		switch params.Event.Type {
		case agent.ExtTextDelta:
			sawText = true
		case agent.ExtFinalDone:
			sawFinal = true
		}
	}
}

func TestGateway_Healthz(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedClient{})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.Healthy {
		t.Fatal("gateway reported unhealthy")
	}
}
