// Package gateway exposes the JSON-RPC surface over WebSocket plus a small
// set of plain HTTP endpoints.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lyqf/proxycast/internal/agent"
	"github.com/lyqf/proxycast/internal/rpc"
	"github.com/lyqf/proxycast/internal/shared"
	"github.com/lyqf/proxycast/internal/store"
)

const writeTimeout = 10 * time.Second

// Config wires the gateway's collaborators.
type Config struct {
	RPC   *rpc.Handler
	Store *store.Store

	// AuthToken guards the websocket and status endpoints. An empty token
	// rejects everything except /healthz.
	AuthToken string

	// AllowOrigins lists Origin patterns accepted for cross-origin
	// websocket connections. Empty means same-origin only.
	AllowOrigins []string

	Logger *slog.Logger
}

// Server serves the websocket gateway.
type Server struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

// client is one connected websocket peer. Writes are serialized because
// response frames and streamed run events interleave.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, payload)
}

// New builds a gateway server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		clients: map[*client]struct{}{},
	}
}

// Handler returns the HTTP mux for the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	dbOK := true
	if _, err := s.cfg.Store.ListProviders(ctx); err != nil {
		dbOK = false
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
		"clients": s.clientCount(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// Streamed run events go out as JSON-RPC notifications interleaved
	// with response frames. The sink outlives individual Handle calls, so
	// it writes against its own context.
	sink := func(runID string, events []agent.ExternalEvent) {
		for _, ev := range events {
			frame, err := json.Marshal(map[string]any{
				"jsonrpc": "2.0",
				"method":  "agent.event",
				"params":  map[string]any{"runId": runID, "event": ev},
			})
			if err != nil {
				continue
			}
			if err := c.write(context.Background(), frame); err != nil {
				s.logger.Debug("ws: drop stream event", "run_id", runID, "error", err)
				return
			}
		}
	}

	for {
		var raw json.RawMessage
		if err := wsjson.Read(r.Context(), conn, &raw); err != nil {
			s.logger.Debug("ws: read error, closing", "error", err)
			return
		}
		ctx := shared.WithRequestID(r.Context(), shared.NewRequestID())
		resp := s.cfg.RPC.Handle(ctx, raw, sink)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Error("ws: write response", "error", err)
			return
		}
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
