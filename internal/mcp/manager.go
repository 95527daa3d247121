package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lyqf/proxycast/internal/config"
)

const (
	initTimeout = 10 * time.Second
	listTimeout = 5 * time.Second
)

// NamedTool is a server tool qualified with its owning server.
type NamedTool struct {
	Server string
	Tool   ServerTool
}

// Manager owns the set of configured MCP servers and their clients.
// Add and remove are idempotent by server name.
type Manager struct {
	logger *slog.Logger

	mu      sync.Mutex
	configs map[string]config.MCPServerConfig
	clients map[string]*Client
}

// NewManager builds an empty manager; servers are added via AddServer or
// StartAll.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger,
		configs: make(map[string]config.MCPServerConfig),
		clients: make(map[string]*Client),
	}
}

// StartAll connects every enabled configured server. Servers that fail to
// start are logged and skipped.
func (m *Manager) StartAll(ctx context.Context, configs []config.MCPServerConfig) {
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := m.AddServer(ctx, cfg); err != nil {
			m.logger.Warn("mcp server failed to start", "server", cfg.Name, "err", err)
		}
	}
}

// AddServer connects a server. Adding a name that is already connected is a
// no-op.
func (m *Manager) AddServer(ctx context.Context, cfg config.MCPServerConfig) error {
	m.mu.Lock()
	if _, ok := m.clients[cfg.Name]; ok {
		m.mu.Unlock()
		return nil
	}
	m.configs[cfg.Name] = cfg
	m.mu.Unlock()

	transport, err := NewReconnectableTransport(cfg.Command, cfg.Args, cfg.Env)
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Name, err)
	}
	client := NewClient(transport)

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	if err := client.Initialize(initCtx); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize %s: %w", cfg.Name, err)
	}

	m.mu.Lock()
	m.clients[cfg.Name] = client
	m.mu.Unlock()
	m.logger.Info("mcp server connected", "server", cfg.Name)
	return nil
}

// RemoveServer disconnects and forgets a server. Unknown names are a no-op.
func (m *Manager) RemoveServer(name string) {
	m.mu.Lock()
	client, ok := m.clients[name]
	delete(m.clients, name)
	delete(m.configs, name)
	m.mu.Unlock()
	if ok {
		_ = client.Close()
		m.logger.Info("mcp server removed", "server", name)
	}
}

// Servers lists connected server names, sorted.
func (m *Manager) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Client returns the client for a server, if connected.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[name]
	return c, ok
}

// AllTools returns every tool from every connected server. Servers that
// time out listing are skipped with a warning.
func (m *Manager) AllTools(ctx context.Context) []NamedTool {
	m.mu.Lock()
	snapshot := make(map[string]*Client, len(m.clients))
	for name, c := range m.clients {
		snapshot[name] = c
	}
	m.mu.Unlock()

	var out []NamedTool
	for name, client := range snapshot {
		listCtx, cancel := context.WithTimeout(ctx, listTimeout)
		tools, err := client.ListTools(listCtx)
		cancel()
		if err != nil {
			m.logger.Warn("mcp tool listing failed", "server", name, "err", err)
			continue
		}
		for _, tool := range tools {
			out = append(out, NamedTool{Server: name, Tool: tool})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			return out[i].Server < out[j].Server
		}
		return out[i].Tool.Name < out[j].Tool.Name
	})
	return out
}

// CallTool routes a tool call to the owning server.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) ([]byte, error) {
	client, ok := m.Client(server)
	if !ok {
		return nil, fmt.Errorf("mcp server %q not connected", server)
	}
	return client.CallTool(ctx, tool, args)
}

// StopAll disconnects every server.
func (m *Manager) StopAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.configs = make(map[string]config.MCPServerConfig)
	m.mu.Unlock()
	for name, client := range clients {
		if err := client.Close(); err != nil {
			m.logger.Debug("mcp close error", "server", name, "err", err)
		}
	}
}
