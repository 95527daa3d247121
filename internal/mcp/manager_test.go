package mcp

import (
	"context"
	"os"
	"testing"

	"github.com/lyqf/proxycast/internal/config"
)

// /bin/cat echoes requests back with their id intact, which is enough for
// the handshake to complete.
func echoServerConfig(name string) config.MCPServerConfig {
	return config.MCPServerConfig{Name: name, Command: "/bin/cat", Enabled: true}
}

func requireCat(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/cat"); err != nil {
		t.Skip("/bin/cat not available")
	}
}

func TestManager_AddServerIsIdempotent(t *testing.T) {
	requireCat(t)
	m := NewManager(nil)
	defer m.StopAll()

	if err := m.AddServer(t.Context(), echoServerConfig("echo")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if err := m.AddServer(t.Context(), echoServerConfig("echo")); err != nil {
		t.Fatalf("second AddServer: %v", err)
	}
	if got := m.Servers(); len(got) != 1 || got[0] != "echo" {
		t.Fatalf("Servers() = %v, want [echo]", got)
	}
}

func TestManager_RemoveServer(t *testing.T) {
	requireCat(t)
	m := NewManager(nil)
	defer m.StopAll()

	if err := m.AddServer(t.Context(), echoServerConfig("echo")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	m.RemoveServer("echo")
	m.RemoveServer("echo") // no-op on unknown name
	if got := m.Servers(); len(got) != 0 {
		t.Fatalf("Servers() = %v, want empty", got)
	}
	if _, ok := m.Client("echo"); ok {
		t.Fatal("client still registered after remove")
	}
}

func TestManager_StartAllSkipsDisabled(t *testing.T) {
	requireCat(t)
	m := NewManager(nil)
	defer m.StopAll()

	configs := []config.MCPServerConfig{
		echoServerConfig("a"),
		{Name: "b", Command: "/bin/cat", Enabled: false},
		{Name: "c", Command: "/nonexistent/server", Enabled: true},
	}
	m.StartAll(context.Background(), configs)
	if got := m.Servers(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("Servers() = %v, want [a]", got)
	}
}

func TestManager_CallToolUnknownServer(t *testing.T) {
	m := NewManager(nil)
	if _, err := m.CallTool(context.Background(), "ghost", "search", nil); err == nil {
		t.Fatal("expected error for unknown server")
	}
}
