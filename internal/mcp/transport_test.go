package mcp

import (
	"os"
	"strings"
	"testing"
)

func TestChildEnv_InheritsAllowListOnly(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("SECRET_TOKEN", "hunter2")

	env := childEnv(nil)
	var sawPath, sawSecret bool
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			sawPath = true
		}
		if strings.HasPrefix(kv, "SECRET_TOKEN=") {
			sawSecret = true
		}
	}
	if !sawPath {
		t.Fatal("PATH not inherited")
	}
	if sawSecret {
		t.Fatal("SECRET_TOKEN leaked into child env")
	}
}

func TestChildEnv_ExpandsExtraValues(t *testing.T) {
	t.Setenv("HOME", "/home/alice")
	env := childEnv(map[string]string{"DATA_DIR": "$HOME/data"})

	var got string
	for _, kv := range env {
		if strings.HasPrefix(kv, "DATA_DIR=") {
			got = kv
		}
	}
	if got != "DATA_DIR=/home/alice/data" {
		t.Fatalf("DATA_DIR entry = %q", got)
	}
}

func TestStdioTransport_RoundTrip(t *testing.T) {
	if _, err := os.Stat("/bin/cat"); err != nil {
		t.Skip("/bin/cat not available")
	}
	tr, err := NewStdioTransport("/bin/cat", nil, nil)
	if err != nil {
		t.Fatalf("NewStdioTransport: %v", err)
	}
	defer tr.Close()

	msg := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if err := tr.Send(t.Context(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := tr.Receive(t.Context())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if strings.TrimSpace(string(got)) != string(msg) {
		t.Fatalf("echo = %q", got)
	}
}

func TestStdioTransport_SendAfterCloseFails(t *testing.T) {
	if _, err := os.Stat("/bin/cat"); err != nil {
		t.Skip("/bin/cat not available")
	}
	tr, err := NewStdioTransport("/bin/cat", nil, nil)
	if err != nil {
		t.Fatalf("NewStdioTransport: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Send(t.Context(), []byte("{}")); err == nil {
		t.Fatal("expected error after close")
	}
}
