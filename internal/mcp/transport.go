// Package mcp runs stdio MCP servers as child processes and bridges their
// tools into agent sessions.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// inheritedEnv is the fixed set of process variables merged into every
// child server so node- and shell-based servers resolve their runtimes.
var inheritedEnv = []string{"PATH", "HOME", "USER", "SHELL", "NODE_PATH", "NVM_DIR"}

// Transport is the message layer below a Client.
type Transport interface {
	Send(ctx context.Context, msg json.RawMessage) error
	Receive(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// StdioTransport speaks newline-delimited JSON-RPC over a child process's
// stdin/stdout.
type StdioTransport struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	mu      sync.Mutex
	running bool
}

// NewStdioTransport launches the server process. The child env is the
// inherited allow-list plus the configured extras, with ${VAR} expansion in
// extra values.
func NewStdioTransport(command string, args []string, extraEnv map[string]string) (*StdioTransport, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = childEnv(extraEnv)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start server %q: %w", command, err)
	}

	t := &StdioTransport{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		running: true,
	}
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Debug("mcp server stderr", "command", command, "msg", scanner.Text())
		}
	}()
	return t, nil
}

func childEnv(extra map[string]string) []string {
	env := make([]string, 0, len(inheritedEnv)+len(extra))
	for _, key := range inheritedEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	for k, v := range extra {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

// Send writes one newline-delimited message.
func (t *StdioTransport) Send(ctx context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return fmt.Errorf("transport closed")
	}
	if _, err := t.stdin.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Receive blocks for the next message or context cancellation.
func (t *StdioTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	type result struct {
		msg []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := t.stdout.ReadBytes('\n')
		if err != nil {
			ch <- result{nil, err}
			return
		}
		ch <- result{line, nil}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return json.RawMessage(res.msg), nil
	}
}

// Close kills the child process.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.running = false
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		return t.cmd.Process.Kill()
	}
	return nil
}

// ReconnectableTransport restarts the child and replays the failing send
// with exponential backoff.
type ReconnectableTransport struct {
	command string
	args    []string
	env     map[string]string

	mu        sync.Mutex
	transport *StdioTransport
	maxRetry  int
}

// NewReconnectableTransport starts the server and wraps it with reconnect.
func NewReconnectableTransport(command string, args []string, env map[string]string) (*ReconnectableTransport, error) {
	transport, err := NewStdioTransport(command, args, env)
	if err != nil {
		return nil, err
	}
	return &ReconnectableTransport{
		command:   command,
		args:      args,
		env:       env,
		transport: transport,
		maxRetry:  3,
	}, nil
}

func (r *ReconnectableTransport) Send(ctx context.Context, msg json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.transport.Send(ctx, msg)
	if err == nil {
		return nil
	}

	backoff := time.Second
	for attempt := 0; attempt < r.maxRetry; attempt++ {
		slog.Info("mcp reconnecting", "command", r.command, "attempt", attempt+1, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		_ = r.transport.Close()
		fresh, newErr := NewStdioTransport(r.command, r.args, r.env)
		if newErr != nil {
			backoff *= 2
			continue
		}
		r.transport = fresh
		if sendErr := r.transport.Send(ctx, msg); sendErr == nil {
			slog.Info("mcp reconnected", "command", r.command)
			return nil
		}
		backoff *= 2
	}
	return fmt.Errorf("mcp reconnect failed after %d attempts: %w", r.maxRetry, err)
}

func (r *ReconnectableTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	r.mu.Lock()
	t := r.transport
	r.mu.Unlock()
	return t.Receive(ctx)
}

func (r *ReconnectableTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transport.Close()
}
