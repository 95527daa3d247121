package memory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lyqf/proxycast/internal/agent"
	"github.com/lyqf/proxycast/internal/store"
)

const (
	autoIndexLimit    = 10
	sessionNotesLimit = 20
)

// Composer assembles the effective memory prompt for a session from the
// file hierarchy plus the durable memory tables.
type Composer struct {
	cfg    Config
	store  *store.Store
	logger *slog.Logger
}

// NewComposer builds a composer. The store is optional; without it only the
// file sources contribute.
func NewComposer(cfg Config, st *store.Store, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{cfg: cfg, store: st, logger: logger}
}

// Compose renders the memory prompt and the per-stage trace of what was
// injected. Missing files are skipped silently; read failures are traced.
func (c *Composer) Compose(ctx context.Context, sessionID string) (string, []agent.TraceStep, error) {
	var sections []string
	var steps []agent.TraceStep

	for _, src := range resolveSources(c.cfg) {
		content, err := readCapped(src.Path)
		if err != nil {
			if !os.IsNotExist(err) {
				steps = append(steps, agent.TraceStep{Stage: src.Stage, Detail: "unreadable: " + src.Path})
				c.logger.Debug("memory source unreadable", "path", src.Path, "err", err)
			}
			continue
		}
		if content == "" {
			continue
		}
		sections = append(sections, content)
		steps = append(steps, agent.TraceStep{Stage: src.Stage, Detail: src.Path})
	}

	if c.store != nil {
		if auto := c.autoIndex(ctx); auto != "" {
			sections = append(sections, auto)
			steps = append(steps, agent.TraceStep{Stage: StageAutoIndex, Detail: fmt.Sprintf("%d entries", strings.Count(auto, "\n- "))})
		}
		if notes := c.sessionNotes(ctx, sessionID); notes != "" {
			sections = append(sections, notes)
			steps = append(steps, agent.TraceStep{Stage: StageSessionNotes, Detail: sessionID})
		}
	}

	if len(sections) == 0 {
		return "", nil, nil
	}
	return strings.Join(sections, "\n\n"), steps, nil
}

// autoIndex summarizes the highest-importance unified memories.
func (c *Composer) autoIndex(ctx context.Context) string {
	entries, err := c.store.SearchUnifiedMemory(ctx, "", autoIndexLimit)
	if err != nil {
		c.logger.Debug("auto memory index failed", "err", err)
		return ""
	}
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Known context from past sessions:")
	for _, e := range entries {
		line := e.Summary
		if line == "" {
			line = e.Title
		}
		fmt.Fprintf(&b, "\n- [%s] %s", e.Type, line)
	}
	return b.String()
}

// sessionNotes surfaces unresolved working notes for the current session,
// highest priority first.
func (c *Composer) sessionNotes(ctx context.Context, sessionID string) string {
	if sessionID == "" {
		return ""
	}
	entries, err := c.store.ListMemoryEntries(ctx, sessionID, "")
	if err != nil {
		c.logger.Debug("session notes lookup failed", "session_id", sessionID, "err", err)
		return ""
	}
	var b strings.Builder
	count := 0
	for _, e := range entries {
		if e.Resolved || count >= sessionNotesLimit {
			continue
		}
		if count == 0 {
			b.WriteString("Working notes for this session:")
		}
		fmt.Fprintf(&b, "\n- (%s) %s: %s", e.Kind, e.Title, e.Content)
		count++
	}
	return b.String()
}

func readCapped(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, maxSourceBytes))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}
