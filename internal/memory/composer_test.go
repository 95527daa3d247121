package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lyqf/proxycast/internal/store"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestCompose_PrecedenceOrder(t *testing.T) {
	root := t.TempDir()
	work := filepath.Join(root, "sub")
	writeFile(t, filepath.Join(root, "policy.md"), "policy rules")
	writeFile(t, filepath.Join(root, "user.md"), "user prefs")
	writeFile(t, filepath.Join(work, "AGENT.md"), "nearest project file")
	writeFile(t, filepath.Join(root, "AGENT.md"), "root project file")

	c := NewComposer(Config{
		ManagedPolicyFile: filepath.Join(root, "policy.md"),
		UserMemoryFile:    filepath.Join(root, "user.md"),
		WorkDir:           work,
		ProjectRoot:       root,
	}, nil, nil)

	prompt, steps, err := c.Compose(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	want := "policy rules\n\nuser prefs\n\nnearest project file\n\nroot project file"
	if prompt != want {
		t.Fatalf("prompt = %q", prompt)
	}
	wantStages := []string{StageManagedPolicy, StageUserMemory, StageProjectFile, StageProjectFile}
	if len(steps) != len(wantStages) {
		t.Fatalf("steps = %+v", steps)
	}
	for i, stage := range wantStages {
		if steps[i].Stage != stage {
			t.Fatalf("step[%d].Stage = %q, want %q", i, steps[i].Stage, stage)
		}
	}
}

func TestCompose_DedupesCanonicalPaths(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "AGENT.md"), "once only")

	// User file and project file point at the same path.
	c := NewComposer(Config{
		UserMemoryFile: filepath.Join(root, "AGENT.md"),
		WorkDir:        root,
		ProjectRoot:    root,
	}, nil, nil)

	prompt, steps, err := c.Compose(context.Background(), "")
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if prompt != "once only" || len(steps) != 1 {
		t.Fatalf("prompt = %q, steps = %+v", prompt, steps)
	}
}

func TestCompose_MissingFilesSkipped(t *testing.T) {
	c := NewComposer(Config{
		ManagedPolicyFile: filepath.Join(t.TempDir(), "absent.md"),
	}, nil, nil)
	prompt, steps, err := c.Compose(context.Background(), "")
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if prompt != "" || steps != nil {
		t.Fatalf("prompt = %q, steps = %+v", prompt, steps)
	}
}

func TestCompose_RuleDirsAndHomeExpansion(t *testing.T) {
	home := t.TempDir()
	writeFile(t, filepath.Join(home, "rules", "a.md"), "rule a")
	writeFile(t, filepath.Join(home, "rules", "b.md"), "rule b")
	writeFile(t, filepath.Join(home, "rules", "ignored.txt"), "not markdown")

	c := NewComposer(Config{
		RuleDirs: []string{"~/rules"},
		HomeDir:  home,
	}, nil, nil)
	prompt, steps, err := c.Compose(context.Background(), "")
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if prompt != "rule a\n\nrule b" {
		t.Fatalf("prompt = %q", prompt)
	}
	if len(steps) != 2 || steps[0].Stage != StageRuleDir {
		t.Fatalf("steps = %+v", steps)
	}
}

func TestCompose_ExtraDirsOnlyWhenEnabled(t *testing.T) {
	extra := t.TempDir()
	writeFile(t, filepath.Join(extra, "extra.md"), "extra context")

	disabled := NewComposer(Config{ExtraDirs: []string{extra}}, nil, nil)
	if prompt, _, _ := disabled.Compose(context.Background(), ""); prompt != "" {
		t.Fatalf("disabled extra dirs leaked: %q", prompt)
	}

	enabled := NewComposer(Config{ExtraDirs: []string{extra}, ExtraEnabled: true}, nil, nil)
	if prompt, _, _ := enabled.Compose(context.Background(), ""); prompt != "extra context" {
		t.Fatalf("prompt = %q", prompt)
	}
}

func TestCompose_StoreBackedSections(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "proxycast.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	if err := st.SaveUnifiedMemory(ctx, store.UnifiedMemoryEntry{
		ID: "u1", Type: "fact", Title: "deploys", Summary: "deploys run on fridays", Importance: 8,
	}); err != nil {
		t.Fatalf("save unified: %v", err)
	}
	if err := st.EnsureSession(ctx, "s1"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if err := st.SaveMemoryEntry(ctx, store.MemoryEntry{
		ID: "m1", SessionID: "s1", Kind: "task_plan", Title: "plan", Content: "step one", Priority: 7,
	}); err != nil {
		t.Fatalf("save entry: %v", err)
	}
	if err := st.SaveMemoryEntry(ctx, store.MemoryEntry{
		ID: "m2", SessionID: "s1", Kind: "error_log", Title: "old", Content: "fixed already", Resolved: true,
	}); err != nil {
		t.Fatalf("save resolved entry: %v", err)
	}

	c := NewComposer(Config{}, st, nil)
	prompt, steps, err := c.Compose(ctx, "s1")
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if !strings.Contains(prompt, "deploys run on fridays") || !strings.Contains(prompt, "step one") {
		t.Fatalf("prompt = %q", prompt)
	}
	if strings.Contains(prompt, "fixed already") {
		t.Fatal("resolved entry leaked into prompt")
	}
	var stages []string
	for _, s := range steps {
		stages = append(stages, s.Stage)
	}
	if len(stages) != 2 || stages[0] != StageAutoIndex || stages[1] != StageSessionNotes {
		t.Fatalf("stages = %v", stages)
	}
}
