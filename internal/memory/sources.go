// Package memory composes the hierarchical context prompt injected into
// agent sessions and bridges the durable memory tables.
package memory

import (
	"os"
	"path/filepath"
	"strings"
)

const maxSourceBytes = 64 * 1024

// Source stages, in composition precedence order.
const (
	StageManagedPolicy = "managed_policy"
	StageUserMemory    = "user_memory"
	StageProjectFile   = "project_file"
	StageRuleDir       = "rule_dir"
	StageExtraDir      = "extra_dir"
	StageAutoIndex     = "auto_index"
	StageSessionNotes  = "session_notes"
)

// Config locates the file-based memory sources.
type Config struct {
	ManagedPolicyFile string   // organization-managed policy, highest precedence
	UserMemoryFile    string   // per-user memory file
	WorkDir           string   // where the project walk starts
	ProjectRoot       string   // where the project walk stops (inclusive)
	ProjectFileName   string   // per-directory memory file, default AGENT.md
	RuleDirs          []string // directories whose .md files are rules
	ExtraDirs         []string // additional directories, only when enabled
	ExtraEnabled      bool
	HomeDir           string // for ~/ expansion; default os.UserHomeDir
}

// sourceFile is one resolved, deduplicated memory file.
type sourceFile struct {
	Stage string
	Path  string
}

// resolveSources produces the ordered, canonicalized list of files to read.
// Paths are visited once even when stages overlap.
func resolveSources(cfg Config) []sourceFile {
	if cfg.ProjectFileName == "" {
		cfg.ProjectFileName = "AGENT.md"
	}

	var ordered []sourceFile
	add := func(stage, path string) {
		if path == "" {
			return
		}
		ordered = append(ordered, sourceFile{Stage: stage, Path: expandHome(path, cfg.HomeDir)})
	}

	add(StageManagedPolicy, cfg.ManagedPolicyFile)
	add(StageUserMemory, cfg.UserMemoryFile)

	for _, dir := range projectWalk(cfg.WorkDir, cfg.ProjectRoot) {
		add(StageProjectFile, filepath.Join(dir, cfg.ProjectFileName))
	}
	for _, dir := range cfg.RuleDirs {
		for _, f := range markdownFiles(expandHome(dir, cfg.HomeDir)) {
			add(StageRuleDir, f)
		}
	}
	if cfg.ExtraEnabled {
		for _, dir := range cfg.ExtraDirs {
			for _, f := range markdownFiles(expandHome(dir, cfg.HomeDir)) {
				add(StageExtraDir, f)
			}
		}
	}

	seen := make(map[string]bool, len(ordered))
	var out []sourceFile
	for _, src := range ordered {
		canon := canonicalPath(src.Path)
		if seen[canon] {
			continue
		}
		seen[canon] = true
		out = append(out, sourceFile{Stage: src.Stage, Path: canon})
	}
	return out
}

// projectWalk lists directories from workDir up to and including root,
// nearest first. An empty root stops at the filesystem root.
func projectWalk(workDir, root string) []string {
	if workDir == "" {
		return nil
	}
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil
	}
	rootAbs := ""
	if root != "" {
		if rootAbs, err = filepath.Abs(root); err != nil {
			rootAbs = ""
		}
	}
	var dirs []string
	current := abs
	for {
		dirs = append(dirs, current)
		if current == rootAbs {
			break
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return dirs
}

func markdownFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out
}

func expandHome(path, home string) string {
	if !strings.HasPrefix(path, "~/") && path != "~" {
		return path
	}
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return path
		}
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func canonicalPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
