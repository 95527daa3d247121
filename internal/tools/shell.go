package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lyqf/proxycast/internal/sandbox"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellTimeout     = 120 * time.Second
	maxShellOutput      = 8 * 1024
)

// readOnlyCommand is the curated whitelist used outside auto mode: harmless
// navigation and search utilities, optionally piped together.
var readOnlyCommand = regexp.MustCompile(
	`^\s*(ls|pwd|cat|head|tail|wc|grep|rg|find|tree|file|stat|du|df|echo|which|env|date)(\s+[^;&|$` + "`" + `]*)?(\s*\|\s*(ls|cat|head|tail|wc|grep|rg|sort|uniq|cut|tr)(\s+[^;&|$` + "`" + `]*)?)*\s*$`)

// anyCommand relaxes the restriction in auto mode: any non-empty command,
// with containment delegated to the sandbox and permission rules.
var anyCommand = regexp.MustCompile(`\S`)

// denyTokens are never executed regardless of mode.
var denyTokens = map[string]struct{}{
	"rm": {}, "rmdir": {}, "mkfs": {}, "dd": {}, "shutdown": {}, "reboot": {},
	"halt": {}, "poweroff": {}, "kill": {}, "killall": {}, "pkill": {},
	"sudo": {}, "su": {}, "chmod": {}, "chown": {},
}

var shellSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"command": {"type": "string", "minLength": 1},
		"working_dir": {"type": "string"},
		"timeout_sec": {"type": "integer", "minimum": 1, "maximum": 120}
	},
	"required": ["command"]
}`)

// ShellOutput is the structured result of a shell invocation.
type ShellOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// ShellTool executes commands inside the workspace through the configured
// sandbox executor.
type ShellTool struct {
	executor sandbox.Executor
	redact   func(string) string
}

// NewShellTool builds the workspace shell tool. redact may be nil.
func NewShellTool(executor sandbox.Executor, redact func(string) string) *ShellTool {
	if redact == nil {
		redact = func(s string) string { return s }
	}
	return &ShellTool{executor: executor, redact: redact}
}

func (t *ShellTool) Name() string { return "workspace_shell" }

func (t *ShellTool) Description() string {
	return "Execute a shell command inside the workspace sandbox. Destructive commands are blocked; output is truncated to 8KB."
}

func (t *ShellTool) InputSchema() json.RawMessage { return shellSchema }

// CheckPermissions applies the mode-dependent command gate on top of the
// registry's rule resolution.
func (t *ShellTool) CheckPermissions(params map[string]any, ec ExecContext) Decision {
	command, _ := params["command"].(string)
	command = strings.TrimSpace(command)
	if command == "" {
		return Decision{Outcome: OutcomeDeny, Reason: "empty command"}
	}

	pattern := readOnlyCommand
	if ec.Mode == "auto" || ec.Mode == "code_orchestrated" {
		pattern = anyCommand
	}
	if !pattern.MatchString(command) {
		return Decision{Outcome: OutcomeDeny, Reason: fmt.Sprintf("command %q is outside the allowed set for %s mode", firstToken(command), ec.Mode)}
	}
	for _, seg := range splitCommandSegments(command) {
		for _, tok := range strings.Fields(seg) {
			if _, blocked := denyTokens[tok]; blocked {
				return Decision{Outcome: OutcomeDeny, Reason: fmt.Sprintf("command %q is on the deny list", tok)}
			}
		}
	}
	return Decision{Outcome: OutcomeAllow}
}

func (t *ShellTool) Execute(ctx context.Context, params map[string]any, ec ExecContext) (any, error) {
	command, _ := params["command"].(string)
	workDir, _ := params["working_dir"].(string)
	if workDir == "" {
		workDir = ec.Workspace
	} else if !strings.HasPrefix(workDir, ec.Workspace) {
		return nil, fmt.Errorf("working dir %q escapes workspace", workDir)
	}

	timeout := defaultShellTimeout
	if raw, ok := params["timeout_sec"]; ok {
		if secs, ok := toFloat(raw); ok && secs > 0 {
			timeout = time.Duration(secs) * time.Second
			if timeout > maxShellTimeout {
				timeout = maxShellTimeout
			}
		}
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, exitCode, err := t.executor.Exec(execCtx, command, workDir)
	if err != nil && exitCode == 0 {
		if execCtx.Err() == context.DeadlineExceeded {
			return ShellOutput{Stderr: "command timed out", ExitCode: -1}, nil
		}
		return nil, fmt.Errorf("exec: %w", err)
	}
	return ShellOutput{
		Stdout:   t.redact(truncateOutput(stdout, maxShellOutput)),
		Stderr:   t.redact(truncateOutput(stderr, maxShellOutput)),
		ExitCode: exitCode,
	}, nil
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}

func firstToken(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// splitCommandSegments splits at pipe and logical operators so each segment
// can be checked against the deny list.
func splitCommandSegments(cmd string) []string {
	var segments []string
	current := cmd
	for current != "" {
		minIdx := len(current)
		matchLen := 0
		for _, op := range []string{"||", "&&", "|"} {
			if idx := strings.Index(current, op); idx >= 0 && idx < minIdx {
				minIdx = idx
				matchLen = len(op)
			}
		}
		if matchLen > 0 {
			if seg := strings.TrimSpace(current[:minIdx]); seg != "" {
				segments = append(segments, seg)
			}
			current = current[minIdx+matchLen:]
		} else {
			if seg := strings.TrimSpace(current); seg != "" {
				segments = append(segments, seg)
			}
			break
		}
	}
	return segments
}
