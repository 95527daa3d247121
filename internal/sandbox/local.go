package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/lyqf/proxycast/internal/config"
)

// LocalSandbox executes commands inside fresh user, mount, and network
// namespaces via unshare(1). The child gets a tmpfs scratch at /tmp, no
// network, and rlimits applied through the shell before the command runs.
type LocalSandbox struct {
	workspace     string
	cpuSeconds    int
	maxProcesses  int
	maxFileSizeKB int64
	maxOpenFiles  int
	memoryKB      int64
}

// NewLocalSandbox probes unshare availability and returns the backend.
func NewLocalSandbox(cfg config.SandboxConfig, workspace string) (*LocalSandbox, error) {
	if _, err := exec.LookPath("unshare"); err != nil {
		return nil, fmt.Errorf("unshare not found: %w", err)
	}
	// Probe: creating namespaces can be blocked by kernel policy.
	probe := exec.Command("unshare", "--user", "--map-root-user", "--net", "--mount", "true")
	if out, err := probe.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("unshare probe failed: %v (%s)", err, strings.TrimSpace(string(out)))
	}

	s := &LocalSandbox{
		workspace:     workspace,
		cpuSeconds:    cfg.CPUSeconds,
		maxProcesses:  cfg.MaxProcesses,
		maxOpenFiles:  cfg.MaxOpenFiles,
		maxFileSizeKB: cfg.MaxFileSizeMB * 1024,
		memoryKB:      cfg.MemoryMB * 1024,
	}
	if s.cpuSeconds <= 0 {
		s.cpuSeconds = 60
	}
	if s.maxProcesses <= 0 {
		s.maxProcesses = 64
	}
	if s.maxOpenFiles <= 0 {
		s.maxOpenFiles = 256
	}
	if s.maxFileSizeKB <= 0 {
		s.maxFileSizeKB = 32 * 1024
	}
	if s.memoryKB <= 0 {
		s.memoryKB = 512 * 1024
	}
	return s, nil
}

// Exec runs cmd under namespace isolation. workDir must be inside the
// workspace; an empty workDir runs at the workspace root.
func (s *LocalSandbox) Exec(ctx context.Context, cmd, workDir string) (string, string, int, error) {
	if workDir == "" {
		workDir = s.workspace
	}
	if !strings.HasPrefix(workDir, s.workspace) {
		return "", "", -1, fmt.Errorf("working dir %q escapes workspace", workDir)
	}

	script := fmt.Sprintf(
		"mount -t tmpfs -o size=64m tmpfs /tmp && ulimit -t %d -u %d -n %d -f %d -v %d && cd %s && %s",
		s.cpuSeconds, s.maxProcesses, s.maxOpenFiles, s.maxFileSizeKB, s.memoryKB,
		shellQuote(workDir), cmd)

	execCmd := exec.CommandContext(ctx,
		"unshare", "--user", "--map-root-user", "--net", "--mount", "--pid", "--fork",
		"sh", "-c", script)

	var outBuf, errBuf bytes.Buffer
	execCmd.Stdout = &outBuf
	execCmd.Stderr = &errBuf

	exitCode := 0
	err := execCmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			err = nil
		} else {
			exitCode = -1
		}
	}
	if ctx.Err() != nil {
		return outBuf.String(), "command timed out", -1, ctx.Err()
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
