// Package sandbox isolates workspace shell execution. Two backends are
// supported: a local unshare-based namespace sandbox and an ephemeral
// docker container sandbox. When neither is viable the package degrades to
// host execution unless strict mode forbids it.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/lyqf/proxycast/internal/config"
)

// ErrSandboxUnavailable is fatal in strict mode: no viable backend exists.
var ErrSandboxUnavailable = errors.New("sandbox backend unavailable")

// Executor runs one shell command and returns its captured output.
type Executor interface {
	Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error)
}

// HostExecutor runs commands directly on the host. It is the degraded
// fallback and carries no isolation.
type HostExecutor struct{}

func (HostExecutor) Exec(ctx context.Context, cmd, workDir string) (string, string, int, error) {
	execCmd := exec.CommandContext(ctx, "sh", "-c", cmd)
	if workDir != "" {
		execCmd.Dir = workDir
	}
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
	return outBuf.String(), errBuf.String(), exitCode, err
}

// Select picks an executor for the configured backend. The returned warning
// is non-empty when the sandbox degraded to host execution.
func Select(cfg config.SandboxConfig, workspace string, logger *slog.Logger) (Executor, string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case "docker":
		d, err := NewDockerSandbox(cfg, workspace)
		if err == nil {
			return d, "", nil
		}
		if cfg.Strict {
			return nil, "", fmt.Errorf("%w: docker: %v", ErrSandboxUnavailable, err)
		}
		warning := fmt.Sprintf("docker sandbox unavailable (%v), running on host", err)
		logger.Warn("sandbox degraded", "backend", "docker", "error", err)
		return HostExecutor{}, warning, nil

	case "", "unshare":
		u, err := NewLocalSandbox(cfg, workspace)
		if err == nil {
			return u, "", nil
		}
		if cfg.Strict {
			return nil, "", fmt.Errorf("%w: unshare: %v", ErrSandboxUnavailable, err)
		}
		warning := fmt.Sprintf("unshare sandbox unavailable (%v), running on host", err)
		logger.Warn("sandbox degraded", "backend", "unshare", "error", err)
		return HostExecutor{}, warning, nil

	case "none":
		if cfg.Strict {
			return nil, "", fmt.Errorf("%w: backend \"none\" conflicts with strict mode", ErrSandboxUnavailable)
		}
		return HostExecutor{}, "sandbox disabled by configuration", nil

	default:
		return nil, "", fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
	}
}
