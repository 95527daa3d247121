package sandbox

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/lyqf/proxycast/internal/config"
)

// DockerSandbox runs each command in an ephemeral container with the
// workspace bind-mounted at /workspace.
type DockerSandbox struct {
	client      *client.Client
	image       string
	memoryBytes int64
	pidsLimit   int64
	networkMode string
	workspace   string
}

// NewDockerSandbox builds the backend and verifies the daemon is reachable.
func NewDockerSandbox(cfg config.SandboxConfig, workspace string) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	image := cfg.Image
	if image == "" {
		image = "alpine:3.20"
	}
	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 512
	}
	network := cfg.Network
	if network == "" {
		network = "none"
	}
	pids := int64(cfg.MaxProcesses)
	if pids <= 0 {
		pids = 64
	}

	return &DockerSandbox{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		pidsLimit:   pids,
		networkMode: network,
		workspace:   workspace,
	}, nil
}

// Exec runs cmd in a fresh container and tears it down afterwards.
func (d *DockerSandbox) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	containerDir := "/workspace"
	if workDir != "" && workDir != d.workspace {
		containerDir = workDir
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: containerDir,
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:    d.memoryBytes,
			PidsLimit: &d.pidsLimit,
		},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", d.workspace)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		return "", "command timed out", -1, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Close releases the docker client.
func (d *DockerSandbox) Close() error {
	return d.client.Close()
}
