// Package runner invokes the agent subprocess against a prepared workspace.
// The agent itself is a black box from this codebase's point of view: it
// reads the workspace's input/memory/reference directories, writes a reply
// draft and an updated memo, and exits. Two backends are provided: a plain
// local subprocess, and an optional Docker-sandboxed one for untrusted or
// resource-bounded execution.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Spec describes one agent invocation.
type Spec struct {
	Runner      string // "codex", "claude", ...
	ModelName   string
	WorkspaceDir string
	Timeout     time.Duration
}

// Result is what the agent subprocess produced.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

func (r Result) Success() bool { return r.ExitCode == 0 }

// Runner executes one agent invocation against an already-prepared
// workspace directory and returns its raw process output. Reply drafts and
// memo diffs are read back from the workspace afterward by the executor,
// not parsed out of stdout here.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

func commandFor(spec Spec) (bin string, args []string) {
	runnerName := spec.Runner
	if runnerName == "" {
		runnerName = "codex"
	}
	args = []string{"run", "--workspace", spec.WorkspaceDir}
	if spec.ModelName != "" {
		args = append(args, "--model", spec.ModelName)
	}
	return runnerName, args
}

// ProcessRunner runs the agent as a plain local subprocess.
type ProcessRunner struct{}

func (ProcessRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bin, args := commandFor(spec)
	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Dir = spec.WorkspaceDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("runner: process: %w", err)
	}
	return result, nil
}

// DockerRunner runs the agent inside an ephemeral, network-isolated
// container, bind-mounting the workspace at /workspace.
type DockerRunner struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
}

func NewDockerRunner(image string, memoryMB int64, networkMode string) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("runner: docker client: %w", err)
	}
	if image == "" {
		image = "workcell/agent-runner:latest"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "none"
	}
	return &DockerRunner{client: cli, image: image, memoryBytes: memoryMB * 1024 * 1024, networkMode: networkMode}, nil
}

func (d *DockerRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bin, args := commandFor(spec)
	shellCmd := bin
	for _, a := range args {
		shellCmd += " " + a
	}

	resp, err := d.client.ContainerCreate(runCtx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", shellCmd},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryBytes},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{spec.WorkspaceDir + ":/workspace"},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("runner: create container: %w", err)
	}
	containerID := resp.ID

	if err := d.client.ContainerStart(runCtx, containerID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("runner: start container: %w", err)
	}

	var result Result
	statusCh, errCh := d.client.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return Result{}, fmt.Errorf("runner: wait container: %w", err)
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
	case <-runCtx.Done():
		_ = d.client.ContainerKill(ctx, containerID, "SIGKILL")
		return Result{}, fmt.Errorf("runner: timed out after %s", timeout)
	}

	out, err := d.client.ContainerLogs(runCtx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return result, fmt.Errorf("runner: read logs: %w", err)
	}
	defer out.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, out); err != nil {
		return result, fmt.Errorf("runner: demux logs: %w", err)
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	return result, nil
}
