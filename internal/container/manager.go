// Package container is a thin wrapper over the Docker exec/attach API: it
// starts one container per agent run, execs the agent entrypoint inside it
// with stdin/stdout attached, and exposes the raw byte stream. Everything
// about what the agent does once started is out of scope here; this
// package only owns the stream contract (spec.md §4.3).
package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

const (
	agentWorkingDir = "/workspace"
	stopTimeoutSecs = 10
)

// Manager creates and tears down one-shot agent containers.
type Manager struct {
	cli     *client.Client
	image   string
	runtime string // "" = default runtime, "runsc" = gVisor
}

// NewManager connects to the local Docker daemon using the environment
// (DOCKER_HOST etc.), negotiating the API version.
func NewManager(image, runtime string) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("container: create docker client: %w", err)
	}
	return &Manager{cli: cli, image: image, runtime: runtime}, nil
}

// StartOptions parameterizes one agent run.
type StartOptions struct {
	ContainerName string
	GroupFolder   string // not read by Start; HostWorkspace is what gets mounted
	HostWorkspace string // host path to the group's folder, bind-mounted at agentWorkingDir
	Env           map[string]string
	Cmd           []string // entrypoint + args inside the container
}

// Process is a live agent container with its exec session's stdio attached.
type Process struct {
	cli           *client.Client
	containerID   string
	execID        string
	conn          io.ReadWriteCloser
	containerName string
}

// ContainerName returns the name this process was started under, surfaced
// to the Group Queue via registerProcess.
func (p *Process) ContainerName() string {
	return p.containerName
}

// Reader exposes the combined stdout/stderr stream for line-framed parsing.
func (p *Process) Reader() io.Reader {
	return p.conn
}

// WriteLine writes text followed by a newline to the process's stdin.
func (p *Process) WriteLine(text string) error {
	_, err := io.WriteString(p.conn, text+"\n")
	return err
}

// CloseStdin closes the write half of the exec session.
func (p *Process) CloseStdin() error {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := p.conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return p.conn.Close()
}

// Kill force-stops and removes the underlying container.
func (p *Process) Kill() error {
	ctx := context.Background()
	timeout := stopTimeoutSecs
	if err := p.cli.ContainerStop(ctx, p.containerID, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("container: stop on kill failed, forcing removal", "container", p.containerName, "error", err)
	}
	if err := p.cli.ContainerRemove(ctx, p.containerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("container: remove %s: %w", p.containerName, err)
	}
	return nil
}

// Wait blocks until the exec session's command exits and returns its exit
// code, then stops and removes the container.
func (p *Process) Wait(ctx context.Context) (int, error) {
	defer p.conn.Close()
	inspect, err := p.cli.ContainerExecInspect(ctx, p.execID)
	for err == nil && inspect.Running {
		time.Sleep(100 * time.Millisecond)
		inspect, err = p.cli.ContainerExecInspect(ctx, p.execID)
	}
	if err != nil {
		return 0, fmt.Errorf("container: inspect exec %s: %w", p.containerName, err)
	}
	exitCode := inspect.ExitCode

	timeout := stopTimeoutSecs
	_ = p.cli.ContainerStop(ctx, p.containerID, container.StopOptions{Timeout: &timeout})
	if err := p.cli.ContainerRemove(ctx, p.containerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("container: remove after wait failed", "container", p.containerName, "error", err)
	}
	return exitCode, nil
}

// Start creates a fresh container bind-mounting opts.HostWorkspace at
// agentWorkingDir, then execs opts.Cmd inside it with stdio attached.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*Process, error) {
	envVars := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	cfg := &container.Config{
		Image:      m.image,
		WorkingDir: agentWorkingDir,
		Env:        envVars,
		Tty:        true,
		// The container's own entrypoint idles; the real command runs via
		// exec below so we can attach a fresh stdio stream per invocation.
		Cmd: []string{"sleep", "infinity"},
	}
	hostCfg := &container.HostConfig{
		Runtime: m.runtime,
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: opts.HostWorkspace,
			Target: agentWorkingDir,
		}},
	}

	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, opts.ContainerName)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already in use") {
			if inspect, inspectErr := m.cli.ContainerInspect(ctx, opts.ContainerName); inspectErr == nil {
				_ = m.cli.ContainerRemove(ctx, inspect.ID, container.RemoveOptions{Force: true})
				resp, err = m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, opts.ContainerName)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("container: create %s: %w", opts.ContainerName, err)
		}
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container: start %s: %w", opts.ContainerName, err)
	}

	execConfig := container.ExecOptions{
		Cmd:          opts.Cmd,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	execResp, err := m.cli.ContainerExecCreate(ctx, resp.ID, execConfig)
	if err != nil {
		_ = m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container: exec create %s: %w", opts.ContainerName, err)
	}

	attachResp, err := m.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		_ = m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container: exec attach %s: %w", opts.ContainerName, err)
	}

	return &Process{
		cli:           m.cli,
		containerID:   resp.ID,
		execID:        execResp.ID,
		conn:          attachResp.Conn,
		containerName: opts.ContainerName,
	}, nil
}
