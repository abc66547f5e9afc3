package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/mattjoyce/keel/internal/log"
)

const containerWorkspace = "/workspace"

// DockerExecutor runs each command in a fresh container with the command's
// directory bind-mounted as the working directory.
type DockerExecutor struct {
	docker client.APIClient
	logger *slog.Logger

	pulledMu sync.Mutex
	pulled   map[string]bool
}

// NewDockerExecutor connects using the standard DOCKER_* environment.
func NewDockerExecutor() (*DockerExecutor, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerExecutor{
		docker: dcli,
		logger: log.WithComponent("sandbox.docker"),
		pulled: make(map[string]bool),
	}, nil
}

// Close closes the docker client.
func (e *DockerExecutor) Close() error { return e.docker.Close() }

func (e *DockerExecutor) ensureImage(ctx context.Context, ref string) error {
	e.pulledMu.Lock()
	defer e.pulledMu.Unlock()
	if e.pulled[ref] {
		return nil
	}
	reader, err := e.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image: %w", err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pulling image: %w", err)
	}
	e.pulled[ref] = true
	return nil
}

// Execute runs cmd in a container. Memory and locked-memory limits map onto
// the container's cgroup and ulimits; an OOM kill reports ResourceMemory.
func (e *DockerExecutor) Execute(ctx context.Context, c Command) (Result, error) {
	if c.Image == "" {
		return Result{}, fmt.Errorf("docker executor requires an image")
	}
	if err := e.ensureImage(ctx, c.Image); err != nil {
		return Result{}, err
	}
	shell := c.Shell
	if shell == "" {
		shell = "sh"
	}
	dir, err := filepath.Abs(c.Dir)
	if err != nil {
		return Result{}, fmt.Errorf("resolve workspace: %w", err)
	}

	env := append([]string(nil), c.Env...)
	if c.Limits.MaxParallelism > 0 {
		env = append(env, "KEEL_MAX_PARALLELISM="+strconv.Itoa(c.Limits.MaxParallelism))
	}

	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image:      c.Image,
		Cmd:        append([]string{shell}, shellArgs(shell, c.Script)...),
		WorkingDir: containerWorkspace,
		Tty:        false,
		Env:        env,
	}, hostConfig(dir, c), nil, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("creating container: %w", err)
	}
	defer e.destroy(resp.ID)

	start := time.Now()
	if err := e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("starting container: %w", err)
	}
	e.logger.Debug("started container", "container", resp.ID, "image", c.Image)

	waitCtx := ctx
	if c.Limits.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.Limits.Timeout)
		defer cancel()
	}

	res := Result{}
	state, waitErr := e.wait(waitCtx, resp.ID)
	switch {
	case waitErr == nil:
	case ctx.Err() != nil:
		res.Cancelled = true
	case waitCtx.Err() != nil:
		res.Exceeded = ResourceTimeout
	default:
		return Result{}, waitErr
	}
	if waitErr != nil {
		e.logger.Warn("stopping container", "container", resp.ID, "reason", waitErr)
		timeout := int(terminationGracePeriod / time.Second)
		if err := e.docker.ContainerStop(context.Background(), resp.ID, container.StopOptions{Timeout: &timeout}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
			e.logger.Error("failed to stop container", "container", resp.ID, "error", err)
		}
		state, _ = e.inspect(context.Background(), resp.ID)
	}
	res.Duration = time.Since(start)

	limit, enforce := outputLimit(c.Limits)
	out := newCapture(limit, enforce)
	stdout, stderr := out.stream(), out.stream()
	if err := e.collectLogs(context.Background(), resp.ID, stdout, stderr); err != nil {
		e.logger.Warn("failed to collect container logs", "container", resp.ID, "error", err)
	}
	res.Stdout, res.Stderr = stdout.buf, stderr.buf
	res.Truncated = out.isTruncated()
	if enforce && res.Truncated && res.Exceeded == ResourceNone {
		res.Exceeded = ResourceOutput
	}

	if state != nil {
		res.ExitCode = state.ExitCode
		if state.OOMKilled && res.Exceeded == ResourceNone {
			res.Exceeded = ResourceMemory
		}
	} else {
		res.ExitCode = -1
	}
	if res.ExitCode == 0 && (res.Exceeded != ResourceNone || res.Cancelled) {
		res.ExitCode = -1
	}
	return res, nil
}

func (e *DockerExecutor) wait(ctx context.Context, id string) (*container.State, error) {
	wait, errCh := e.docker.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}
	return e.inspect(ctx, id)
}

func (e *DockerExecutor) inspect(ctx context.Context, id string) (*container.State, error) {
	info, err := e.docker.ContainerInspect(ctx, id)
	if err != nil {
		return nil, err
	}
	return info.State, nil
}

func (e *DockerExecutor) collectLogs(ctx context.Context, id string, stdout, stderr io.Writer) error {
	logs, err := e.docker.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()
	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil && err != io.EOF {
		return fmt.Errorf("failed to copy logs: %w", err)
	}
	return nil
}

func (e *DockerExecutor) destroy(id string) {
	ctx := context.Background()
	err := e.docker.ContainerRemove(ctx, id, container.RemoveOptions{RemoveVolumes: true, Force: true})
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		e.logger.Error("failed to remove container", "container", id, "error", err)
	}
}

func hostConfig(dir string, c Command) *container.HostConfig {
	hc := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: dir,
			Target: containerWorkspace,
		}},
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"CAP_DAC_OVERRIDE", "CAP_CHOWN", "CAP_FOWNER"},
		SecurityOpt: []string{"no-new-privileges"},
	}
	if c.Limits.MaxMemory > 0 {
		hc.Resources.Memory = int64(c.Limits.MaxMemory)
	}
	if c.Limits.MaxParallelism > 0 {
		hc.Resources.NanoCPUs = int64(c.Limits.MaxParallelism) * 1e9
	}
	if c.Limits.MaxLockedMemory > 0 {
		n := int64(c.Limits.MaxLockedMemory)
		hc.Resources.Ulimits = []*container.Ulimit{{Name: "memlock", Soft: n, Hard: n}}
	}
	return hc
}

func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	return err != nil && (strings.Contains(err.Error(), "No such container") ||
		strings.Contains(err.Error(), "is not running") ||
		strings.Contains(err.Error(), "can only kill running containers"))
}
