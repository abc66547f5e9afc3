package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/keel/internal/log"
)

// ProcessExecutor runs commands as local child processes in their own
// process group.
type ProcessExecutor struct {
	// DefaultShell is used when a command names none. Defaults to sh.
	DefaultShell string
	// GracePeriod between SIGTERM and SIGKILL. Defaults to five seconds.
	GracePeriod time.Duration

	logger *slog.Logger
}

// NewProcessExecutor returns a ProcessExecutor with default settings.
func NewProcessExecutor() *ProcessExecutor {
	return &ProcessExecutor{
		DefaultShell: "sh",
		GracePeriod:  terminationGracePeriod,
		logger:       log.WithComponent("sandbox"),
	}
}

func (e *ProcessExecutor) getLogger() *slog.Logger {
	if e.logger == nil {
		e.logger = log.WithComponent("sandbox")
	}
	return e.logger
}

// Execute runs cmd and waits for it. Timeouts, output overflow and context
// cancellation terminate the whole process group: SIGTERM first, then
// SIGKILL once the grace period lapses.
func (e *ProcessExecutor) Execute(ctx context.Context, c Command) (Result, error) {
	shell := c.Shell
	if shell == "" {
		shell = e.DefaultShell
	}
	if shell == "" {
		shell = "sh"
	}
	grace := e.GracePeriod
	if grace <= 0 {
		grace = terminationGracePeriod
	}
	logger := e.getLogger()

	// With a locked memory limit the shell blocks on fd 3 until the limit
	// is in place, so the script never runs without it.
	script := c.Script
	var gateR, gateW *os.File
	if c.Limits.MaxLockedMemory > 0 {
		if !posixShell(shell) {
			return Result{}, fmt.Errorf("locked memory limit needs a POSIX shell, got %q", shell)
		}
		var err error
		if gateR, gateW, err = os.Pipe(); err != nil {
			return Result{}, fmt.Errorf("create start gate: %w", err)
		}
		defer gateR.Close()
		defer gateW.Close()
		script = startGate + script
	}

	// Don't use CommandContext - termination is managed here so the whole
	// group gets SIGTERM before SIGKILL.
	cmd := exec.Command(shell, shellArgs(shell, script)...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	if c.Limits.MaxParallelism > 0 {
		cmd.Env = append(cmd.Env, "KEEL_MAX_PARALLELISM="+strconv.Itoa(c.Limits.MaxParallelism))
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = grace
	if gateR != nil {
		cmd.ExtraFiles = []*os.File{gateR}
	}

	limit, enforce := outputLimit(c.Limits)
	out := newCapture(limit, enforce)
	stdout, stderr := out.stream(), out.stream()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	var timeoutC <-chan time.Time
	if c.Limits.Timeout > 0 {
		timer := time.NewTimer(c.Limits.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	logger.Debug("spawning command", "shell", shell, "dir", c.Dir, "timeout", c.Limits.Timeout)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start process: %w", err)
	}

	if gateW != nil {
		err := setLockedMemoryLimit(cmd.Process.Pid, uint64(c.Limits.MaxLockedMemory))
		if err == nil {
			_, err = gateW.Write([]byte("\n"))
		}
		_ = gateW.Close()
		if err != nil {
			logger.Error("could not apply locked memory limit", "pid", cmd.Process.Pid, "error", err)
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			_ = cmd.Wait()
			return Result{}, fmt.Errorf("apply locked memory limit: %w", err)
		}
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	res := Result{}
	var err error
	select {
	case err = <-waitErr:
	case <-timeoutC:
		logger.Warn("command timed out, sending SIGTERM", "timeout", c.Limits.Timeout)
		res.Exceeded = ResourceTimeout
		err = e.terminate(cmd, waitErr, grace, logger)
	case <-out.overflow:
		logger.Warn("command exceeded output limit, sending SIGTERM", "limit", limit)
		res.Exceeded = ResourceOutput
		err = e.terminate(cmd, waitErr, grace, logger)
	case <-ctx.Done():
		logger.Info("command cancelled, sending SIGTERM")
		res.Cancelled = true
		err = e.terminate(cmd, waitErr, grace, logger)
	}

	res.Duration = time.Since(start)
	res.Stdout = stdout.buf
	res.Stderr = stderr.buf
	res.Truncated = out.isTruncated()
	if enforce && res.Truncated && res.Exceeded == ResourceNone && !res.Cancelled {
		res.Exceeded = ResourceOutput
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
	case errors.Is(err, exec.ErrWaitDelay):
		// Exited, but a background child kept the output pipes open.
		res.ExitCode = cmd.ProcessState.ExitCode()
	default:
		return res, fmt.Errorf("wait for process: %w", err)
	}
	if res.Exceeded == ResourceNone && !res.Cancelled && res.ExitCode != 0 && c.Limits.MaxLockedMemory > 0 && lockedMemoryFailure(res.Stderr) {
		res.Exceeded = ResourceLockedMemory
	}
	return res, nil
}

// terminate signals the process group and waits for the command to exit.
func (e *ProcessExecutor) terminate(cmd *exec.Cmd, waitErr <-chan error, grace time.Duration, logger *slog.Logger) error {
	pgid := -cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-waitErr:
		logger.Info("command exited after SIGTERM")
		return err
	case <-timer.C:
		logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		return <-waitErr
	}
}

// lockedMemoryFailure recognizes the usual mlock(2) failure messages.
func lockedMemoryFailure(stderr []byte) bool {
	s := strings.ToLower(string(stderr))
	return strings.Contains(s, "mlock") || strings.Contains(s, "memlock") || strings.Contains(s, "locked memory")
}

// startGate waits for the go-ahead on fd 3, then closes it.
const startGate = "read -r _ <&3 || exit 125\nexec 3<&-\n"

func posixShell(shell string) bool {
	switch filepath.Base(shell) {
	case "sh", "bash", "dash", "ash", "ksh", "zsh":
		return true
	}
	return false
}

// shellArgs builds the argument list that runs script with -e semantics.
func shellArgs(shell, script string) []string {
	switch filepath.Base(shell) {
	case "bash":
		return []string{"--noprofile", "--norc", "-eo", "pipefail", "-c", script}
	default:
		return []string{"-e", "-c", script}
	}
}
