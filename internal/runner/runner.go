// Package runner executes the ordered steps of one job.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mattjoyce/keel/internal/action"
	"github.com/mattjoyce/keel/internal/cache"
	"github.com/mattjoyce/keel/internal/log"
	"github.com/mattjoyce/keel/internal/sandbox"
	"github.com/mattjoyce/keel/internal/workflow"
)

// Status is the outcome of a step sequence.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// StepStatus is the outcome of a single step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepCacheHit  StepStatus = "cache_hit"
	StepCancelled StepStatus = "cancelled"
)

// StepResult records one executed (or cache-satisfied) step.
type StepResult struct {
	Index        int                  `json:"index"`
	Name         string               `json:"name"`
	Status       StepStatus           `json:"status"`
	ExitCode     int                  `json:"exit_code"`
	Exceeded     sandbox.ResourceKind `json:"exceeded,omitempty"`
	Duration     time.Duration        `json:"duration"`
	Output       []byte               `json:"-"`
	Truncated    bool                 `json:"truncated,omitempty"`
	CacheKey     string               `json:"cache_key,omitempty"`
	RestoredFrom string               `json:"restored_from,omitempty"`
	Saved        bool                 `json:"saved,omitempty"`
	Warnings     []string             `json:"warnings,omitempty"`
}

// CacheHit reports whether the step was satisfied from the cache.
func (s StepResult) CacheHit() bool { return s.Status == StepCacheHit }

// Result is the outcome of RunSteps.
type Result struct {
	Status Status
	// FailedIndex is the index into Steps of the failing step, or -1.
	FailedIndex int
	Steps       []StepResult
	// Output holds the captured output of every executed step, in order.
	Output []byte
	// Exceeded is set when the failing step ran into a resource limit.
	Exceeded sandbox.ResourceKind
	// Err is set when the steps could not be prepared, e.g. an unknown action.
	Err error
}

// Env is everything a step sequence needs besides the steps themselves.
type Env struct {
	Workflow    string
	Job         string
	Dir         string
	Environment workflow.Environment
	Limits      workflow.ResourceLimits
	Executor    sandbox.Executor
	// Cache is optional; without it cache settings are ignored.
	Cache *cache.Provider
	// Actions resolves uses steps. Optional when no step uses an action.
	Actions *action.Registry
	// BaseEnv seeds every command's environment. Nil passes PATH and HOME
	// from the current process.
	BaseEnv []string
	Logger  *slog.Logger
	// OnStep is called after every step, in order.
	OnStep func(StepResult)
}

// RunSteps executes steps strictly in order and stops at the first failure.
func RunSteps(ctx context.Context, steps []workflow.StepSpec, env Env) Result {
	logger := env.Logger
	if logger == nil {
		logger = log.WithJob(log.WithComponent("runner"), env.Job)
	}

	expanded, err := env.Actions.ExpandAll(steps)
	if err != nil {
		return Result{Status: StatusFailed, FailedIndex: -1, Err: err}
	}
	if env.Executor == nil {
		return Result{Status: StatusFailed, FailedIndex: -1, Err: errors.New("no executor configured")}
	}

	res := Result{Status: StatusSucceeded, FailedIndex: -1}
	for i, step := range expanded {
		if ctx.Err() != nil {
			res.Status = StatusCancelled
			break
		}
		stepLogger := log.WithStep(logger, i, step.Name)
		sr := runStep(ctx, i, step, env, stepLogger)
		res.Steps = append(res.Steps, sr)
		res.Output = append(res.Output, sr.Output...)
		if env.OnStep != nil {
			env.OnStep(sr)
		}

		switch sr.Status {
		case StepSucceeded, StepCacheHit:
			continue
		case StepCancelled:
			res.Status = StatusCancelled
		default:
			res.Status = StatusFailed
		}
		res.FailedIndex = i
		res.Exceeded = sr.Exceeded
		stepLogger.Info("step failed, skipping remaining steps",
			"exit_code", sr.ExitCode,
			"exceeded", string(sr.Exceeded),
			"remaining", len(expanded)-i-1,
		)
		break
	}
	return res
}

func runStep(ctx context.Context, idx int, step workflow.StepSpec, env Env, logger *slog.Logger) StepResult {
	sr := StepResult{Index: idx, Name: stepName(idx, step)}
	dir := env.Dir
	if step.WorkingDirectory != "" {
		dir = filepath.Join(env.Dir, filepath.FromSlash(step.WorkingDirectory))
	}

	cs := newCacheStep(env, step.Cache, dir, logger)
	if cs.restore(ctx, &sr) {
		logger.Info("step satisfied from cache", "key", sr.CacheKey)
		return sr
	}

	limits := env.Limits
	// The job deadline arrives through ctx.
	limits.Timeout = 0

	logger.Debug("running step", "dir", dir)
	start := time.Now()
	out, err := env.Executor.Execute(ctx, sandbox.Command{
		Script: step.Run,
		Shell:  env.Environment.Shell,
		Env:    commandEnv(env, step, idx, dir),
		Dir:    dir,
		Image:  env.Environment.Image,
		Limits: limits,
	})
	if err != nil {
		sr.Status = StepFailed
		sr.ExitCode = -1
		sr.Duration = time.Since(start)
		sr.Output = []byte(err.Error() + "\n")
		logger.Error("step could not be started", "error", err)
		return sr
	}

	sr.ExitCode = out.ExitCode
	sr.Exceeded = out.Exceeded
	sr.Duration = out.Duration
	sr.Output = out.Output()
	sr.Truncated = out.Truncated

	switch {
	case out.Cancelled && errors.Is(ctx.Err(), context.DeadlineExceeded):
		sr.Status = StepFailed
		sr.Exceeded = sandbox.ResourceTimeout
	case out.Cancelled:
		sr.Status = StepCancelled
	case out.Succeeded():
		sr.Status = StepSucceeded
	default:
		sr.Status = StepFailed
	}
	logger.Debug("step finished", "status", sr.Status, "exit_code", sr.ExitCode, "duration", sr.Duration)

	if sr.Status == StepSucceeded {
		cs.save(ctx, &sr)
	}
	return sr
}

func stepName(idx int, step workflow.StepSpec) string {
	if step.Name != "" {
		return step.Name
	}
	return fmt.Sprintf("step %d", idx+1)
}

// commandEnv layers the base environment, the job's variables, the step's
// variables and keel's own variables, later layers winning.
func commandEnv(env Env, step workflow.StepSpec, idx int, dir string) []string {
	vars := make(map[string]string)
	base := env.BaseEnv
	if base == nil {
		base = DefaultBaseEnv()
	}
	for _, kv := range base {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				vars[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for k, v := range env.Environment.Vars {
		vars[k] = v
	}
	for k, v := range step.Env {
		vars[k] = v
	}
	vars["CI"] = "true"
	vars["KEEL_WORKFLOW"] = env.Workflow
	vars["KEEL_JOB"] = env.Job
	vars["KEEL_STEP"] = stepName(idx, step)
	vars["KEEL_WORKSPACE"] = env.Dir
	vars["KEEL_STEP_DIR"] = dir

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

// DefaultBaseEnv passes through the few host variables a shell needs.
func DefaultBaseEnv() []string {
	var out []string
	for _, k := range []string{"PATH", "HOME", "TMPDIR", "LANG"} {
		if v, ok := os.LookupEnv(k); ok {
			out = append(out, k+"="+v)
		}
	}
	return out
}
