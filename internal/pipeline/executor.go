package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/mattjoyce/keel/internal/license"
	"github.com/mattjoyce/keel/internal/runner"
	"github.com/mattjoyce/keel/internal/scheduler"
	"github.com/mattjoyce/keel/internal/workflow"
)

// jobExecutor is the default scheduler.JobExecutor: steps jobs go to the
// step runner, license jobs to the compliance gate.
type jobExecutor struct {
	cfg Config
	// checkouts maps a source to its workspace name within the run.
	checkouts map[workflow.CheckoutSource]string
}

var _ scheduler.JobExecutor = (*jobExecutor)(nil)

func (e *jobExecutor) ExecuteJob(ctx context.Context, jc scheduler.JobContext) scheduler.JobOutcome {
	switch jc.Job.KindOrDefault() {
	case workflow.JobKindLicense:
		return e.runLicense(ctx, jc)
	default:
		return e.runSteps(ctx, jc)
	}
}

// workdir gives a steps job its own tree. Jobs with a checkout get a clone
// of it so they cannot disturb each other.
func (e *jobExecutor) workdir(ctx context.Context, jc scheduler.JobContext) (string, error) {
	name := "job-" + jc.Job.Name
	if jc.Checkout == workflow.CheckoutNone {
		ws, err := e.cfg.Workspaces.Create(ctx, jc.RunID, name)
		if err != nil {
			return "", err
		}
		return ws.Dir, nil
	}
	src, ok := e.checkouts[jc.Checkout]
	if !ok {
		return "", fmt.Errorf("no %s checkout prepared", jc.Checkout)
	}
	ws, err := e.cfg.Workspaces.Clone(ctx, jc.RunID, src, name)
	if err != nil {
		return "", err
	}
	return ws.Dir, nil
}

func (e *jobExecutor) runSteps(ctx context.Context, jc scheduler.JobContext) scheduler.JobOutcome {
	dir, err := e.workdir(ctx, jc)
	if err != nil {
		return scheduler.Failed(scheduler.ReasonJobFailed, fmt.Errorf("prepare workspace: %w", err))
	}

	ex, ok := e.cfg.Executors.For(jc.Job.Environment)
	if !ok {
		return scheduler.Failed(scheduler.ReasonJobFailed, fmt.Errorf("no executor for runner %q", jc.Job.Environment.RunnerOrDefault()))
	}

	baseEnv := e.cfg.BaseEnv
	if baseEnv == nil {
		baseEnv = runner.DefaultBaseEnv()
	}

	res := runner.RunSteps(ctx, jc.Job.Steps, runner.Env{
		Workflow:    jc.Workflow,
		Job:         jc.Job.Name,
		Dir:         dir,
		Environment: jc.Job.Environment,
		Limits:      jc.Limits,
		Executor:    ex,
		Cache:       e.cfg.Cache,
		Actions:     e.cfg.Actions,
		BaseEnv:     baseEnv,
		Logger:      jc.Logger,
		OnStep: func(sr runner.StepResult) {
			jc.Emit(scheduler.LogEvent{
				Type:    scheduler.LogStep,
				Step:    sr.Index,
				Name:    sr.Name,
				Status:  string(sr.Status),
				Message: stepMessage(sr),
			})
		},
	})

	out := scheduler.JobOutcome{
		FailedStep: res.FailedIndex,
		Steps:      res.Steps,
		Output:     res.Output,
		Exceeded:   res.Exceeded,
		Err:        res.Err,
	}
	switch res.Status {
	case runner.StatusSucceeded:
		out.State = scheduler.StateSucceeded
	case runner.StatusCancelled:
		out.State = scheduler.StateCancelled
		out.Reason = scheduler.ReasonCancelled
	default:
		out.State = scheduler.StateFailed
		out.Reason = scheduler.ReasonJobFailed
		if res.Exceeded != "" {
			out.Reason = scheduler.ReasonResourceExceeded
		}
		if out.Err == nil && res.FailedIndex >= 0 && res.FailedIndex < len(res.Steps) {
			failed := res.Steps[res.FailedIndex]
			out.Err = fmt.Errorf("step %d (%s) exited with code %d", failed.Index, failed.Name, failed.ExitCode)
		}
	}
	return out
}

func stepMessage(sr runner.StepResult) string {
	var parts []string
	switch {
	case sr.CacheHit():
		parts = append(parts, "cache hit "+sr.CacheKey)
	case sr.RestoredFrom != "":
		parts = append(parts, "restored from "+sr.RestoredFrom)
	}
	if sr.Status == runner.StepFailed {
		parts = append(parts, fmt.Sprintf("exit %d", sr.ExitCode))
	}
	if sr.Exceeded != "" {
		parts = append(parts, "exceeded "+string(sr.Exceeded))
	}
	parts = append(parts, sr.Warnings...)
	return strings.Join(parts, "; ")
}

func (e *jobExecutor) runLicense(ctx context.Context, jc scheduler.JobContext) scheduler.JobOutcome {
	src, ok := e.checkouts[jc.Checkout]
	if !ok {
		return scheduler.Failed(scheduler.ReasonJobFailed, fmt.Errorf("license job needs a checkout, got %q", jc.Checkout))
	}
	ws, err := e.cfg.Workspaces.Open(ctx, jc.RunID, src)
	if err != nil {
		return scheduler.Failed(scheduler.ReasonJobFailed, err)
	}

	ex, _ := e.cfg.Executors.For(jc.Job.Environment)
	job := jc.Job
	job.Limits = jc.Limits
	gate := &license.Gate{Cache: e.cfg.Cache, Executor: ex, Logger: jc.Logger}

	res, err := gate.Run(ctx, jc.Workflow, job, ws.Dir)
	if err != nil {
		if ctx.Err() != nil {
			return scheduler.JobOutcome{State: scheduler.StateCancelled, Reason: scheduler.ReasonCancelled, FailedStep: -1, Err: err}
		}
		return scheduler.Failed(scheduler.ReasonJobFailed, fmt.Errorf("resolve dependencies: %w", err))
	}

	status := "pass"
	if !res.Compliance.Pass {
		status = "fail"
	}
	msg := res.Compliance.Summary()
	if res.Cached {
		msg += " (cached)"
	}
	jc.Emit(scheduler.LogEvent{Type: scheduler.LogStep, Name: "license check", Status: status, Message: msg})

	compliance := res.Compliance
	if compliance.Pass {
		out := scheduler.Succeeded()
		out.License = &compliance
		return out
	}
	out := scheduler.Failed(scheduler.ReasonLicenseViolation, fmt.Errorf("%d license violations", len(compliance.Violations)))
	out.License = &compliance
	out.Output = []byte(compliance.Summary() + "\n")
	return out
}
