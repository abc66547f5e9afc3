package scheduler

import (
	"context"
	"log/slog"

	"github.com/mattjoyce/keel/internal/license"
	"github.com/mattjoyce/keel/internal/runner"
	"github.com/mattjoyce/keel/internal/sandbox"
	"github.com/mattjoyce/keel/internal/workflow"
)

//go:generate mockgen -destination=mocks/mock_job_executor.go -package=mocks github.com/mattjoyce/keel/internal/scheduler JobExecutor

// JobExecutor runs one admitted job to completion. It must return promptly
// once ctx is done; a job that outlives its grace period is abandoned.
type JobExecutor interface {
	ExecuteJob(ctx context.Context, jc JobContext) JobOutcome
}

// JobExecutorFunc adapts a function to JobExecutor.
type JobExecutorFunc func(ctx context.Context, jc JobContext) JobOutcome

func (f JobExecutorFunc) ExecuteJob(ctx context.Context, jc JobContext) JobOutcome {
	return f(ctx, jc)
}

// JobContext is what the scheduler hands an executor for one job.
type JobContext struct {
	RunID    string
	Workflow string
	Job      workflow.JobSpec
	Checkout workflow.CheckoutSource
	// Limits are the effective limits after per-run overrides and defaults.
	Limits workflow.ResourceLimits
	Logger *slog.Logger
	// Emit appends to the job's event log. Safe for concurrent use.
	Emit func(LogEvent)
}

// JobOutcome is an executor's verdict on a job.
type JobOutcome struct {
	State    JobState
	Reason   FailureReason
	Exceeded sandbox.ResourceKind
	// FailedStep indexes Steps, or is -1.
	FailedStep int
	Steps      []runner.StepResult
	Output     []byte
	License    *license.ComplianceResult
	Err        error
}

// Succeeded is a convenience constructor for a passing outcome.
func Succeeded() JobOutcome {
	return JobOutcome{State: StateSucceeded, FailedStep: -1}
}

// Failed is a convenience constructor for a failing outcome.
func Failed(reason FailureReason, err error) JobOutcome {
	return JobOutcome{State: StateFailed, Reason: reason, FailedStep: -1, Err: err}
}
