package scheduler

import (
	"sync"
	"time"

	"github.com/mattjoyce/keel/internal/license"
	"github.com/mattjoyce/keel/internal/runner"
	"github.com/mattjoyce/keel/internal/sandbox"
	"github.com/mattjoyce/keel/internal/workflow"
)

// JobState is the lifecycle state of one job within a run.
type JobState string

const (
	StatePending   JobState = "pending"
	StateReady     JobState = "ready"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateSkipped   JobState = "skipped"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped, StateCancelled:
		return true
	}
	return false
}

// FailureReason explains a job that did not succeed.
type FailureReason string

const (
	ReasonNone             FailureReason = ""
	ReasonJobFailed        FailureReason = "job_failed"
	ReasonResourceExceeded FailureReason = "resource_exceeded"
	ReasonLicenseViolation FailureReason = "license_violation"
	ReasonCancelled        FailureReason = "cancelled"
	ReasonDependency       FailureReason = "dependency_not_satisfied"
)

// PipelineStatus is the final state of a run.
type PipelineStatus string

const (
	PipelineSucceeded PipelineStatus = "succeeded"
	PipelineFailed    PipelineStatus = "failed"
	PipelineCancelled PipelineStatus = "cancelled"
)

// Log event types.
const (
	LogStart = "start"
	LogStep  = "step"
	LogEnd   = "end"
	LogSkip  = "skip"
)

// LogEvent is one entry in a job's ordered event log.
type LogEvent struct {
	At      time.Time `json:"at"`
	Type    string    `json:"type"`
	Step    int       `json:"step,omitempty"`
	Name    string    `json:"name,omitempty"`
	Status  string    `json:"status,omitempty"`
	Message string    `json:"message,omitempty"`
}

// JobRun records one job's execution. Fields are only written by the
// scheduler; read them after Run returns.
type JobRun struct {
	Name       string                    `json:"name"`
	Index      int                       `json:"-"`
	Checkout   workflow.CheckoutSource   `json:"checkout"`
	State      JobState                  `json:"state"`
	Reason     FailureReason             `json:"reason,omitempty"`
	Exceeded   sandbox.ResourceKind      `json:"exceeded,omitempty"`
	FailedStep int                       `json:"failed_step"`
	StartedAt  time.Time                 `json:"started_at,omitzero"`
	FinishedAt time.Time                 `json:"finished_at,omitzero"`
	Steps      []runner.StepResult       `json:"steps,omitempty"`
	Output     []byte                    `json:"-"`
	License    *license.ComplianceResult `json:"license,omitempty"`
	Error      string                    `json:"error,omitempty"`
	Events     []LogEvent                `json:"events"`

	mu     sync.Mutex
	sealed bool
}

// Duration is the wall-clock time the job spent running.
func (j *JobRun) Duration() time.Duration {
	if j.StartedAt.IsZero() || j.FinishedAt.IsZero() {
		return 0
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

// appendEvent records ev unless the job's log is sealed.
func (j *JobRun) appendEvent(ev LogEvent) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.sealed {
		return false
	}
	j.Events = append(j.Events, ev)
	return true
}

// seal appends the final event. Later appends are dropped, which covers an
// abandoned executor that keeps emitting after Run has returned.
func (j *JobRun) seal(ev LogEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.sealed {
		j.Events = append(j.Events, ev)
		j.sealed = true
	}
}

// PipelineResult is the outcome of one scheduled run.
type PipelineResult struct {
	RunID       string         `json:"run_id"`
	Workflow    string         `json:"workflow"`
	Status      PipelineStatus `json:"status"`
	Jobs        []*JobRun      `json:"jobs"`
	Failed      []string       `json:"failed,omitempty"`
	Skipped     []string       `json:"skipped,omitempty"`
	Cancelled   []string       `json:"cancelled,omitempty"`
	PeakRunning int            `json:"peak_running"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
}

// Job returns the named job run.
func (p *PipelineResult) Job(name string) (*JobRun, bool) {
	for _, j := range p.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return nil, false
}

// Succeeded reports whether the pipeline passed.
func (p *PipelineResult) Succeeded() bool { return p.Status == PipelineSucceeded }
