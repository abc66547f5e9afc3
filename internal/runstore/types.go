package runstore

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	// StatusErrored marks runs that never reached the scheduler, e.g. a
	// workflow with a dependency cycle.
	StatusErrored Status = "errored"
)

// Run is one persisted pipeline run.
type Run struct {
	ID             string          `json:"id"`
	Workflow       string          `json:"workflow"`
	EventKind      string          `json:"event_kind"`
	EventAction    string          `json:"event_action,omitempty"`
	Branch         string          `json:"branch"`
	HeadSha        string          `json:"head_sha,omitempty"`
	Status         Status          `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	Fingerprint    string          `json:"fingerprint,omitempty"`
	ConfigChecksum string          `json:"config_checksum,omitempty"`
	Event          json.RawMessage `json:"event,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Jobs           []Job           `json:"jobs,omitempty"`
}

// Job is the persisted record of one job of a run.
type Job struct {
	RunID       string          `json:"-"`
	Name        string          `json:"name"`
	Seq         int             `json:"seq"`
	Status      string          `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	ExitCode    *int            `json:"exit_code,omitempty"`
	FailedStep  *int            `json:"failed_step,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Output      string          `json:"output,omitempty"`
	Events      json.RawMessage `json:"events,omitempty"`
}

// BeginRequest describes a run about to start.
type BeginRequest struct {
	// ID is generated when empty.
	ID             string
	Workflow       string
	EventKind      string
	EventAction    string
	Branch         string
	HeadSha        string
	Fingerprint    string
	ConfigChecksum string
	Event          json.RawMessage
}

// Filter narrows List.
type Filter struct {
	Workflow string
	Branch   string
	Status   Status
	// Limit defaults to 50.
	Limit int
}

var ErrRunNotFound = errors.New("run not found")
