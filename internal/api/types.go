package api

import (
	"github.com/mattjoyce/keel/internal/runstore"
	"github.com/mattjoyce/keel/internal/workflow"
)

// RunsResponse is returned by GET /runs.
type RunsResponse struct {
	Runs  []runstore.Run `json:"runs"`
	Count int            `json:"count"`
}

// TriggerResponse is returned by POST /workflows/{name}/runs.
type TriggerResponse struct {
	Workflow string         `json:"workflow"`
	Started  bool           `json:"started"`
	Event    workflow.Event `json:"event"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	RunsInFlight    int    `json:"runs_in_flight"`
	WorkflowsLoaded int    `json:"workflows_loaded"`
}
