package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/keel/internal/runstore"
	"github.com/mattjoyce/keel/internal/workflow"
)

const maxListLimit = 500

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.submitter != nil {
		resp.RunsInFlight = s.submitter.InFlight()
	}
	if s.catalog != nil {
		resp.WorkflowsLoaded = len(s.catalog.Definitions())
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListRuns handles GET /runs?workflow=&branch=&status=&limit=
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := runstore.Filter{
		Workflow: q.Get("workflow"),
		Branch:   q.Get("branch"),
		Status:   runstore.Status(q.Get("status")),
	}

	switch filter.Status {
	case "", runstore.StatusRunning, runstore.StatusSucceeded, runstore.StatusFailed,
		runstore.StatusCancelled, runstore.StatusErrored:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxListLimit)
	}

	runs, err := s.runs.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []runstore.Run{}
	}
	respondJSON(w, http.StatusOK, RunsResponse{Runs: runs, Count: len(runs)})
}

// handleGetRun handles GET /runs/{runID}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("failed to get run", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// handleTrigger handles POST /workflows/{workflow}/runs with an Event body.
// The run starts in the background; poll /runs or follow /events.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.submitter == nil || s.catalog == nil {
		s.writeError(w, http.StatusServiceUnavailable, "triggering is disabled")
		return
	}

	name := chi.URLParam(r, "workflow")
	var def *workflow.Definition
	for _, d := range s.catalog.Definitions() {
		if d.Name() == name {
			def = d
			break
		}
	}
	if def == nil {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	ev, err := workflow.DecodeEvent(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	started, err := s.submitter.Submit(def, ev)
	switch {
	case errors.Is(err, workflow.ErrInvalidEvent):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to submit event", "workflow", name, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "not accepting events")
		return
	}

	status := http.StatusOK
	if started {
		status = http.StatusAccepted
	}
	respondJSON(w, status, TriggerResponse{Workflow: name, Started: started, Event: ev})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
