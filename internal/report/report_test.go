package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/keel/internal/cache"
	"github.com/mattjoyce/keel/internal/graph"
	"github.com/mattjoyce/keel/internal/license"
	"github.com/mattjoyce/keel/internal/pipeline"
	"github.com/mattjoyce/keel/internal/runner"
	"github.com/mattjoyce/keel/internal/runstore"
	"github.com/mattjoyce/keel/internal/scheduler"
	"github.com/mattjoyce/keel/internal/workflow"
)

func failedOutcome() *pipeline.Outcome {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &pipeline.Outcome{
		RunID:       "run-1",
		Workflow:    "ci",
		Event:       workflow.Event{Kind: workflow.EventPush, Branch: "main", HeadSha: "0123456789abcdef"},
		Matched:     true,
		Fingerprint: "blake3:ff",
		Result: &scheduler.PipelineResult{
			Workflow:   "ci",
			Status:     scheduler.PipelineFailed,
			StartedAt:  start,
			FinishedAt: start.Add(3 * time.Second),
			Failed:     []string{"build"},
			Skipped:    []string{"test"},
			Jobs: []*scheduler.JobRun{
				{
					Name: "doc", State: scheduler.StateSucceeded, FailedStep: -1,
					StartedAt: start, FinishedAt: start.Add(time.Second),
					Steps: []runner.StepResult{{Name: "gen", Status: runner.StepCacheHit}},
				},
				{
					Name: "build", State: scheduler.StateFailed, Reason: scheduler.ReasonJobFailed, FailedStep: 1,
					StartedAt: start, FinishedAt: start.Add(2 * time.Second),
					Steps: []runner.StepResult{
						{Index: 0, Name: "deps", Status: runner.StepSucceeded},
						{Index: 1, Name: "compile", Status: runner.StepFailed, ExitCode: 2},
					},
					Output: []byte("compiling\nmain.go:3: undefined: x\n"),
					Error:  "step 1 (compile) exited with code 2",
				},
				{Name: "test", State: scheduler.StateSkipped, Reason: scheduler.ReasonDependency, FailedStep: -1},
			},
		},
	}
}

func TestFromOutcome(t *testing.T) {
	r := FromOutcome(failedOutcome())
	assert.Equal(t, "failed", r.Status)
	assert.Equal(t, int64(3000), r.DurationMS)
	require.Len(t, r.Jobs, 3)

	assert.Equal(t, 1, r.Jobs[0].CacheHits)
	assert.Nil(t, r.Jobs[0].FailedStep)
	assert.Empty(t, r.Jobs[0].OutputTail)

	build := r.Jobs[1]
	require.NotNil(t, build.FailedStep)
	assert.Equal(t, 1, *build.FailedStep)
	assert.Equal(t, "compile", build.StepName)
	assert.Equal(t, []string{"compiling", "main.go:3: undefined: x"}, build.OutputTail)

	assert.Equal(t, "dependency_not_satisfied", r.Jobs[2].Reason)
}

func TestTextReport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Text(&buf, failedOutcome(), PlainTheme()))
	out := buf.String()

	assert.Contains(t, out, "Pipeline ci")
	assert.Contains(t, out, "Status      : failed")
	assert.Contains(t, out, "push main @ 0123456789ab")
	assert.Contains(t, out, "build  failed  2s  (job_failed)")
	assert.Contains(t, out, "failed step : 1 compile")
	assert.Contains(t, out, "main.go:3: undefined: x")
	assert.Contains(t, out, "test   skipped  (dependency_not_satisfied)")
	assert.Contains(t, out, "1 cached")
}

func TestTextReportNotMatched(t *testing.T) {
	out := &pipeline.Outcome{Workflow: "ci", Event: workflow.Event{Kind: workflow.EventPush, Branch: "dev"}}
	var buf bytes.Buffer
	require.NoError(t, Text(&buf, out, PlainTheme()))
	assert.Contains(t, buf.String(), "not_matched")
	assert.Contains(t, buf.String(), `no trigger of "ci" matches push on "dev"`)
	assert.NotContains(t, buf.String(), "Jobs")
}

func TestJSONReport(t *testing.T) {
	out := failedOutcome()
	out.Result.Jobs = append(out.Result.Jobs, &scheduler.JobRun{
		Name: "licenses", State: scheduler.StateFailed, Reason: scheduler.ReasonLicenseViolation, FailedStep: -1,
		License: &license.ComplianceResult{
			Checked:    2,
			Violations: []license.Violation{{Package: "readline", Version: "8.2.0", Licenses: []string{"GPL-3.0-only"}, Reason: "not allowed"}},
		},
	})

	var buf bytes.Buffer
	require.NoError(t, JSON(&buf, out))

	var decoded Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "run-1", decoded.RunID)
	require.Len(t, decoded.Jobs, 4)
	require.Len(t, decoded.Violations, 1)
	assert.Equal(t, "readline", decoded.Violations[0].Package)
	assert.NotEmpty(t, decoded.Jobs[3].License)
}

func TestTail(t *testing.T) {
	assert.Nil(t, Tail(nil, 5))
	assert.Nil(t, Tail([]byte("\n\n"), 5))
	var b strings.Builder
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	tail := Tail([]byte(b.String()), 3)
	assert.Equal(t, []string{"line 27", "line 28", "line 29"}, tail)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitInternal, ExitCode(nil, errors.New("boom")))
	assert.Equal(t, ExitInternal, ExitCode(nil, nil))
	assert.Equal(t, ExitConfig, ExitCode(nil, fmt.Errorf("load: %w", &workflow.ConfigError{Reason: "bad"})))
	assert.Equal(t, ExitConfig, ExitCode(nil, fmt.Errorf("%w: no branch", workflow.ErrInvalidEvent)))
	assert.Equal(t, ExitConfig, ExitCode(nil, &graph.CyclicDependencyError{Workflow: "ci", Jobs: []string{"a", "b"}}))

	assert.Equal(t, ExitOK, ExitCode(&pipeline.Outcome{Workflow: "ci"}, nil))

	out := failedOutcome()
	assert.Equal(t, ExitJobFailed, ExitCode(out, nil))

	out.Result.Jobs[1].Reason = scheduler.ReasonLicenseViolation
	assert.Equal(t, ExitLicenseViolation, ExitCode(out, nil))

	out.Result.Jobs[1].Reason = scheduler.ReasonResourceExceeded
	assert.Equal(t, ExitJobFailed, ExitCode(out, nil))

	out.Result.Status = scheduler.PipelineCancelled
	assert.Equal(t, ExitCancelled, ExitCode(out, nil))

	out.Result.Status = scheduler.PipelineSucceeded
	assert.Equal(t, ExitOK, ExitCode(out, nil))
}

func TestRunsTableAndDetail(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	done := now.Add(-2*time.Hour + 5*time.Second)
	started := now.Add(-2 * time.Hour)
	step, code := 1, 2
	runs := []runstore.Run{
		{ID: "r2", Workflow: "ci", EventKind: "push", Branch: "main", Status: runstore.StatusRunning, CreatedAt: now.Add(-time.Minute)},
		{
			ID: "r1", Workflow: "ci", EventKind: "pull_request", EventAction: "opened", Branch: "main", HeadSha: "abc",
			Status: runstore.StatusFailed, Reason: "failed: build", CreatedAt: started, CompletedAt: &done,
			Jobs: []runstore.Job{{Name: "build", Seq: 0, Status: "failed", Reason: "job_failed", FailedStep: &step, ExitCode: &code,
				StartedAt: &started, CompletedAt: &done, Output: "boom\n"}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, RunsTable(&buf, runs, PlainTheme(), now))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "r2")
	assert.Contains(t, lines[1], "1 minute ago")
	assert.Contains(t, lines[2], "2 hours ago")

	buf.Reset()
	require.NoError(t, RunsTable(&buf, nil, PlainTheme(), now))
	assert.Contains(t, buf.String(), "no runs recorded")

	buf.Reset()
	require.NoError(t, RunDetail(&buf, &runs[1], PlainTheme()))
	out := buf.String()
	assert.Contains(t, out, "Event       : pull_request/opened main @ abc")
	assert.Contains(t, out, "Reason      : failed: build")
	assert.Contains(t, out, "Duration    : 5s")
	assert.Contains(t, out, "failed step : 1 (exit 2)")
	assert.Contains(t, out, "output      : 5 B")
}

func TestCacheStats(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	require.NoError(t, CacheStats(&buf, "fs", cache.Stats{
		Entries: 1234, Bytes: 5 * 1000 * 1000, Oldest: now.Add(-72 * time.Hour), Newest: now.Add(-time.Hour),
	}, now))
	out := buf.String()
	assert.Contains(t, out, "Entries     : 1,234")
	assert.Contains(t, out, "Size        : 5.0 MB")
	assert.Contains(t, out, "Oldest      : 3 days ago")
	assert.Contains(t, out, "Newest      : 1 hour ago")
}
