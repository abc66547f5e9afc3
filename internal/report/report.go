// Package report renders pipeline outcomes and stored runs for people and
// machines, and maps outcomes to process exit codes.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/keel/internal/graph"
	"github.com/mattjoyce/keel/internal/license"
	"github.com/mattjoyce/keel/internal/pipeline"
	"github.com/mattjoyce/keel/internal/scheduler"
	"github.com/mattjoyce/keel/internal/workflow"
)

// Process exit codes.
const (
	ExitOK               = 0
	ExitInternal         = 1
	ExitConfig           = 2
	ExitJobFailed        = 3
	ExitLicenseViolation = 4
	ExitCancelled        = 5
)

// OutputTailLines is how much of a failing job's output a report keeps.
const OutputTailLines = 20

// Report is the structured form of a pipeline outcome.
type Report struct {
	RunID       string              `json:"run_id,omitempty"`
	Workflow    string              `json:"workflow"`
	Status      string              `json:"status"`
	Event       workflow.Event      `json:"event"`
	Fingerprint string              `json:"fingerprint,omitempty"`
	DurationMS  int64               `json:"duration_ms"`
	PeakRunning int                 `json:"peak_running,omitempty"`
	Jobs        []JobReport         `json:"jobs"`
	Violations  []license.Violation `json:"violations,omitempty"`
	Note        string              `json:"note,omitempty"`
}

// JobReport summarises one job.
type JobReport struct {
	Name       string   `json:"name"`
	State      string   `json:"state"`
	Reason     string   `json:"reason,omitempty"`
	Exceeded   string   `json:"exceeded,omitempty"`
	Checkout   string   `json:"checkout,omitempty"`
	DurationMS int64    `json:"duration_ms"`
	Steps      int      `json:"steps"`
	CacheHits  int      `json:"cache_hits,omitempty"`
	FailedStep *int     `json:"failed_step,omitempty"`
	StepName   string   `json:"failed_step_name,omitempty"`
	Error      string   `json:"error,omitempty"`
	OutputTail []string `json:"output_tail,omitempty"`
	License    string   `json:"license,omitempty"`
}

// FromOutcome builds the report for out.
func FromOutcome(out *pipeline.Outcome) Report {
	r := Report{
		RunID:       out.RunID,
		Workflow:    out.Workflow,
		Status:      out.Status(),
		Event:       out.Event,
		Fingerprint: out.Fingerprint,
		Jobs:        []JobReport{},
		Violations:  out.Violations(),
	}
	if !out.Matched {
		r.Note = fmt.Sprintf("no trigger of %q matches %s on %q", out.Workflow, out.Event.Kind, out.Event.Branch)
		return r
	}
	res := out.Result
	if res == nil {
		return r
	}
	r.DurationMS = res.FinishedAt.Sub(res.StartedAt).Milliseconds()
	r.PeakRunning = res.PeakRunning
	for _, jr := range res.Jobs {
		r.Jobs = append(r.Jobs, jobReport(jr))
	}
	return r
}

func jobReport(jr *scheduler.JobRun) JobReport {
	j := JobReport{
		Name:       jr.Name,
		State:      string(jr.State),
		Reason:     string(jr.Reason),
		Exceeded:   string(jr.Exceeded),
		Checkout:   string(jr.Checkout),
		DurationMS: jr.Duration().Milliseconds(),
		Steps:      len(jr.Steps),
		Error:      jr.Error,
	}
	for _, s := range jr.Steps {
		if s.CacheHit() {
			j.CacheHits++
		}
	}
	if jr.FailedStep >= 0 {
		idx := jr.FailedStep
		j.FailedStep = &idx
		if idx < len(jr.Steps) {
			j.StepName = jr.Steps[idx].Name
		}
	}
	if jr.State == scheduler.StateFailed || jr.State == scheduler.StateCancelled {
		j.OutputTail = Tail(jr.Output, OutputTailLines)
	}
	if jr.License != nil {
		j.License = jr.License.Summary()
	}
	return j
}

// Tail returns the last n lines of out, ignoring trailing newlines.
func Tail(out []byte, n int) []string {
	text := strings.TrimRight(string(out), "\n")
	if text == "" || n <= 0 {
		return nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// JSON writes the report for out as indented JSON.
func JSON(w io.Writer, out *pipeline.Outcome) error {
	data, err := json.MarshalIndent(FromOutcome(out), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json report: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// Text writes a terminal report for out.
func Text(w io.Writer, out *pipeline.Outcome, theme Theme) error {
	r := FromOutcome(out)
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", theme.Title.Render("Pipeline "+r.Workflow))
	if r.RunID != "" {
		fmt.Fprintf(&b, "Run ID      : %s\n", r.RunID)
	}
	fmt.Fprintf(&b, "Event       : %s\n", describeEvent(r.Event))
	fmt.Fprintf(&b, "Status      : %s\n", theme.Status(r.Status))
	if r.Note != "" {
		fmt.Fprintf(&b, "Note        : %s\n", theme.Dim.Render(r.Note))
		_, err := io.WriteString(w, b.String())
		return err
	}
	fmt.Fprintf(&b, "Duration    : %s\n", formatMillis(r.DurationMS))
	if r.Fingerprint != "" {
		fmt.Fprintf(&b, "Fingerprint : %s\n", theme.Dim.Render(r.Fingerprint))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "%s\n", theme.Header.Render("Jobs"))
	width := 0
	for _, j := range r.Jobs {
		width = max(width, len(j.Name))
	}
	for _, j := range r.Jobs {
		fmt.Fprintf(&b, "  %-*s  %s", width, j.Name, theme.Status(j.State))
		if j.State != string(scheduler.StateSkipped) {
			fmt.Fprintf(&b, "  %s", formatMillis(j.DurationMS))
		}
		if j.CacheHits > 0 {
			fmt.Fprintf(&b, "  %s", theme.Dim.Render(humanize.Comma(int64(j.CacheHits))+" cached"))
		}
		if j.Reason != "" {
			fmt.Fprintf(&b, "  (%s)", j.Reason)
		}
		b.WriteString("\n")
		if j.FailedStep != nil {
			fmt.Fprintf(&b, "    failed step : %d %s\n", *j.FailedStep, j.StepName)
		}
		if j.Exceeded != "" {
			fmt.Fprintf(&b, "    exceeded    : %s\n", j.Exceeded)
		}
		if j.Error != "" {
			fmt.Fprintf(&b, "    error       : %s\n", j.Error)
		}
		if j.License != "" {
			fmt.Fprintf(&b, "    license     : %s\n", j.License)
		}
		if len(j.OutputTail) > 0 {
			fmt.Fprintf(&b, "    output      :\n")
			for _, line := range j.OutputTail {
				fmt.Fprintf(&b, "      %s\n", theme.Dim.Render(line))
			}
		}
	}

	if len(r.Violations) > 0 {
		b.WriteString("\n")
		fmt.Fprintf(&b, "%s\n", theme.Header.Render("License violations"))
		for _, v := range r.Violations {
			fmt.Fprintf(&b, "  - %s\n", theme.StatusFailed.Render(v.String()))
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func describeEvent(ev workflow.Event) string {
	s := string(ev.Kind)
	if ev.Action != "" {
		s += "/" + ev.Action
	}
	s += " " + ev.Branch
	if ev.HeadSha != "" {
		s += " @ " + shortSha(ev.HeadSha)
	}
	return s
}

func shortSha(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func formatMillis(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Second {
		return d.String()
	}
	return d.Round(100 * time.Millisecond).String()
}

// ExitCode maps the result of pipeline.Orchestrator.Handle to a process
// exit code. A license violation only decides the code when no job failed
// for another reason.
func ExitCode(out *pipeline.Outcome, err error) int {
	if err != nil {
		switch {
		case errors.Is(err, workflow.ErrConfig),
			errors.Is(err, workflow.ErrInvalidEvent),
			errors.Is(err, graph.ErrCyclicDependency):
			return ExitConfig
		}
		return ExitInternal
	}
	if out == nil {
		return ExitInternal
	}
	if !out.Matched || out.Result == nil {
		return ExitOK
	}
	switch out.Result.Status {
	case scheduler.PipelineSucceeded:
		return ExitOK
	case scheduler.PipelineCancelled:
		return ExitCancelled
	}
	violated := false
	for _, jr := range out.Result.Jobs {
		if jr.State != scheduler.StateFailed {
			continue
		}
		if jr.Reason != scheduler.ReasonLicenseViolation {
			return ExitJobFailed
		}
		violated = true
	}
	if violated {
		return ExitLicenseViolation
	}
	return ExitJobFailed
}
