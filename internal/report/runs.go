package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/keel/internal/cache"
	"github.com/mattjoyce/keel/internal/runstore"
)

// RunsTable writes one line per stored run, newest first as given.
func RunsTable(w io.Writer, runs []runstore.Run, theme Theme, now time.Time) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, theme.Dim.Render("no runs recorded"))
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", theme.Header.Render(fmt.Sprintf("%-36s  %-12s  %-12s  %-16s  %-10s  %s", "RUN", "WORKFLOW", "EVENT", "BRANCH", "STATUS", "STARTED")))
	for _, r := range runs {
		// Pad outside the styled text so escape codes do not skew the columns.
		status := theme.Status(string(r.Status)) + strings.Repeat(" ", max(0, 10-len(r.Status)))
		fmt.Fprintf(&b, "%-36s  %-12s  %-12s  %-16s  %s  %s\n",
			r.ID, r.Workflow, r.EventKind, r.Branch, status, humanize.RelTime(r.CreatedAt, now, "ago", "from now"))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// RunDetail writes one stored run with its jobs.
func RunDetail(w io.Writer, run *runstore.Run, theme Theme) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", theme.Title.Render("Run "+run.ID))
	fmt.Fprintf(&b, "Workflow    : %s\n", run.Workflow)
	event := run.EventKind
	if run.EventAction != "" {
		event += "/" + run.EventAction
	}
	fmt.Fprintf(&b, "Event       : %s %s", event, run.Branch)
	if run.HeadSha != "" {
		fmt.Fprintf(&b, " @ %s", shortSha(run.HeadSha))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Status      : %s\n", theme.Status(string(run.Status)))
	if run.Reason != "" {
		fmt.Fprintf(&b, "Reason      : %s\n", run.Reason)
	}
	fmt.Fprintf(&b, "Started     : %s\n", run.CreatedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Fprintf(&b, "Duration    : %s\n", run.CompletedAt.Sub(run.CreatedAt).Round(time.Millisecond))
	}
	if run.Fingerprint != "" {
		fmt.Fprintf(&b, "Fingerprint : %s\n", theme.Dim.Render(run.Fingerprint))
	}
	if run.ConfigChecksum != "" {
		fmt.Fprintf(&b, "Config      : %s\n", theme.Dim.Render(run.ConfigChecksum))
	}

	if len(run.Jobs) > 0 {
		b.WriteString("\n")
		fmt.Fprintf(&b, "%s\n", theme.Header.Render("Jobs"))
	}
	for _, j := range run.Jobs {
		fmt.Fprintf(&b, "  [%d] %s %s", j.Seq, j.Name, theme.Status(j.Status))
		if j.StartedAt != nil && j.CompletedAt != nil {
			fmt.Fprintf(&b, "  %s", j.CompletedAt.Sub(*j.StartedAt).Round(time.Millisecond))
		}
		if j.Reason != "" {
			fmt.Fprintf(&b, "  (%s)", j.Reason)
		}
		b.WriteString("\n")
		if j.FailedStep != nil {
			fmt.Fprintf(&b, "      failed step : %d", *j.FailedStep)
			if j.ExitCode != nil {
				fmt.Fprintf(&b, " (exit %d)", *j.ExitCode)
			}
			b.WriteString("\n")
		}
		if j.Output != "" {
			fmt.Fprintf(&b, "      output      : %s\n", humanize.Bytes(uint64(len(j.Output))))
			for _, line := range Tail([]byte(j.Output), OutputTailLines) {
				fmt.Fprintf(&b, "        %s\n", theme.Dim.Render(line))
			}
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// CacheStats writes a cache usage summary.
func CacheStats(w io.Writer, backend string, st cache.Stats, now time.Time) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Backend     : %s\n", backend)
	fmt.Fprintf(&b, "Entries     : %s\n", humanize.Comma(int64(st.Entries)))
	fmt.Fprintf(&b, "Size        : %s\n", humanize.Bytes(uint64(max(st.Bytes, 0))))
	if !st.Oldest.IsZero() {
		fmt.Fprintf(&b, "Oldest      : %s\n", humanize.RelTime(st.Oldest, now, "ago", "from now"))
	}
	if !st.Newest.IsZero() {
		fmt.Fprintf(&b, "Newest      : %s\n", humanize.RelTime(st.Newest, now, "ago", "from now"))
	}
	_, err := io.WriteString(w, b.String())
	return err
}
