package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/keel/internal/report"
	"github.com/mattjoyce/keel/internal/workflow"
)

type runOptions struct {
	event          string
	concurrency    int
	cacheDir       string
	workdir        string
	format         string
	allow          []string
	keepWorkspaces bool
	noColor        bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Run a workflow for one event and report the outcome",
		Long: `Run evaluates the event against the workflow's triggers, builds the job
graph and executes it. <workflow> is a workflow file or the name of a
workflow under workflows_dir.

Exit codes: 0 success (or event not matched), 1 internal error, 2 graph or
configuration error, 3 job failure, 4 license violation, 5 cancelled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.event, "event", "", "event JSON file, or - for stdin")
	flags.IntVar(&opts.concurrency, "concurrency", 0, "maximum jobs running at once (default: scheduler.concurrency)")
	flags.StringVar(&opts.cacheDir, "cache-dir", "", "use a filesystem cache in this directory")
	flags.StringVar(&opts.workdir, "workdir", "", "check out this directory instead of fetching from git")
	flags.StringVar(&opts.format, "format", "text", "report format (text|json)")
	flags.StringArrayVar(&opts.allow, "allow", nil, "additional allowed license for every license job (repeatable)")
	flags.BoolVar(&opts.keepWorkspaces, "keep-workspaces", false, "leave run workspaces on disk")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable colour in the text report")
	_ = cmd.MarkFlagRequired("event")

	return cmd
}

func runWorkflow(cmd *cobra.Command, arg string, opts runOptions) error {
	format := strings.ToLower(opts.format)
	if format != "text" && format != "json" {
		return withCode(report.ExitInternal, fmt.Errorf("unsupported format %q", opts.format))
	}

	cfg, err := loadConfig(cmd, true)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("concurrency") {
		if opts.concurrency < 1 {
			return withCode(report.ExitConfig, fmt.Errorf("--concurrency must be at least 1"))
		}
		cfg.Scheduler.Concurrency = opts.concurrency
	}
	if opts.cacheDir != "" {
		dir, err := filepath.Abs(opts.cacheDir)
		if err != nil {
			return withCode(report.ExitInternal, err)
		}
		cfg.Cache.Backend = "fs"
		cfg.Cache.Dir = dir
	}
	workdir := ""
	if opts.workdir != "" {
		workdir, err = filepath.Abs(opts.workdir)
		if err != nil {
			return withCode(report.ExitInternal, err)
		}
		if info, err := os.Stat(workdir); err != nil || !info.IsDir() {
			return withCode(report.ExitConfig, fmt.Errorf("--workdir %s is not a directory", opts.workdir))
		}
	}
	if opts.keepWorkspaces {
		cfg.Workspace.Keep = true
	}

	def, err := resolveWorkflow(cfg, arg)
	if err != nil {
		return withCode(report.ExitCode(nil, err), err)
	}
	if len(opts.allow) > 0 {
		if def, err = extendAllow(def, opts.allow); err != nil {
			return withCode(report.ExitCode(nil, err), err)
		}
	}

	ev, err := readEvent(cmd, opts.event)
	if err != nil {
		return withCode(report.ExitCode(nil, err), err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(ctx, cfg, engineOptions{Workdir: workdir})
	if err != nil {
		return withCode(report.ExitInternal, err)
	}
	defer eng.Close()

	out, err := eng.orchestrator.Handle(ctx, def, ev)
	if err != nil {
		return withCode(report.ExitCode(out, err), err)
	}

	w := cmd.OutOrStdout()
	if format == "json" {
		err = report.JSON(w, out)
	} else {
		theme := report.NewDefaultTheme()
		if opts.noColor {
			theme = report.PlainTheme()
		}
		err = report.Text(w, out, theme)
	}
	if err != nil {
		return withCode(report.ExitInternal, err)
	}
	return withCode(report.ExitCode(out, nil), nil)
}

// extendAllow returns def with extra licenses allowed by every license job.
func extendAllow(def *workflow.Definition, extra []string) (*workflow.Definition, error) {
	jobs := def.Jobs()
	for i := range jobs {
		if jobs[i].License == nil {
			continue
		}
		for _, id := range extra {
			if !slices.Contains(jobs[i].License.Allow, id) {
				jobs[i].License.Allow = append(jobs[i].License.Allow, id)
			}
		}
	}
	return workflow.NewDefinition(def.Name(), def.Triggers(), jobs)
}
