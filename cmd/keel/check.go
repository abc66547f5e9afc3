package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/keel/internal/action"
	"github.com/mattjoyce/keel/internal/config"
	"github.com/mattjoyce/keel/internal/graph"
	"github.com/mattjoyce/keel/internal/log"
	"github.com/mattjoyce/keel/internal/report"
	"github.com/mattjoyce/keel/internal/workflow"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [workflow...]",
		Short: "Validate workflows and print their job graphs",
		Long: `Check parses each workflow, expands its actions and builds the job graph
without running anything. With no arguments every workflow under
workflows_dir is checked, along with config integrity.`,
		RunE: runCheck,
	}
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, true)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	var defs []*workflow.Definition
	if len(args) == 0 {
		if defs, err = workflow.LoadDir(cfg.WorkflowsDir); err != nil {
			return withCode(report.ExitConfig, err)
		}
		if cfg.Path != "" {
			if err := checkIntegrity(out, cfg); err != nil {
				return err
			}
		}
	} else {
		for _, arg := range args {
			def, err := resolveWorkflow(cfg, arg)
			if err != nil {
				return withCode(report.ExitCode(nil, err), err)
			}
			defs = append(defs, def)
		}
	}
	if len(defs) == 0 {
		fmt.Fprintf(out, "no workflows in %s\n", cfg.WorkflowsDir)
		return nil
	}

	actions, err := action.Discover(cfg.ActionsDirs, log.WithComponent("action"))
	if err != nil {
		return withCode(report.ExitConfig, err)
	}

	var failed []error
	for _, def := range defs {
		if err := checkWorkflow(out, def, actions); err != nil {
			fmt.Fprintf(out, "%s: %v\n", def.Name(), err)
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return withCode(report.ExitConfig, fmt.Errorf("%d of %d workflows failed: %w", len(failed), len(defs), errors.Join(failed...)))
	}
	return nil
}

func checkWorkflow(w io.Writer, def *workflow.Definition, actions *action.Registry) error {
	for _, job := range def.Jobs() {
		if _, err := actions.ExpandAll(job.Steps); err != nil {
			return fmt.Errorf("job %q: %w", job.Name, err)
		}
	}
	g, err := graph.Build(def)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s  fingerprint %s\n", def.Name(), g.Fingerprint())
	for _, name := range g.Order() {
		node, _ := g.Node(name)
		line := fmt.Sprintf("  %-20s kind=%s checkout=%s", name, node.Job.KindOrDefault(), node.Checkout)
		if preds := g.Predecessors(name); len(preds) > 0 {
			line += " needs=" + strings.Join(preds, ",")
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func checkIntegrity(w io.Writer, cfg *config.Config) error {
	files, err := cfg.WorkflowFiles()
	if err != nil {
		return withCode(report.ExitConfig, err)
	}
	res, err := config.VerifyIntegrity(filepath.Dir(cfg.Path), files)
	if err != nil {
		return withCode(report.ExitConfig, err)
	}
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	if !res.Passed {
		for _, e := range res.Errors {
			fmt.Fprintf(w, "error: %s\n", e)
		}
		return withCode(report.ExitConfig, errors.New("config integrity check failed"))
	}
	return nil
}
