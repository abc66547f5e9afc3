package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/keel/internal/report"
	"github.com/mattjoyce/keel/internal/runstore"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded pipeline runs",
	}
	cmd.AddCommand(newRunsListCmd())
	cmd.AddCommand(newRunsShowCmd())
	return cmd
}

func newRunsListCmd() *cobra.Command {
	var (
		filter  runstore.Filter
		status  string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			db, store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return withCode(report.ExitInternal, err)
			}
			defer db.Close()

			filter.Status = runstore.Status(status)
			runs, err := store.List(cmd.Context(), filter)
			if err != nil {
				return withCode(report.ExitInternal, err)
			}
			if jsonOut {
				if runs == nil {
					runs = []runstore.Run{}
				}
				return report.WriteJSON(cmd.OutOrStdout(), runs)
			}
			return report.RunsTable(cmd.OutOrStdout(), runs, report.NewDefaultTheme(), time.Now())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&filter.Workflow, "workflow", "", "only runs of this workflow")
	flags.StringVar(&filter.Branch, "branch", "", "only runs for this branch")
	flags.StringVar(&status, "status", "", "only runs in this status (running|succeeded|failed|cancelled|errored)")
	flags.IntVar(&filter.Limit, "limit", 20, "maximum runs to show")
	flags.BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newRunsShowCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			db, store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return withCode(report.ExitInternal, err)
			}
			defer db.Close()

			run, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return withCode(report.ExitInternal, err)
			}
			if jsonOut {
				return report.WriteJSON(cmd.OutOrStdout(), run)
			}
			return report.RunDetail(cmd.OutOrStdout(), run, report.NewDefaultTheme())
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}
