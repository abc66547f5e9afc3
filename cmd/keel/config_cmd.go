package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/keel/internal/config"
	"github.com/mattjoyce/keel/internal/report"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show, query and lock the service configuration",
	}
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigLockCmd())
	cmd.AddCommand(newConfigCheckCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show [path]",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			redacted := cfg.Redacted()
			var result any = redacted
			if len(args) == 1 {
				if result, err = redacted.GetPath(args[0]); err != nil {
					return withCode(report.ExitConfig, err)
				}
			}
			return printValue(cmd, result, jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON instead of YAML")
	return cmd
}

func newConfigGetCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Print one configuration value, e.g. cache.backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			val, err := cfg.GetPath(args[0])
			if err != nil {
				return withCode(report.ExitConfig, err)
			}
			if jsonOut {
				return report.WriteJSON(cmd.OutOrStdout(), val)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v\n", val)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newConfigLockCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Pin the config file and workflows in a checksum manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				discovered, err := config.Discover()
				if err != nil {
					return withCode(report.ExitConfig, err)
				}
				path = discovered
			}
			cfg, err := config.LoadUnlocked(cmd.Context(), path)
			if err != nil {
				return withCode(report.ExitConfig, err)
			}

			dir := filepath.Dir(cfg.Path)
			files := []string{cfg.Path}
			workflows, err := cfg.WorkflowFiles()
			if err != nil {
				return withCode(report.ExitConfig, err)
			}
			out := cmd.OutOrStdout()
			for _, f := range workflows {
				if rel, err := filepath.Rel(dir, f); err != nil || strings.HasPrefix(rel, "..") {
					fmt.Fprintf(out, "warning: %s is outside %s and stays unpinned\n", f, dir)
					continue
				}
				files = append(files, f)
			}

			rep, err := config.Lock(dir, files, dryRun)
			if err != nil {
				return withCode(report.ExitInternal, err)
			}
			names := make([]string, 0, len(rep.Hashes))
			for name := range rep.Hashes {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "%s  %s\n", rep.Hashes[name], name)
			}
			if rep.Written {
				fmt.Fprintf(out, "wrote %s\n", rep.ChecksumPath)
			} else {
				fmt.Fprintf(out, "dry run: %s not written\n", rep.ChecksumPath)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print hashes without writing the manifest")
	return cmd
}

func newConfigCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and verify pinned files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			if err := checkIntegrity(cmd.OutOrStdout(), cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok (%s)\n", cfg.Path, cfg.Checksum)
			return nil
		},
	}
}

func printValue(cmd *cobra.Command, v any, jsonOut bool) error {
	out := cmd.OutOrStdout()
	if jsonOut {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return withCode(report.ExitInternal, err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return withCode(report.ExitInternal, err)
	}
	fmt.Fprint(out, string(data))
	return nil
}
