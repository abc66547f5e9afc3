package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/keel/internal/report"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the build cache",
	}
	cmd.PersistentFlags().String("cache-dir", "", "use the filesystem cache in this directory")
	cmd.AddCommand(newCacheStatsCmd())
	cmd.AddCommand(newCachePruneCmd())
	return cmd
}

func newCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show entry count, size and age of the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := openCacheOnly(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			st, err := eng.cache.Stats(cmd.Context())
			if err != nil {
				return withCode(report.ExitInternal, err)
			}
			return report.CacheStats(cmd.OutOrStdout(), eng.cfg.Cache.Backend, st, time.Now())
		},
	}
}

func newCachePruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete cache entries older than the retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := openCacheOnly(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			age := eng.cfg.Cache.Retention
			if cmd.Flags().Changed("older-than") {
				age = olderThan
			}
			if age <= 0 {
				return withCode(report.ExitConfig, fmt.Errorf("no retention: set cache.retention or pass --older-than"))
			}
			cutoff := time.Now().Add(-age)
			n, err := eng.cache.Prune(cmd.Context(), cutoff)
			if err != nil {
				return withCode(report.ExitInternal, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %s entries stored before %s\n",
				humanize.Comma(int64(n)), humanize.Time(cutoff))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (default: cache.retention)")
	return cmd
}

// openCacheOnly opens the state database and cache without the rest of
// the engine.
func openCacheOnly(cmd *cobra.Command) (*engine, error) {
	cfg, err := loadConfig(cmd, true)
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("cache-dir"); dir != "" {
		cfg.Cache.Backend = "fs"
		cfg.Cache.Dir = dir
	}

	ctx := cmd.Context()
	db, store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, withCode(report.ExitInternal, err)
	}
	provider, closer, err := openCache(ctx, cfg, db)
	if err != nil {
		_ = db.Close()
		return nil, withCode(report.ExitInternal, err)
	}
	return &engine{cfg: cfg, db: db, store: store, cache: provider, closers: []io.Closer{closer, db}}, nil
}
