package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/keel/internal/api"
	"github.com/mattjoyce/keel/internal/events"
	"github.com/mattjoyce/keel/internal/lock"
	"github.com/mattjoyce/keel/internal/log"
	"github.com/mattjoyce/keel/internal/pipeline"
	"github.com/mattjoyce/keel/internal/report"
	"github.com/mattjoyce/keel/internal/webhook"
	"github.com/mattjoyce/keel/internal/workflow"
)

// staleWorkspaceAge is how old a leftover run directory must be before
// maintenance removes it.
const staleWorkspaceAge = 24 * time.Hour

func newServeCmd() *cobra.Command {
	var maintenance time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver and API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, maintenance)
		},
	}
	cmd.Flags().DurationVar(&maintenance, "maintenance-interval", time.Hour, "how often to prune runs, cache entries and stale workspaces")
	return cmd
}

func runServe(cmd *cobra.Command, maintenance time.Duration) error {
	cfg, err := loadConfig(cmd, false)
	if err != nil {
		return err
	}
	logger := log.WithComponent("main")
	logger.Info("keel starting", "version", version, "config", cfg.Path)

	apiEnabled := cfg.API.Enabled
	webhooksEnabled := cfg.Webhooks != nil && len(cfg.Webhooks.Endpoints) > 0
	if !apiEnabled && !webhooksEnabled {
		return withCode(report.ExitConfig, errors.New("nothing to serve: enable api or configure webhooks"))
	}

	pidLock, err := lock.Acquire(lock.PathFor(cfg.State.Path))
	if err != nil {
		return withCode(report.ExitInternal, fmt.Errorf("another keel server may be running: %w", err))
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defs, err := workflow.LoadDir(cfg.WorkflowsDir)
	if err != nil {
		return withCode(report.ExitConfig, err)
	}
	for _, def := range defs {
		logger.Info("workflow registered", "name", def.Name(), "jobs", len(def.JobNames()))
	}
	catalog := webhook.StaticCatalog(defs)

	hub := events.NewHub(512)
	defer hub.Close()
	eng, err := newEngine(ctx, cfg, engineOptions{Hub: hub, Logger: log.WithComponent("pipeline")})
	if err != nil {
		return withCode(report.ExitInternal, err)
	}
	defer eng.Close()

	recovered, err := eng.store.RecoverInterrupted(ctx)
	if err != nil {
		return withCode(report.ExitInternal, fmt.Errorf("recover interrupted runs: %w", err))
	}
	if len(recovered) > 0 {
		logger.Warn("marked interrupted runs cancelled", "count", len(recovered), "run_ids", recovered)
	}

	sup := pipeline.NewSupervisor(eng.orchestrator, log.WithComponent("supervisor"))
	sup.OnOutcome = func(out *pipeline.Outcome, err error) {
		if err != nil || out == nil {
			return
		}
		if out.Matched {
			logger.Info("run finished", "run_id", out.RunID, "workflow", out.Workflow, "status", out.Status())
		}
	}
	defer sup.Close()

	errCh := make(chan error, 3)

	if apiEnabled {
		apiServer := api.New(api.FromGlobalConfig(cfg.API), eng.store, hub, sup, catalog, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if webhooksEnabled {
		whConfig, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			return withCode(report.ExitConfig, err)
		}
		whServer := webhook.New(whConfig, catalog, sup, log.WithComponent("webhook"))
		go func() {
			if err := whServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
		logger.Info("webhook server enabled", "listen", whConfig.Listen, "endpoints", len(whConfig.Endpoints))
	}

	go runMaintenance(ctx, eng, maintenance, log.WithComponent("maintenance"))

	logger.Info("keel running (press Ctrl+C to stop)")

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		// Ends open event streams so the API server can drain.
		hub.Close()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return withCode(report.ExitInternal, err)
	}

	logger.Info("waiting for in-flight runs", "count", sup.InFlight())
	sup.Close()
	if dropped := hub.Dropped(); dropped > 0 {
		logger.Warn("event subscribers fell behind", "dropped", dropped)
	}
	logger.Info("keel stopped")
	return nil
}

// runMaintenance prunes once at startup and then every interval.
func runMaintenance(ctx context.Context, eng *engine, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		maintain(ctx, eng, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func maintain(ctx context.Context, eng *engine, logger *slog.Logger) {
	if retention := eng.cfg.Service.RunRetention; retention > 0 {
		n, err := eng.store.PruneOlderThan(ctx, retention)
		if err != nil {
			logger.Error("run prune failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned runs", "count", n)
		}
	}
	if retention := eng.cfg.Cache.Retention; retention > 0 {
		n, err := eng.cache.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Error("cache prune failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned cache entries", "count", n)
		}
	}
	rep, err := eng.workspaces.Cleanup(ctx, staleWorkspaceAge)
	if err != nil {
		logger.Error("workspace cleanup failed", "error", err)
	} else if rep.DeletedRuns > 0 {
		logger.Info("removed stale workspaces", "count", rep.DeletedRuns)
	}
}
