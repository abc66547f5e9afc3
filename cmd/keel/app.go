package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/keel/internal/action"
	"github.com/mattjoyce/keel/internal/cache"
	"github.com/mattjoyce/keel/internal/config"
	"github.com/mattjoyce/keel/internal/events"
	"github.com/mattjoyce/keel/internal/log"
	"github.com/mattjoyce/keel/internal/pipeline"
	"github.com/mattjoyce/keel/internal/report"
	"github.com/mattjoyce/keel/internal/runstore"
	"github.com/mattjoyce/keel/internal/sandbox"
	"github.com/mattjoyce/keel/internal/source"
	"github.com/mattjoyce/keel/internal/storage"
	"github.com/mattjoyce/keel/internal/workflow"
	"github.com/mattjoyce/keel/internal/workspace"
)

// loadConfig resolves --config, falling back to discovery. When optional is
// set and nothing is found, defaults rooted at the working directory apply.
func loadConfig(cmd *cobra.Command, optional bool) (*config.Config, error) {
	ctx := cmd.Context()
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		discovered, err := config.Discover()
		switch {
		case err == nil:
			path = discovered
		case errors.Is(err, config.ErrNoConfig) && optional:
			wd, werr := os.Getwd()
			if werr != nil {
				return nil, werr
			}
			cfg, derr := config.LoadDefaults(ctx, wd, envconfig.OsLookuper())
			if derr != nil {
				return nil, withCode(report.ExitConfig, derr)
			}
			return applyLogLevel(cmd, cfg), nil
		default:
			return nil, withCode(report.ExitConfig, err)
		}
	}

	cfg, err := config.Load(ctx, path)
	if err != nil {
		return nil, withCode(report.ExitConfig, err)
	}
	return applyLogLevel(cmd, cfg), nil
}

func applyLogLevel(cmd *cobra.Command, cfg *config.Config) *config.Config {
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Service.LogLevel = lvl
	}
	log.Setup(cfg.Service.LogLevel)
	return cfg
}

// resolveWorkflow loads arg as a workflow file, or else finds the workflow
// of that name under the configured workflows directory.
func resolveWorkflow(cfg *config.Config, arg string) (*workflow.Definition, error) {
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		return workflow.LoadFile(arg)
	}
	notFound := &workflow.ConfigError{
		Workflow: arg,
		Reason:   fmt.Sprintf("no such workflow file, and no workflow of that name in %s", cfg.WorkflowsDir),
	}
	defs, err := workflow.LoadDir(cfg.WorkflowsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound
	}
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if def.Name() == arg {
			return def, nil
		}
	}
	return nil, notFound
}

// readEvent decodes an event from a file, or stdin when path is "-".
func readEvent(cmd *cobra.Command, path string) (workflow.Event, error) {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return workflow.Event{}, fmt.Errorf("%w: %v", workflow.ErrInvalidEvent, err)
		}
		defer f.Close()
		r = f
	}
	return workflow.DecodeEvent(r)
}

// engine is the wired orchestrator and everything it holds open.
type engine struct {
	cfg          *config.Config
	db           *sql.DB
	store        *runstore.Store
	cache        *cache.Provider
	hub          *events.Hub
	workspaces   *workspace.FSManager
	orchestrator *pipeline.Orchestrator
	closers      []io.Closer
}

type engineOptions struct {
	// Workdir makes every checkout a copy of this directory.
	Workdir string
	Hub     *events.Hub
	Logger  *slog.Logger
}

func openStore(ctx context.Context, cfg *config.Config) (*sql.DB, *runstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.Path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create state directory: %w", err)
	}
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open state database %s: %w", cfg.State.Path, err)
	}
	return db, runstore.New(db), nil
}

func openCache(ctx context.Context, cfg *config.Config, db *sql.DB) (*cache.Provider, io.Closer, error) {
	provider, closer, err := cache.Open(ctx, cache.Options{
		Backend:     cfg.Cache.Backend,
		Dir:         cfg.Cache.Dir,
		DB:          db,
		RedisURL:    cfg.Cache.RedisURL,
		MemoryBytes: int64(cfg.Cache.Memory),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open %s cache: %w", cfg.Cache.Backend, err)
	}
	return provider, closer, nil
}

func newEngine(ctx context.Context, cfg *config.Config, opts engineOptions) (*engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("engine")
	}
	e := &engine{cfg: cfg, hub: opts.Hub}

	db, store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e.db, e.store = db, store
	e.closers = append(e.closers, db)

	provider, closer, err := openCache(ctx, cfg, db)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.cache = provider
	// The cache may hold the database, so it closes first.
	e.closers = append([]io.Closer{closer}, e.closers...)

	mode := workspace.CloneHardLink
	if cfg.Workspace.Clone == "copy" {
		mode = workspace.CloneCopy
	}
	e.workspaces, err = workspace.NewFSManager(cfg.Workspace.Dir, mode)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("workspace manager: %w", err)
	}

	executors := map[string]sandbox.Executor{workflow.RunnerShell: sandbox.NewProcessExecutor()}
	if cfg.Sandbox.Docker {
		docker, err := sandbox.NewDockerExecutor()
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("docker executor: %w", err)
		}
		executors[workflow.RunnerDocker] = docker
	}

	var fetcher source.Fetcher = source.NewGitFetcher(cfg.Source.Token, log.WithComponent("source"))
	switch {
	case opts.Workdir != "":
		fetcher = source.StaticFetcher{Dir: opts.Workdir}
	case cfg.Source.Dir != "":
		fetcher = source.StaticFetcher{Dir: cfg.Source.Dir}
	}

	actions, err := action.Discover(cfg.ActionsDirs, log.WithComponent("action"))
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("discover actions: %w", err)
	}

	e.orchestrator, err = pipeline.New(pipeline.Config{
		Workspaces:     e.workspaces,
		Fetcher:        fetcher,
		Executors:      sandbox.NewRouter(executors),
		Cache:          provider,
		Actions:        actions,
		Store:          store,
		Hub:            opts.Hub,
		Concurrency:    cfg.Scheduler.Concurrency,
		DefaultLimits:  cfg.Scheduler.Limits,
		GracePeriod:    cfg.Scheduler.GracePeriod,
		ConfigChecksum: cfg.Checksum,
		KeepWorkspaces: cfg.Workspace.Keep,
		Logger:         logger,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *engine) Close() {
	for _, c := range e.closers {
		if c != nil {
			_ = c.Close()
		}
	}
	e.closers = nil
}
