// Package pipeline wires trigger evaluation, graph building, checkouts and
// the scheduler into one event-handling entry point.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/keel/internal/action"
	"github.com/mattjoyce/keel/internal/cache"
	"github.com/mattjoyce/keel/internal/events"
	"github.com/mattjoyce/keel/internal/graph"
	"github.com/mattjoyce/keel/internal/license"
	"github.com/mattjoyce/keel/internal/log"
	"github.com/mattjoyce/keel/internal/runstore"
	"github.com/mattjoyce/keel/internal/sandbox"
	"github.com/mattjoyce/keel/internal/scheduler"
	"github.com/mattjoyce/keel/internal/source"
	"github.com/mattjoyce/keel/internal/trigger"
	"github.com/mattjoyce/keel/internal/workflow"
	"github.com/mattjoyce/keel/internal/workspace"
)

// Config holds the collaborators of an Orchestrator. Workspaces, Fetcher
// and Executors are required; the rest are optional.
type Config struct {
	Workspaces workspace.Manager
	Fetcher    source.Fetcher
	Executors  *sandbox.Router
	Cache      *cache.Provider
	Actions    *action.Registry
	Store      *runstore.Store
	Hub        *events.Hub

	Concurrency   int
	DefaultLimits workflow.ResourceLimits
	GracePeriod   time.Duration
	// BaseEnv seeds every command's environment; nil uses runner.DefaultBaseEnv.
	BaseEnv []string
	// ConfigChecksum is recorded with each run.
	ConfigChecksum string
	// KeepWorkspaces leaves run directories in place after a run.
	KeepWorkspaces bool
	Logger         *slog.Logger
}

// Orchestrator handles one event at a time per call; calls may run
// concurrently.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Workspaces == nil {
		return nil, errors.New("pipeline: workspace manager is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("pipeline: source fetcher is required")
	}
	if cfg.Executors == nil {
		return nil, errors.New("pipeline: executors are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithComponent("pipeline")
	}
	return &Orchestrator{cfg: cfg, logger: logger}, nil
}

// Outcome is the result of handling one event.
type Outcome struct {
	RunID       string                    `json:"run_id,omitempty"`
	Workflow    string                    `json:"workflow"`
	Event       workflow.Event            `json:"event"`
	Matched     bool                      `json:"matched"`
	Fingerprint string                    `json:"fingerprint,omitempty"`
	Result      *scheduler.PipelineResult `json:"result,omitempty"`
}

// Status is the run's final state, or "not_matched" when no trigger admitted
// the event.
func (o *Outcome) Status() string {
	if !o.Matched || o.Result == nil {
		return "not_matched"
	}
	return string(o.Result.Status)
}

// Violations collects license violations across jobs.
func (o *Outcome) Violations() []license.Violation {
	if o.Result == nil {
		return nil
	}
	var out []license.Violation
	for _, jr := range o.Result.Jobs {
		if jr.License != nil {
			out = append(out, jr.License.Violations...)
		}
	}
	return out
}

// Handle runs def for ev. A malformed event or an invalid graph is returned
// as an error and nothing is scheduled; an event no trigger admits yields an
// unmatched Outcome. Job failures are reported through the Outcome.
func (o *Orchestrator) Handle(ctx context.Context, def *workflow.Definition, ev workflow.Event) (*Outcome, error) {
	matched, err := trigger.Evaluate(ev, def)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Workflow: def.Name(), Event: ev, Matched: matched}
	if !matched {
		o.logger.Info("event not matched", "workflow", def.Name(), "kind", ev.Kind, "branch", ev.Branch)
		return out, nil
	}

	out.RunID = uuid.NewString()
	logger := log.WithPipeline(out.RunID, def.Name())
	if o.cfg.Logger != nil {
		logger = o.cfg.Logger.With("run_id", out.RunID, "workflow", def.Name())
	}
	o.begin(ctx, out, logger)

	g, err := graph.Build(def)
	if err != nil {
		o.finishErrored(ctx, out.RunID, err, logger)
		return nil, err
	}
	out.Fingerprint = g.Fingerprint()
	if o.cfg.Store != nil {
		if err := o.cfg.Store.SetFingerprint(ctx, out.RunID, out.Fingerprint); err != nil {
			logger.Warn("record fingerprint failed", "error", err)
		}
	}

	if !o.cfg.KeepWorkspaces {
		defer func() {
			// The run's context may be cancelled already.
			if err := o.cfg.Workspaces.Remove(context.WithoutCancel(ctx), out.RunID); err != nil {
				logger.Warn("remove run workspaces failed", "error", err)
			}
		}()
	}

	checkouts, err := o.prepareCheckouts(ctx, out.RunID, g, ev, logger)
	if err != nil {
		o.finishErrored(ctx, out.RunID, err, logger)
		return nil, err
	}

	exec := &jobExecutor{
		cfg:       o.cfg,
		checkouts: checkouts,
	}
	out.Result = scheduler.Run(ctx, g, scheduler.Options{
		RunID:         out.RunID,
		Concurrency:   o.cfg.Concurrency,
		DefaultLimits: o.cfg.DefaultLimits,
		GracePeriod:   o.cfg.GracePeriod,
		Executor:      exec,
		Hub:           o.cfg.Hub,
		Logger:        logger,
	})

	if o.cfg.Store != nil {
		if err := o.cfg.Store.RecordPipeline(context.WithoutCancel(ctx), out.RunID, out.Result); err != nil {
			logger.Error("record run failed", "error", err)
		}
	}
	return out, nil
}

func (o *Orchestrator) begin(ctx context.Context, out *Outcome, logger *slog.Logger) {
	if o.cfg.Store == nil {
		return
	}
	evJSON, err := json.Marshal(out.Event)
	if err != nil {
		logger.Warn("encode event failed", "error", err)
	}
	branch, _ := trigger.NormalizeBranch(out.Event.Branch)
	_, err = o.cfg.Store.Begin(ctx, runstore.BeginRequest{
		ID:             out.RunID,
		Workflow:       out.Workflow,
		EventKind:      string(out.Event.Kind),
		EventAction:    out.Event.Action,
		Branch:         branch,
		HeadSha:        out.Event.HeadSha,
		ConfigChecksum: o.cfg.ConfigChecksum,
		Event:          evJSON,
	})
	if err != nil {
		logger.Error("record run start failed", "error", err)
	}
}

func (o *Orchestrator) finishErrored(ctx context.Context, runID string, cause error, logger *slog.Logger) {
	logger.Error("pipeline not started", "error", cause)
	if o.cfg.Store == nil {
		return
	}
	if err := o.cfg.Store.Finish(context.WithoutCancel(ctx), runID, runstore.StatusErrored, cause.Error()); err != nil {
		logger.Warn("record run error failed", "error", err)
	}
}

// checkoutName is the workspace holding a fetched revision.
func checkoutName(src workflow.CheckoutSource) string {
	return "checkout-" + string(src)
}

// prepareCheckouts fetches every revision some job needs, once per run.
func (o *Orchestrator) prepareCheckouts(ctx context.Context, runID string, g *graph.Graph, ev workflow.Event, logger *slog.Logger) (map[workflow.CheckoutSource]string, error) {
	needed := map[workflow.CheckoutSource]bool{}
	for _, n := range g.Nodes() {
		if n.Checkout != workflow.CheckoutNone {
			needed[n.Checkout] = true
		}
	}

	out := make(map[workflow.CheckoutSource]string, len(needed))
	for _, src := range []workflow.CheckoutSource{workflow.CheckoutBase, workflow.CheckoutHead} {
		if !needed[src] {
			continue
		}
		ws, err := o.cfg.Workspaces.Create(ctx, runID, checkoutName(src))
		if err != nil {
			return nil, fmt.Errorf("create %s checkout: %w", src, err)
		}
		ref := source.Select(ev, src)
		started := time.Now()
		if err := o.cfg.Fetcher.Fetch(ctx, ref, ws.Dir); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", ref, err)
		}
		logger.Info("checkout ready", "source", src, "ref", ref.String(), "duration", time.Since(started))
		out[src] = ws.Name
	}
	return out, nil
}
