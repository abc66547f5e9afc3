// Package scheduler drives a job graph to completion under a concurrency
// budget, skipping dependents of jobs that do not succeed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/keel/internal/events"
	"github.com/mattjoyce/keel/internal/graph"
	"github.com/mattjoyce/keel/internal/log"
	"github.com/mattjoyce/keel/internal/sandbox"
	"github.com/mattjoyce/keel/internal/workflow"
)

// DefaultGracePeriod bounds how long a signalled job may take to stop.
const DefaultGracePeriod = 10 * time.Second

// Options configures one scheduled run.
type Options struct {
	RunID string
	// Concurrency caps simultaneously running jobs. Zero means runtime.NumCPU().
	Concurrency int
	// Limits overrides per job name; unset fields fall back to the job's own
	// limits and then to DefaultLimits.
	Limits        map[string]workflow.ResourceLimits
	DefaultLimits workflow.ResourceLimits
	GracePeriod   time.Duration
	Executor      JobExecutor
	Hub           *events.Hub
	Logger        *slog.Logger
}

type completion struct {
	name    string
	outcome JobOutcome
	started time.Time
	ended   time.Time
}

type run struct {
	g       *graph.Graph
	opts    Options
	logger  *slog.Logger
	jobs    map[string]*JobRun
	pending map[string]int

	running  atomic.Int64
	peak     atomic.Int64
	done     chan completion
	inFlight int
}

// Run executes g and returns once every job is terminal. It never returns
// nil. Cancelling ctx skips jobs that have not started and signals running
// ones, which get opts.GracePeriod to stop before being marked cancelled.
func Run(ctx context.Context, g *graph.Graph, opts Options) *PipelineResult {
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithPipeline(opts.RunID, g.Workflow())
	}

	r := &run{
		g:       g,
		opts:    opts,
		logger:  logger,
		jobs:    make(map[string]*JobRun, g.Len()),
		pending: make(map[string]int, g.Len()),
		done:    make(chan completion, g.Len()),
	}

	res := &PipelineResult{
		RunID:     opts.RunID,
		Workflow:  g.Workflow(),
		StartedAt: time.Now().UTC(),
	}
	for _, n := range g.Nodes() {
		jr := &JobRun{Name: n.Name(), Index: n.Index, Checkout: n.Checkout, State: StatePending, FailedStep: -1}
		r.jobs[n.Name()] = jr
		r.pending[n.Name()] = len(g.Predecessors(n.Name()))
		res.Jobs = append(res.Jobs, jr)
	}

	logger.Info("pipeline started", "jobs", g.Len(), "concurrency", opts.Concurrency, "fingerprint", g.Fingerprint())
	opts.Hub.Publish(opts.RunID, events.PipelineStarted, map[string]any{
		"workflow": g.Workflow(),
		"jobs":     g.Order(),
	})

	if opts.Executor == nil {
		r.abort(ReasonJobFailed, "no job executor configured")
	} else {
		r.loop(ctx)
	}

	res.FinishedAt = time.Now().UTC()
	res.PeakRunning = int(r.peak.Load())
	cancelled := ctx.Err() != nil
	for _, jr := range res.Jobs {
		switch jr.State {
		case StateFailed:
			res.Failed = append(res.Failed, jr.Name)
		case StateSkipped:
			res.Skipped = append(res.Skipped, jr.Name)
		case StateCancelled:
			res.Cancelled = append(res.Cancelled, jr.Name)
		}
	}
	switch {
	case cancelled:
		res.Status = PipelineCancelled
	case opts.Executor == nil, len(res.Failed) > 0, len(res.Cancelled) > 0:
		res.Status = PipelineFailed
	default:
		res.Status = PipelineSucceeded
	}

	logger.Info("pipeline finished", "status", res.Status, "failed", res.Failed, "skipped", res.Skipped, "duration", res.FinishedAt.Sub(res.StartedAt))
	opts.Hub.Publish(opts.RunID, events.PipelineFinished, map[string]any{
		"status":  res.Status,
		"failed":  res.Failed,
		"skipped": res.Skipped,
	})
	return res
}

func (r *run) loop(ctx context.Context) {
	var eg errgroup.Group
	eg.SetLimit(r.opts.Concurrency)

	ready := r.g.Roots()
	for _, name := range ready {
		r.jobs[name].State = StateReady
	}

	for {
		if ctx.Err() == nil {
			for len(ready) > 0 && r.inFlight < r.opts.Concurrency {
				name := ready[0]
				ready = ready[1:]
				r.start(ctx, &eg, name)
			}
		}
		if r.inFlight == 0 {
			break
		}

		select {
		case c := <-r.done:
			r.inFlight--
			ready = append(ready, r.finish(c)...)
			r.sortByDeclaration(ready)
		case <-ctx.Done():
			// Workers see the same cancellation and report back within
			// their grace period.
			r.abort(ReasonCancelled, "pipeline cancelled")
			ready = nil
			for r.inFlight > 0 {
				c := <-r.done
				r.inFlight--
				r.finish(c)
			}
		}
	}

	if ctx.Err() != nil {
		r.abort(ReasonCancelled, "pipeline cancelled")
	}
	_ = eg.Wait()
}

func (r *run) start(ctx context.Context, eg *errgroup.Group, name string) {
	jr := r.jobs[name]
	node, _ := r.g.Node(name)
	limits := r.limitsFor(node.Job)
	jobLogger := log.WithJob(r.logger, name)

	jr.State = StateRunning
	jr.StartedAt = time.Now().UTC()
	jr.appendEvent(LogEvent{At: jr.StartedAt, Type: LogStart, Message: fmt.Sprintf("checkout=%s", node.Checkout)})
	r.inFlight++

	jobLogger.Info("job started", "checkout", node.Checkout, "timeout", limits.Timeout)
	r.opts.Hub.Publish(r.opts.RunID, events.JobStarted, map[string]any{"job": name})

	jc := JobContext{
		RunID:    r.opts.RunID,
		Workflow: r.g.Workflow(),
		Job:      node.Job,
		Checkout: node.Checkout,
		Limits:   limits,
		Logger:   jobLogger,
		Emit: func(ev LogEvent) {
			if ev.At.IsZero() {
				ev.At = time.Now().UTC()
			}
			if ev.Type == "" {
				ev.Type = LogStep
			}
			if !jr.appendEvent(ev) {
				return
			}
			r.opts.Hub.Publish(r.opts.RunID, events.JobStep, map[string]any{"job": name, "event": ev})
		},
	}

	eg.Go(func() error {
		started := time.Now().UTC()
		r.enter()
		outcome := r.execute(ctx, jc)
		r.running.Add(-1)
		r.done <- completion{name: name, outcome: outcome, started: started, ended: time.Now().UTC()}
		return nil
	})
}

func (r *run) enter() {
	n := r.running.Add(1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

// execute runs one job under its timeout. A job that does not return
// within the grace period after its context ends is abandoned.
func (r *run) execute(ctx context.Context, jc JobContext) JobOutcome {
	var (
		jobCtx context.Context
		cancel context.CancelFunc
	)
	if jc.Limits.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, jc.Limits.Timeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	results := make(chan JobOutcome, 1)
	go func() {
		results <- r.opts.Executor.ExecuteJob(jobCtx, jc)
	}()

	var outcome JobOutcome
	select {
	case outcome = <-results:
	case <-jobCtx.Done():
		grace := time.NewTimer(r.opts.GracePeriod)
		defer grace.Stop()
		select {
		case outcome = <-results:
		case <-grace.C:
			jc.Logger.Warn("job did not stop within grace period; abandoning", "grace", r.opts.GracePeriod)
			outcome = JobOutcome{
				State:      StateCancelled,
				Reason:     ReasonCancelled,
				FailedStep: -1,
				Err:        fmt.Errorf("abandoned after %s grace period", r.opts.GracePeriod),
			}
		}
	}

	timedOut := errors.Is(jobCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	switch {
	case timedOut && outcome.State != StateSucceeded:
		outcome.State = StateFailed
		outcome.Reason = ReasonResourceExceeded
		outcome.Exceeded = sandbox.ResourceTimeout
	case ctx.Err() != nil && outcome.State != StateSucceeded:
		outcome.State = StateCancelled
		outcome.Reason = ReasonCancelled
	}
	return normalize(outcome)
}

func normalize(o JobOutcome) JobOutcome {
	switch o.State {
	case StateSucceeded:
		o.Reason = ReasonNone
	case StateFailed, StateCancelled:
		if o.Reason == ReasonNone {
			o.Reason = ReasonJobFailed
			if o.State == StateCancelled {
				o.Reason = ReasonCancelled
			}
		}
	default:
		// Executors only report terminal run states.
		o.State = StateFailed
		o.Reason = ReasonJobFailed
		if o.Err == nil {
			o.Err = errors.New("executor returned no verdict")
		}
	}
	return o
}

// finish records a completion and returns the jobs it made ready.
func (r *run) finish(c completion) []string {
	jr := r.jobs[c.name]
	o := c.outcome

	jr.State = o.State
	jr.Reason = o.Reason
	jr.Exceeded = o.Exceeded
	jr.FailedStep = o.FailedStep
	jr.Steps = o.Steps
	jr.Output = o.Output
	jr.License = o.License
	jr.FinishedAt = c.ended
	if o.Err != nil {
		jr.Error = o.Err.Error()
	}
	msg := string(o.Reason)
	if jr.Error != "" {
		msg = jr.Error
	}
	jr.seal(LogEvent{At: c.ended, Type: LogEnd, Status: string(o.State), Message: msg})

	logger := log.WithJob(r.logger, c.name)
	attrs := []any{"state", o.State, "duration", c.ended.Sub(c.started)}
	if o.State == StateSucceeded {
		logger.Info("job finished", attrs...)
	} else {
		attrs = append(attrs, "reason", o.Reason, "exceeded", o.Exceeded, "error", jr.Error)
		logger.Warn("job finished", attrs...)
	}
	r.opts.Hub.Publish(r.opts.RunID, events.JobFinished, map[string]any{
		"job":    c.name,
		"state":  o.State,
		"reason": o.Reason,
	})

	if o.State != StateSucceeded {
		reason := ReasonDependency
		if o.State == StateCancelled {
			reason = ReasonCancelled
		}
		r.skipDependents(c.name, reason)
		return nil
	}

	var ready []string
	for _, succ := range r.g.Successors(c.name) {
		r.pending[succ]--
		if r.pending[succ] == 0 && r.jobs[succ].State == StatePending {
			r.jobs[succ].State = StateReady
			ready = append(ready, succ)
		}
	}
	return ready
}

func (r *run) skipDependents(name string, reason FailureReason) {
	for _, succ := range r.g.Successors(name) {
		jr := r.jobs[succ]
		if jr.State != StatePending {
			continue
		}
		r.skip(jr, reason, fmt.Sprintf("needs %s, which did not succeed", name))
		r.skipDependents(succ, reason)
	}
}

// abort skips every job that has not started yet.
func (r *run) abort(reason FailureReason, msg string) {
	for _, name := range r.g.Order() {
		jr := r.jobs[name]
		if jr.State == StatePending || jr.State == StateReady {
			r.skip(jr, reason, msg)
		}
	}
}

func (r *run) skip(jr *JobRun, reason FailureReason, msg string) {
	jr.State = StateSkipped
	jr.Reason = reason
	jr.appendEvent(LogEvent{At: time.Now().UTC(), Type: LogSkip, Status: string(StateSkipped), Message: msg})
	log.WithJob(r.logger, jr.Name).Info("job skipped", "reason", reason, "detail", msg)
	r.opts.Hub.Publish(r.opts.RunID, events.JobSkipped, map[string]any{"job": jr.Name, "reason": reason})
}

func (r *run) limitsFor(job workflow.JobSpec) workflow.ResourceLimits {
	limits := job.Limits
	if override, ok := r.opts.Limits[job.Name]; ok {
		limits = override.Merge(limits)
	}
	return limits.Merge(r.opts.DefaultLimits)
}

func (r *run) sortByDeclaration(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return r.jobs[names[i]].Index < r.jobs[names[j]].Index
	})
}
