package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mattjoyce/keel/internal/log"
	"github.com/mattjoyce/keel/internal/trigger"
	"github.com/mattjoyce/keel/internal/workflow"
)

// Handler runs one admitted event. *Orchestrator implements it.
type Handler interface {
	Handle(ctx context.Context, def *workflow.Definition, ev workflow.Event) (*Outcome, error)
}

// Supervisor runs events in the background and supersedes stale runs: a
// newer event for the same workflow and branch cancels the run still in
// flight for the older one.
type Supervisor struct {
	handler Handler
	logger  *slog.Logger
	// OnOutcome, when set, receives every finished run.
	OnOutcome func(*Outcome, error)

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inFlight map[string]*inFlightRun
	seq      uint64
	wg       sync.WaitGroup
}

type inFlightRun struct {
	seq    uint64
	cancel context.CancelFunc
}

func NewSupervisor(h Handler, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = log.WithComponent("supervisor")
	}
	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		handler:  h,
		logger:   logger,
		base:     base,
		cancel:   cancel,
		inFlight: make(map[string]*inFlightRun),
	}
}

// SupersedeKey identifies runs that replace each other. Pull requests are
// keyed by their source repository as well, so unrelated PRs against the
// same base branch do not cancel each other.
func SupersedeKey(def *workflow.Definition, ev workflow.Event) string {
	branch, _ := trigger.NormalizeBranch(ev.Branch)
	key := def.Name() + "|" + string(ev.Kind) + "|" + branch
	if ev.Kind == workflow.EventPullRequest {
		key += "|" + ev.HeadRepo
	}
	return key
}

// Submit starts def for ev in the background when one of its triggers
// admits the event. It returns false for events that do not match, and an
// error for malformed ones; neither disturbs runs already in flight.
func (s *Supervisor) Submit(def *workflow.Definition, ev workflow.Event) (bool, error) {
	matched, err := trigger.Evaluate(ev, def)
	if err != nil || !matched {
		return false, err
	}

	key := SupersedeKey(def, ev)
	ctx, cancel := context.WithCancel(s.base)

	s.mu.Lock()
	if s.base.Err() != nil {
		s.mu.Unlock()
		cancel()
		return false, s.base.Err()
	}
	s.seq++
	run := &inFlightRun{seq: s.seq, cancel: cancel}
	if prev, ok := s.inFlight[key]; ok {
		s.logger.Info("superseding in-flight run", "key", key)
		prev.cancel()
	}
	s.inFlight[key] = run
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer cancel()

		out, err := s.handler.Handle(ctx, def, ev)
		if err != nil {
			s.logger.Error("run failed to start", "key", key, "error", err)
		}

		s.mu.Lock()
		if cur, ok := s.inFlight[key]; ok && cur.seq == run.seq {
			delete(s.inFlight, key)
		}
		s.mu.Unlock()

		if s.OnOutcome != nil {
			s.OnOutcome(out, err)
		}
	}()
	return true, nil
}

// InFlight returns how many supersede keys have a current run.
func (s *Supervisor) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// Wait blocks until every submitted run has finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Close cancels all runs and waits for them.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}
