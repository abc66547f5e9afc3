package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/keel/internal/cache"
	"github.com/mattjoyce/keel/internal/events"
	"github.com/mattjoyce/keel/internal/graph"
	"github.com/mattjoyce/keel/internal/log"
	"github.com/mattjoyce/keel/internal/runstore"
	"github.com/mattjoyce/keel/internal/sandbox"
	"github.com/mattjoyce/keel/internal/scheduler"
	"github.com/mattjoyce/keel/internal/source"
	"github.com/mattjoyce/keel/internal/storage"
	"github.com/mattjoyce/keel/internal/workflow"
	"github.com/mattjoyce/keel/internal/workspace"
)

const docBuildTest = `
name: ci
on:
  - kind: push
    branches: [main]
  - kind: pull_request
    branches: [main]
jobs:
  doc:
    steps:
      - name: generate
        run: mkdir -p docs && echo "api docs" > docs/index.md && cat docs/index.md
  build:
    steps:
      - name: compile
        run: mkdir -p bin && cp src/main.txt bin/app && echo built
        cache:
          key: build
          inputs: ["src/**"]
          paths: [bin]
  test:
    needs: [build]
    steps:
      - name: unit
        run: test -f src/main.txt && echo ok
  licenses:
    kind: license
    license:
      manifest: deps.yaml
      allow: [MIT, Apache-2.0]
`

var pushMain = workflow.Event{Kind: workflow.EventPush, Branch: "refs/heads/main", HeadSha: "abcd1234"}

type harness struct {
	orch  *Orchestrator
	store *runstore.Store
	db    *sql.DB
	src   string
	work  string
	hub   *events.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()

	src := filepath.Join(root, "src")
	writeFile(t, src, "src/main.txt", "hello\n")
	writeFile(t, src, "deps.yaml", "dependencies:\n  - {name: left-pad, version: 1.3.0, license: MIT}\n")

	work := filepath.Join(root, "work")
	ws, err := workspace.NewFSManager(work, workspace.CloneHardLink)
	require.NoError(t, err)

	backend, err := cache.NewFSBackend(filepath.Join(root, "cache"))
	require.NoError(t, err)

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(root, "keel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := runstore.New(db)

	hub := events.NewHub(512)
	orch, err := New(Config{
		Workspaces:  ws,
		Fetcher:     source.StaticFetcher{Dir: src},
		Executors:   sandbox.NewRouter(map[string]sandbox.Executor{workflow.RunnerShell: sandbox.NewProcessExecutor()}),
		Cache:       cache.NewProvider(backend),
		Store:       store,
		Hub:         hub,
		Concurrency: 2,
		DefaultLimits: workflow.ResourceLimits{
			Timeout: time.Minute,
		},
		GracePeriod: time.Second,
		Logger:      log.Discard(),
	})
	require.NoError(t, err)
	return &harness{orch: orch, store: store, db: db, src: src, work: work, hub: hub}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func mustParse(t *testing.T, y string) *workflow.Definition {
	t.Helper()
	def, err := workflow.Parse([]byte(y))
	require.NoError(t, err)
	return def
}

func TestHandleDocBuildTest(t *testing.T) {
	h := newHarness(t)
	def := mustParse(t, docBuildTest)
	ctx := context.Background()

	out, err := h.orch.Handle(ctx, def, pushMain)
	require.NoError(t, err)
	require.True(t, out.Matched)
	require.NotNil(t, out.Result)
	assert.Equal(t, "succeeded", out.Status())
	assert.LessOrEqual(t, out.Result.PeakRunning, 2)
	assert.Empty(t, out.Violations())
	assert.NotEmpty(t, out.Fingerprint)

	build, _ := out.Result.Job("build")
	test, _ := out.Result.Job("test")
	assert.False(t, test.StartedAt.Before(build.FinishedAt), "test must start after build finished")
	require.Len(t, build.Steps, 1)
	assert.False(t, build.Steps[0].CacheHit())
	assert.True(t, build.Steps[0].Saved)
	assert.Contains(t, string(build.Output), "built")

	doc, _ := out.Result.Job("doc")
	assert.Contains(t, string(doc.Output), "api docs")

	lic, _ := out.Result.Job("licenses")
	assert.Equal(t, workflow.CheckoutHead, lic.Checkout)
	require.NotNil(t, lic.License)
	assert.True(t, lic.License.Pass)

	// Run directories are removed afterwards.
	_, err = os.Stat(filepath.Join(h.work, out.RunID))
	assert.True(t, os.IsNotExist(err))

	run, err := h.store.Get(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusSucceeded, run.Status)
	assert.Equal(t, out.Fingerprint, run.Fingerprint)
	assert.Equal(t, "main", run.Branch)
	assert.Len(t, run.Jobs, 4)

	// Same sources again: the build step is served from the cache.
	again, err := h.orch.Handle(ctx, def, pushMain)
	require.NoError(t, err)
	build2, _ := again.Result.Job("build")
	require.Len(t, build2.Steps, 1)
	assert.True(t, build2.Steps[0].CacheHit())
	assert.Equal(t, build.Steps[0].CacheKey, build2.Steps[0].CacheKey)
	assert.NotEqual(t, out.RunID, again.RunID)

	var finished int
	for _, ev := range h.hub.Snapshot(events.Filter{}) {
		if ev.Type == events.PipelineFinished {
			finished++
		}
	}
	assert.Equal(t, 2, finished)

	first := h.hub.Snapshot(events.Filter{RunID: out.RunID})
	require.NotEmpty(t, first)
	assert.Equal(t, events.PipelineStarted, first[0].Type)
	assert.Equal(t, events.PipelineFinished, first[len(first)-1].Type)
}

func TestHandleJobFailureSkipsDependents(t *testing.T) {
	h := newHarness(t)
	def := mustParse(t, `
name: ci
on: [{kind: push, branches: [main]}]
jobs:
  doc:
    steps: [{name: generate, run: echo docs}]
  build:
    steps:
      - {name: deps, run: echo fetching}
      - name: compile
        run: 'echo "undefined: x" >&2; exit 3'
      - {name: never, run: touch never-ran}
  test:
    needs: [build]
    steps: [{name: unit, run: echo ok}]
`)
	out, err := h.orch.Handle(context.Background(), def, pushMain)
	require.NoError(t, err)
	assert.Equal(t, "failed", out.Status())
	assert.Equal(t, []string{"build"}, out.Result.Failed)
	assert.Equal(t, []string{"test"}, out.Result.Skipped)

	build, _ := out.Result.Job("build")
	assert.Equal(t, scheduler.ReasonJobFailed, build.Reason)
	assert.Equal(t, 1, build.FailedStep)
	require.Len(t, build.Steps, 2)
	assert.Equal(t, 3, build.Steps[1].ExitCode)
	assert.Contains(t, build.Error, "exited with code 3")
	assert.Contains(t, string(build.Output), "undefined: x")

	doc, _ := out.Result.Job("doc")
	assert.Equal(t, scheduler.StateSucceeded, doc.State)

	run, err := h.store.Get(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusFailed, run.Status)
	require.NotNil(t, run.Jobs[1].ExitCode)
	assert.Equal(t, 3, *run.Jobs[1].ExitCode)
}

func TestHandleLicenseViolation(t *testing.T) {
	h := newHarness(t)
	writeFile(t, h.src, "deps.yaml", "dependencies:\n  - {name: readline, version: 8.2.0, license: GPL-3.0-only}\n  - {name: zlib, version: 1.3.0, license: MIT}\n")
	def := mustParse(t, `
name: ci
on: [{kind: pull_request, branches: [main]}]
jobs:
  build:
    steps: [{name: compile, run: echo built}]
  licenses:
    kind: license
    license:
      manifest: deps.yaml
      allow: [MIT]
`)
	ev := workflow.Event{
		Kind: workflow.EventPullRequest, Action: workflow.ActionOpened, Branch: "main",
		HeadRepo: "https://example.com/fork/app.git", HeadSha: "beef0001",
		BaseRepo: "https://example.com/org/app.git", BaseSha: "cafe0002",
	}
	out, err := h.orch.Handle(context.Background(), def, ev)
	require.NoError(t, err)
	assert.Equal(t, "failed", out.Status())

	lic, _ := out.Result.Job("licenses")
	assert.Equal(t, scheduler.ReasonLicenseViolation, lic.Reason)
	violations := out.Violations()
	require.Len(t, violations, 1)
	assert.Equal(t, "readline", violations[0].Package)

	build, _ := out.Result.Job("build")
	assert.Equal(t, scheduler.StateSucceeded, build.State)
}

func TestHandleNotMatched(t *testing.T) {
	h := newHarness(t)
	def := mustParse(t, docBuildTest)
	out, err := h.orch.Handle(context.Background(), def, workflow.Event{Kind: workflow.EventPush, Branch: "dev"})
	require.NoError(t, err)
	assert.False(t, out.Matched)
	assert.Equal(t, "not_matched", out.Status())
	assert.Empty(t, out.RunID)

	runs, err := h.store.List(context.Background(), runstore.Filter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestHandleRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Handle(ctx, mustParse(t, docBuildTest), workflow.Event{Kind: "tag", Branch: "main"})
	assert.ErrorIs(t, err, workflow.ErrInvalidEvent)

	cyclic := mustParse(t, `
name: loop
on: [{kind: push, branches: [main]}]
jobs:
  a: {needs: [b], steps: [{name: a, run: "true"}]}
  b: {needs: [a], steps: [{name: b, run: "true"}]}
`)
	_, err = h.orch.Handle(ctx, cyclic, pushMain)
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrCyclicDependency))

	runs, err := h.store.List(ctx, runstore.Filter{Workflow: "loop"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runstore.StatusErrored, runs[0].Status)
	assert.Contains(t, runs[0].Reason, "cyclic")
}

func TestHandleCancelled(t *testing.T) {
	h := newHarness(t)
	def := mustParse(t, `
name: ci
on: [{kind: push, branches: [main]}]
jobs:
  slow:
    checkout: none
    steps: [{name: sleep, run: sleep 30}]
  after:
    needs: [slow]
    checkout: none
    steps: [{name: never, run: "true"}]
`)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	begin := time.Now()
	out, err := h.orch.Handle(ctx, def, pushMain)
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), 10*time.Second)
	assert.Equal(t, "cancelled", out.Status())
	assert.Equal(t, []string{"after"}, out.Result.Skipped)

	run, err := h.store.Get(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusCancelled, run.Status)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

// blockingHandler parks every run until its context ends.
type blockingHandler struct {
	mu      sync.Mutex
	started chan string
	ended   []string
}

func (b *blockingHandler) Handle(ctx context.Context, def *workflow.Definition, ev workflow.Event) (*Outcome, error) {
	b.started <- ev.HeadSha
	<-ctx.Done()
	b.mu.Lock()
	b.ended = append(b.ended, ev.HeadSha)
	b.mu.Unlock()
	return &Outcome{Workflow: def.Name(), Event: ev, Matched: true}, nil
}

func TestSupervisorSupersedes(t *testing.T) {
	h := &blockingHandler{started: make(chan string, 4)}
	sup := NewSupervisor(h, log.Discard())

	var outcomes sync.WaitGroup
	outcomes.Add(3)
	sup.OnOutcome = func(*Outcome, error) { outcomes.Done() }

	def := mustParse(t, docBuildTest)
	first := workflow.Event{Kind: workflow.EventPush, Branch: "main", HeadSha: "aaaa0001"}
	second := workflow.Event{Kind: workflow.EventPush, Branch: "main", HeadSha: "aaaa0002"}
	pr := workflow.Event{Kind: workflow.EventPullRequest, Action: "opened", Branch: "main", HeadRepo: "fork", HeadSha: "bbbb0001"}

	ok, err := sup.Submit(def, first)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "aaaa0001", <-h.started)

	ok, err = sup.Submit(def, second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "aaaa0002", <-h.started)

	ok, err = sup.Submit(def, pr)
	require.NoError(t, err)
	require.True(t, ok)
	<-h.started

	// The first run was cancelled by the second; the others keep going.
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.ended) == 1
	}, 2*time.Second, 10*time.Millisecond)
	h.mu.Lock()
	assert.Equal(t, []string{"aaaa0001"}, h.ended)
	h.mu.Unlock()
	assert.Equal(t, 2, sup.InFlight())

	// Unmatched and malformed events leave runs alone.
	ok, err = sup.Submit(def, workflow.Event{Kind: workflow.EventPush, Branch: "dev"})
	assert.NoError(t, err)
	assert.False(t, ok)
	_, err = sup.Submit(def, workflow.Event{Kind: workflow.EventPush})
	assert.ErrorIs(t, err, workflow.ErrInvalidEvent)
	assert.Equal(t, 2, sup.InFlight())

	sup.Close()
	outcomes.Wait()
	assert.Equal(t, 0, sup.InFlight())

	ok, err = sup.Submit(def, first)
	assert.Error(t, err)
	assert.False(t, ok)
}
