package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/keel/internal/auth"
	"github.com/mattjoyce/keel/internal/config"
	"github.com/mattjoyce/keel/internal/events"
	"github.com/mattjoyce/keel/internal/log"
	"github.com/mattjoyce/keel/internal/runstore"
	"github.com/mattjoyce/keel/internal/storage"
	"github.com/mattjoyce/keel/internal/workflow"
)

const adminKey = "admin-key"

type fakeSubmitter struct {
	started bool
	err     error
	got     []workflow.Event
}

func (f *fakeSubmitter) Submit(def *workflow.Definition, ev workflow.Event) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.got = append(f.got, ev)
	return f.started, nil
}

func (f *fakeSubmitter) InFlight() int { return len(f.got) }

type catalog []*workflow.Definition

func (c catalog) Definitions() []*workflow.Definition { return c }

type failingRuns struct{}

func (failingRuns) List(context.Context, runstore.Filter) ([]runstore.Run, error) {
	return nil, errors.New("disk on fire")
}

func (failingRuns) Get(context.Context, string) (*runstore.Run, error) {
	return nil, errors.New("disk on fire")
}

func newStore(t *testing.T) *runstore.Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "keel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return runstore.New(db)
}

func newCatalog(t *testing.T) catalog {
	t.Helper()
	def, err := workflow.Parse([]byte("name: ci\non: [{kind: push, branches: [main]}]\njobs:\n  build: {steps: [{name: b, run: make}]}\n"))
	require.NoError(t, err)
	return catalog{def}
}

func newServer(t *testing.T, runs RunReader, hub *events.Hub, sub Submitter) *Server {
	t.Helper()
	cfg := Config{
		Listen: "127.0.0.1:0",
		APIKey: adminKey,
		Tokens: []auth.Token{
			{Name: "reader", Secret: "reader", Scopes: []string{config.ScopeRunsRead}},
			{Name: "watcher", Secret: "watcher", Scopes: []string{config.ScopeEventsRead}},
			{Name: "trigger", Secret: "trigger", Scopes: []string{config.ScopeRunsWrite}},
		},
	}
	var cat Catalog
	if sub != nil {
		cat = newCatalog(t)
	}
	return New(cfg, runs, hub, sub, cat, log.Discard())
}

func do(t *testing.T, s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	sub := &fakeSubmitter{}
	s := newServer(t, newStore(t), nil, sub)

	rec := do(t, s, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.WorkflowsLoaded)
	assert.Zero(t, resp.RunsInFlight)
}

func TestAuthAndScopes(t *testing.T) {
	s := newServer(t, newStore(t), events.NewHub(8), nil)

	rec := do(t, s, http.MethodGet, "/runs", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodGet, "/runs", "bogus", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid API key"}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/runs", "watcher", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodGet, "/runs", "reader", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/runs", adminKey, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/workflows/ci/runs", "reader", `{}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListAndGetRuns(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	s := newServer(t, store, nil, nil)

	ciID, err := store.Begin(ctx, runstore.BeginRequest{Workflow: "ci", EventKind: "push", Branch: "main", HeadSha: "abcd1234"})
	require.NoError(t, err)
	require.NoError(t, store.Finish(ctx, ciID, runstore.StatusSucceeded, ""))
	_, err = store.Begin(ctx, runstore.BeginRequest{Workflow: "docs", EventKind: "push", Branch: "dev"})
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/runs", "reader", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all RunsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&all))
	assert.Equal(t, 2, all.Count)

	rec = do(t, s, http.MethodGet, "/runs?workflow=ci&status=succeeded", "reader", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var filtered RunsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&filtered))
	require.Equal(t, 1, filtered.Count)
	assert.Equal(t, ciID, filtered.Runs[0].ID)

	rec = do(t, s, http.MethodGet, "/runs?branch=feature", "reader", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"runs":[]`)

	rec = do(t, s, http.MethodGet, "/runs/"+ciID, "reader", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var run runstore.Run
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&run))
	assert.Equal(t, "ci", run.Workflow)
	assert.Equal(t, runstore.StatusSucceeded, run.Status)
	assert.NotNil(t, run.CompletedAt)

	rec = do(t, s, http.MethodGet, "/runs/missing", "reader", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRunsRejectsBadFilters(t *testing.T) {
	s := newServer(t, newStore(t), nil, nil)

	for _, q := range []string{"status=exploded", "limit=0", "limit=ten"} {
		rec := do(t, s, http.MethodGet, "/runs?"+q, adminKey, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestStoreErrors(t *testing.T) {
	s := newServer(t, failingRuns{}, nil, nil)

	rec := do(t, s, http.MethodGet, "/runs", adminKey, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")

	rec = do(t, s, http.MethodGet, "/runs/r1", adminKey, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTrigger(t *testing.T) {
	sub := &fakeSubmitter{started: true}
	s := newServer(t, newStore(t), nil, sub)
	body := `{"kind":"push","branch":"main","headSha":"abcd1234"}`

	rec := do(t, s, http.MethodPost, "/workflows/ci/runs", "trigger", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp TriggerResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Started)
	assert.Equal(t, "ci", resp.Workflow)
	require.Len(t, sub.got, 1)
	assert.Equal(t, "abcd1234", sub.got[0].HeadSha)

	sub.started = false
	rec = do(t, s, http.MethodPost, "/workflows/ci/runs", "trigger", body)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/workflows/nope/runs", "trigger", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/workflows/ci/runs", "trigger", `{"kind":"tag","branch":"main"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/workflows/ci/runs", "trigger", `{"kind":"push","branch":"main","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	sub.err = errors.New("supervisor closed")
	rec = do(t, s, http.MethodPost, "/workflows/ci/runs", "trigger", body)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTriggerDisabled(t *testing.T) {
	s := newServer(t, newStore(t), nil, nil)
	rec := do(t, s, http.MethodPost, "/workflows/ci/runs", adminKey, `{"kind":"push","branch":"main"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOpenAPI(t *testing.T) {
	s := newServer(t, newStore(t), nil, &fakeSubmitter{})
	rec := do(t, s, http.MethodGet, "/openapi.json", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
	assert.Equal(t, "3.1.0", doc["openapi"])
	paths := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "/runs")
	assert.Contains(t, paths, "/runs/{runID}")
	assert.Contains(t, paths, "/workflows/ci/runs")
}

func TestEventsStreamReplaysAndFollows(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish("r1", events.PipelineStarted, nil)
	hub.Publish("r1", events.JobStarted, map[string]string{"job": "build"})

	s := newServer(t, newStore(t), hub, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer watcher")
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	next := func() []string {
		var frame []string
		for sc.Scan() {
			line := sc.Text()
			if line == "" {
				return frame
			}
			frame = append(frame, line)
		}
		return frame
	}

	assert.Equal(t, []string{"id: 2", "event: job.started", `data: {"job":"build"}`}, next())

	hub.Publish("r1", events.JobFinished, map[string]string{"job": "build"})
	assert.Equal(t, []string{"id: 3", "event: job.finished", `data: {"job":"build"}`}, next())
}

func TestEventsFilterByRun(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish("r1", events.JobStarted, map[string]string{"job": "build"})
	hub.Publish("r2", events.JobStarted, map[string]string{"job": "lint"})

	s := newServer(t, newStore(t), hub, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?run=r2", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer watcher")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() && sc.Text() != "" {
		lines = append(lines, sc.Text())
	}
	assert.Equal(t, []string{"id: 2", "event: job.started", `data: {"job":"lint"}`}, lines)
}

func TestEventsRequiresHub(t *testing.T) {
	s := newServer(t, newStore(t), nil, nil)
	rec := do(t, s, http.MethodGet, "/events", adminKey, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}

func TestFromGlobalConfig(t *testing.T) {
	cfg := FromGlobalConfig(config.APIConfig{
		Listen: ":8080",
		Auth: config.APIAuthConfig{
			APIKey: "k",
			Tokens: []config.APIToken{
				{Token: "t", Scopes: []string{config.ScopeRunsRead}},
				{Name: "ci", Token: "u", Scopes: []string{config.ScopeRunsWrite}},
			},
		},
	})
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "k", cfg.APIKey)
	assert.Equal(t, []auth.Token{
		{Name: "token-0", Secret: "t", Scopes: []string{"runs:read"}},
		{Name: "ci", Secret: "u", Scopes: []string{"runs:write"}},
	}, cfg.Tokens)
}
