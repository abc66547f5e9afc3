package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/keel/internal/report"
	"github.com/mattjoyce/keel/internal/runstore"
	"github.com/mattjoyce/keel/internal/workflow"
)

const ciWorkflow = `
name: ci
on:
  - kind: push
    branches: [main]
  - kind: pull_request
    branches: [main]
    actions: [opened, synchronize]
jobs:
  doc:
    steps:
      - name: generate
        run: echo docs
  build:
    steps:
      - name: compile
        run: mkdir -p bin && cp src/main.txt bin/app
        cache:
          key: build
          inputs: ["src/**"]
          paths: [bin]
  test:
    needs: [build]
    steps:
      - name: unit
        run: test -f bin/app || test -f src/main.txt
  licenses:
    kind: license
    license:
      manifest: deps.yaml
      allow: [MIT]
`

type project struct {
	root     string
	config   string
	workdir  string
	workflow string
}

func newProject(t *testing.T) *project {
	t.Helper()
	root := t.TempDir()
	p := &project{
		root:     root,
		config:   filepath.Join(root, "config.yaml"),
		workdir:  filepath.Join(root, "src"),
		workflow: filepath.Join(root, "workflows", "ci.yaml"),
	}
	write(t, p.config, `
state: {path: data/keel.db}
workspace: {dir: data/workspaces}
cache: {dir: data/cache}
workflows_dir: workflows
scheduler:
  concurrency: 2
  grace_period: 1s
  limits: {timeout: 1m}
`)
	write(t, p.workflow, ciWorkflow)
	write(t, filepath.Join(p.workdir, "src", "main.txt"), "hello\n")
	write(t, filepath.Join(p.workdir, "deps.yaml"), "dependencies:\n  - {name: left-pad, version: 1.3.0, license: MIT}\n")
	return p
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (p *project) event(t *testing.T, ev string) string {
	t.Helper()
	path := filepath.Join(p.root, "event.json")
	write(t, path, ev)
	return path
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := execute(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (p *project) run(t *testing.T, ev string, extra ...string) (int, string, string) {
	t.Helper()
	args := []string{"--config", p.config, "run", p.workflow, "--event", p.event(t, ev), "--workdir", p.workdir, "--no-color"}
	return run(append(args, extra...)...)
}

const pushMain = `{"kind":"push","branch":"main","headSha":"abcd1234"}`

func TestRunSucceeds(t *testing.T) {
	p := newProject(t)

	code, stdout, stderr := p.run(t, pushMain, "--format", "json", "--concurrency", "2")
	require.Equal(t, report.ExitOK, code, stderr)

	var rep report.Report
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	assert.Equal(t, "succeeded", rep.Status)
	assert.Equal(t, "ci", rep.Workflow)
	assert.Len(t, rep.Jobs, 4)
	assert.LessOrEqual(t, rep.PeakRunning, 2)

	// The second run restores build from the cache.
	code, stdout, _ = p.run(t, pushMain, "--format", "json")
	require.Equal(t, report.ExitOK, code)
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	for _, j := range rep.Jobs {
		if j.Name == "build" {
			assert.Equal(t, 1, j.CacheHits)
		}
	}

	code, stdout, _ = run("--config", p.config, "runs", "list", "--json")
	require.Equal(t, report.ExitOK, code)
	var runs []runstore.Run
	require.NoError(t, json.Unmarshal([]byte(stdout), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, runstore.StatusSucceeded, runs[0].Status)

	code, stdout, _ = run("--config", p.config, "runs", "show", runs[0].ID)
	require.Equal(t, report.ExitOK, code)
	assert.Contains(t, stdout, "build")

	code, stdout, _ = run("--config", p.config, "cache", "stats")
	require.Equal(t, report.ExitOK, code)
	assert.Contains(t, stdout, "Entries")
}

func TestRunTextReport(t *testing.T) {
	p := newProject(t)
	code, stdout, _ := p.run(t, pushMain)
	require.Equal(t, report.ExitOK, code)
	assert.Contains(t, stdout, "succeeded")
	assert.Contains(t, stdout, "licenses")
}

func TestRunByWorkflowName(t *testing.T) {
	p := newProject(t)
	code, _, stderr := run("--config", p.config, "run", "ci", "--event", p.event(t, pushMain), "--workdir", p.workdir)
	assert.Equal(t, report.ExitOK, code, stderr)

	code, _, stderr = run("--config", p.config, "run", "missing", "--event", p.event(t, pushMain), "--workdir", p.workdir)
	assert.Equal(t, report.ExitConfig, code)
	assert.Contains(t, stderr, "missing")
}

func TestRunNotMatched(t *testing.T) {
	p := newProject(t)
	code, stdout, _ := p.run(t, `{"kind":"push","branch":"feature/x"}`)
	assert.Equal(t, report.ExitOK, code)
	assert.NotContains(t, stdout, "licenses")
}

func TestRunJobFailure(t *testing.T) {
	p := newProject(t)
	write(t, p.workflow, `
name: ci
on: [{kind: push, branches: [main]}]
jobs:
  build:
    steps:
      - {name: compile, run: exit 3}
  test:
    needs: [build]
    steps:
      - {name: unit, run: echo never}
`)
	code, stdout, _ := p.run(t, pushMain, "--format", "json")
	require.Equal(t, report.ExitJobFailed, code)

	var rep report.Report
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	assert.Equal(t, "failed", rep.Status)
	for _, j := range rep.Jobs {
		if j.Name == "test" {
			assert.Equal(t, "skipped", j.State)
		}
	}
}

func TestRunLicenseViolation(t *testing.T) {
	p := newProject(t)
	write(t, filepath.Join(p.workdir, "deps.yaml"),
		"dependencies:\n  - {name: left-pad, version: 1.3.0, license: MIT}\n  - {name: readline, version: 8.2.0, license: GPL-3.0-only}\n")

	code, stdout, _ := p.run(t, pushMain)
	assert.Equal(t, report.ExitLicenseViolation, code)
	assert.Contains(t, stdout, "readline")

	// Allowing the license on the command line clears the gate.
	code, _, stderr := p.run(t, pushMain, "--allow", "GPL-3.0-only")
	assert.Equal(t, report.ExitOK, code, stderr)
}

func TestRunGraphAndInputErrors(t *testing.T) {
	p := newProject(t)

	code, _, _ := p.run(t, `{"kind":"tag","branch":"main"}`)
	assert.Equal(t, report.ExitConfig, code)

	code, _, _ = p.run(t, pushMain, "--format", "yaml")
	assert.Equal(t, report.ExitInternal, code)

	code, _, _ = p.run(t, pushMain, "--concurrency", "0")
	assert.Equal(t, report.ExitConfig, code)

	write(t, p.workflow, `
name: ci
on: [{kind: push, branches: [main]}]
jobs:
  a: {needs: [b], steps: [{name: a, run: "true"}]}
  b: {needs: [a], steps: [{name: b, run: "true"}]}
`)
	code, _, stderr := p.run(t, pushMain)
	assert.Equal(t, report.ExitConfig, code)
	assert.Contains(t, stderr, "cyclic")
}

func TestRunRequiresEvent(t *testing.T) {
	p := newProject(t)
	code, _, stderr := run("--config", p.config, "run", p.workflow)
	assert.Equal(t, report.ExitInternal, code)
	assert.Contains(t, stderr, "event")
}

func TestCheck(t *testing.T) {
	p := newProject(t)
	code, stdout, stderr := run("--config", p.config, "check")
	require.Equal(t, report.ExitOK, code, stderr)
	assert.Contains(t, stdout, "fingerprint")
	assert.Contains(t, stdout, "needs=build")
	assert.Contains(t, stdout, "checkout=head")
	assert.Contains(t, stdout, "warning:")

	write(t, p.workflow, "name: ci\non: [{kind: push, branches: [main]}]\njobs:\n  a: {needs: [ghost], steps: [{name: a, run: x}]}\n")
	code, _, _ = run("--config", p.config, "check", p.workflow)
	assert.Equal(t, report.ExitConfig, code)
}

func TestConfigCommands(t *testing.T) {
	p := newProject(t)

	code, stdout, _ := run("--config", p.config, "config", "get", "scheduler.concurrency")
	require.Equal(t, report.ExitOK, code)
	assert.Equal(t, "2", strings.TrimSpace(stdout))

	code, _, _ = run("--config", p.config, "config", "get", "scheduler.nope")
	assert.Equal(t, report.ExitConfig, code)

	code, stdout, _ = run("--config", p.config, "config", "lock")
	require.Equal(t, report.ExitOK, code)
	assert.Contains(t, stdout, "workflows/ci.yaml")
	assert.Contains(t, stdout, "wrote")

	code, stdout, stderr := run("--config", p.config, "config", "check")
	require.Equal(t, report.ExitOK, code, stderr)
	assert.Contains(t, stdout, "ok")

	// An edited config is refused until it is locked again.
	write(t, p.config, "state: {path: data/keel.db}\nworkflows_dir: workflows\nscheduler: {concurrency: 3}\n")
	code, _, stderr = run("--config", p.config, "config", "check")
	assert.Equal(t, report.ExitConfig, code)
	assert.Contains(t, stderr, "hash mismatch")

	code, _, _ = run("--config", p.config, "config", "lock")
	require.Equal(t, report.ExitOK, code)
	code, stdout, _ = run("--config", p.config, "config", "get", "scheduler.concurrency")
	require.Equal(t, report.ExitOK, code)
	assert.Equal(t, "3", strings.TrimSpace(stdout))
}

func TestConfigShowRedacts(t *testing.T) {
	p := newProject(t)
	write(t, p.config, "state: {path: data/keel.db}\nworkflows_dir: workflows\nsource: {token: ghp_secret}\n")

	code, stdout, _ := run("--config", p.config, "config", "show")
	require.Equal(t, report.ExitOK, code)
	assert.NotContains(t, stdout, "ghp_secret")
	assert.Contains(t, stdout, "********")
}

func TestServeNeedsSomethingToServe(t *testing.T) {
	p := newProject(t)
	code, _, stderr := run("--config", p.config, "serve")
	assert.Equal(t, report.ExitConfig, code)
	assert.Contains(t, stderr, "nothing to serve")
}

func TestCachePruneNeedsRetention(t *testing.T) {
	p := newProject(t)
	write(t, p.config, "state: {path: data/keel.db}\nworkflows_dir: workflows\ncache: {dir: data/cache, retention: 0s}\n")
	code, _, _ := run("--config", p.config, "cache", "prune")
	assert.Equal(t, report.ExitConfig, code)

	code, stdout, _ := run("--config", p.config, "cache", "prune", "--older-than", "1h")
	require.Equal(t, report.ExitOK, code)
	assert.Contains(t, stdout, "pruned 0 entries")
}

func TestVersion(t *testing.T) {
	code, stdout, _ := run("version", "--json")
	require.Equal(t, report.ExitOK, code)
	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, version, info.Version)
}

func TestExtendAllow(t *testing.T) {
	def, err := workflow.Parse([]byte(ciWorkflow))
	require.NoError(t, err)

	extended, err := extendAllow(def, []string{"Apache-2.0", "MIT"})
	require.NoError(t, err)
	job, ok := extended.Job("licenses")
	require.True(t, ok)
	assert.Equal(t, []string{"MIT", "Apache-2.0"}, job.License.Allow)

	orig, _ := def.Job("licenses")
	assert.Equal(t, []string{"MIT"}, orig.License.Allow)
}

func TestNormalizeBuildTime(t *testing.T) {
	got, ok := normalizeBuildTimeUTC("2026-01-02T03:04:05+02:00")
	require.True(t, ok)
	assert.Equal(t, "2026-01-02T01:04:05Z", got)
	_, ok = normalizeBuildTimeUTC("unknown")
	assert.False(t, ok)
	assert.Equal(t, "abcdef123456", shortenCommit("abcdef1234567890"))
}
