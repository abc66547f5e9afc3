package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func noEnv() envconfig.Lookuper { return envconfig.MapLookuper(map[string]string{}) }

func TestLoadEmptyUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")

	cfg, err := LoadWith(context.Background(), path, noEnv())
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Service.LogLevel)
	assert.Equal(t, runtime.NumCPU(), cfg.Scheduler.Concurrency)
	assert.Equal(t, time.Hour, cfg.Scheduler.Limits.Timeout)
	assert.Equal(t, filepath.Join(dir, "data", "keel.db"), cfg.State.Path)
	assert.Equal(t, filepath.Join(dir, "workflows"), cfg.WorkflowsDir)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, Checksum(nil), cfg.Checksum)
}

func TestLoadFileInterpolationAndEnv(t *testing.T) {
	t.Setenv("KEEL_TEST_SECRET", "s3cret")
	dir := t.TempDir()
	path := writeConfig(t, dir, `
service:
  log_level: debug
cache:
  backend: sqlite
  memory: 64MiB
scheduler:
  concurrency: 3
  grace_period: 2s
  limits:
    timeout: 10m
    max_output: 2MiB
workspace:
  clone: copy
  dir: /var/lib/keel/ws
actions_dirs: [actions]
webhooks:
  listen: 127.0.0.1:9000
  endpoints:
    - path: /hooks/github
      secret: ${KEEL_TEST_SECRET}
      max_body_size: 2MB
`)

	env := envconfig.MapLookuper(map[string]string{
		"KEEL_CONCURRENCY": "8",
		"KEEL_GIT_TOKEN":   "ghp_token",
	})
	cfg, err := LoadWith(context.Background(), dir, env)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Service.LogLevel)
	assert.Equal(t, "sqlite", cfg.Cache.Backend)
	assert.EqualValues(t, 64<<20, cfg.Cache.Memory)
	assert.Equal(t, 8, cfg.Scheduler.Concurrency, "environment wins over the file")
	assert.Equal(t, 2*time.Second, cfg.Scheduler.GracePeriod)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.Limits.Timeout)
	assert.EqualValues(t, 2<<20, cfg.Scheduler.Limits.MaxOutputBytes)
	assert.Equal(t, "copy", cfg.Workspace.Clone)
	assert.Equal(t, "/var/lib/keel/ws", cfg.Workspace.Dir)
	assert.Equal(t, []string{filepath.Join(dir, "actions")}, cfg.ActionsDirs)
	assert.Equal(t, "ghp_token", cfg.Source.Token)
	require.NotNil(t, cfg.Webhooks)
	assert.Equal(t, "s3cret", cfg.Webhooks.Endpoints[0].Secret)
	assert.Equal(t, path, cfg.Path)
}

func TestLoadDefaults(t *testing.T) {
	base := t.TempDir()
	cfg, err := LoadDefaults(context.Background(), base, envconfig.MapLookuper(map[string]string{
		"KEEL_CACHE_DIR": "shared-cache",
	}))
	require.NoError(t, err)
	assert.Empty(t, cfg.Path)
	assert.Equal(t, filepath.Join(base, "shared-cache"), cfg.Cache.Dir)
	assert.Equal(t, filepath.Join(base, "data", "keel.db"), cfg.State.Path)

	_, err = LoadDefaults(context.Background(), base, envconfig.MapLookuper(map[string]string{
		"KEEL_CONCURRENCY": "0",
	}))
	assert.Error(t, err)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "service:\n  tick_interval: 5s\n")
	_, err := LoadWith(context.Background(), path, noEnv())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tick_interval")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadWith(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"), noEnv())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad log level", "service: {log_level: loud}", "service.log_level"},
		{"bad clone mode", "workspace: {clone: reflink}", "workspace.clone"},
		{"bad backend", "cache: {backend: s3}", "cache.backend"},
		{"redis without url", "cache: {backend: redis}", "cache.redis_url"},
		{"zero concurrency", "scheduler: {concurrency: 0}", "scheduler.concurrency"},
		{"api without auth", "api: {enabled: true}", "api.auth"},
		{"bad scope", "api: {enabled: true, auth: {tokens: [{token: abc, scopes: [admin]}]}}", "unknown scope"},
		{"webhook relative path", "webhooks: {listen: ':9000', endpoints: [{path: hooks, secret: x}]}", "must start with /"},
		{"webhook unset secret", "webhooks: {listen: ':9000', endpoints: [{path: /h, secret: '${KEEL_NOT_SET_ANYWHERE}'}]}", "unset variable"},
		{"webhook duplicate", "webhooks: {listen: ':9000', endpoints: [{path: /h, secret: x}, {path: /h, secret: y}]}", "duplicate path"},
		{"webhook bad size", "webhooks: {listen: ':9000', endpoints: [{path: /h, secret: x, max_body_size: lots}]}", "max_body_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.yaml)
			_, err := LoadWith(context.Background(), path, noEnv())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "service: {log_level: loud}\nscheduler: {concurrency: -1}\n")
	_, err := LoadWith(context.Background(), path, noEnv())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service.log_level")
	assert.Contains(t, err.Error(), "scheduler.concurrency")
}

func TestLockAndVerify(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "service: {log_level: warn}\n")
	wfDir := filepath.Join(dir, "workflows")
	require.NoError(t, os.MkdirAll(wfDir, 0o755))
	wf := filepath.Join(wfDir, "ci.yaml")
	require.NoError(t, os.WriteFile(wf, []byte("name: ci\n"), 0o644))

	// No manifest: loads, integrity only warns.
	_, err := LoadWith(context.Background(), path, noEnv())
	require.NoError(t, err)
	res, err := VerifyIntegrity(dir, nil)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Len(t, res.Warnings, 1)

	dry, err := Lock(dir, []string{path, wf}, true)
	require.NoError(t, err)
	assert.False(t, dry.Written)
	assert.Contains(t, dry.Hashes, "workflows/ci.yaml")
	_, err = os.Stat(filepath.Join(dir, ChecksumFile))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	report, err := Lock(dir, []string{path, wf}, false)
	require.NoError(t, err)
	assert.True(t, report.Written)

	_, err = LoadWith(context.Background(), path, noEnv())
	require.NoError(t, err)
	res, err = VerifyIntegrity(dir, []string{wf, filepath.Join(wfDir, "new.yaml")})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Len(t, res.Warnings, 1)

	// Tampering with a pinned file fails both checks.
	require.NoError(t, os.WriteFile(path, []byte("service: {log_level: debug}\n"), 0o644))
	_, err = LoadWith(context.Background(), path, noEnv())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")

	unlocked, err := LoadUnlocked(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "debug", unlocked.Service.LogLevel)

	require.NoError(t, os.WriteFile(wf, []byte("name: evil\n"), 0o644))
	res, err = VerifyIntegrity(dir, nil)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Len(t, res.Errors, 2)

	_, err = Lock(dir, []string{filepath.Join(t.TempDir(), "x.yaml")}, true)
	assert.Error(t, err)
}

func TestGetPathAndRedacted(t *testing.T) {
	cfg := Defaults()
	cfg.Source.Token = "ghp_secret"
	cfg.Webhooks = &WebhooksConfig{Listen: ":9000", Endpoints: []WebhookEndpoint{{Path: "/gh", Secret: "hook"}}}

	v, err := cfg.GetPath("cache.backend")
	require.NoError(t, err)
	assert.Equal(t, "fs", v)

	v, err = cfg.GetPath("webhooks.endpoints.0.path")
	require.NoError(t, err)
	assert.Equal(t, "/gh", v)

	_, err = cfg.GetPath("cache.nope")
	assert.Error(t, err)
	_, err = cfg.GetPath("webhooks.endpoints.3")
	assert.Error(t, err)
	_, err = cfg.GetPath("cache.backend.deeper")
	assert.Error(t, err)

	red := cfg.Redacted()
	assert.Equal(t, "********", red.Source.Token)
	assert.Equal(t, "********", red.Webhooks.Endpoints[0].Secret)
	assert.Equal(t, "ghp_secret", cfg.Source.Token)
	assert.Equal(t, "hook", cfg.Webhooks.Endpoints[0].Secret)
}

func TestDiscover(t *testing.T) {
	home := t.TempDir()
	system := t.TempDir()
	noHome := func() (string, error) { return home, nil }

	envFile := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(envFile, []byte(""), 0o644))
	withEnv := func(k string) (string, bool) {
		if k == "KEEL_CONFIG" {
			return envFile, true
		}
		return "", false
	}
	without := func(string) (string, bool) { return "", false }

	got, err := discover(withEnv, noHome, system)
	require.NoError(t, err)
	assert.Equal(t, envFile, got)

	_, err = discover(without, noHome, system)
	assert.ErrorIs(t, err, ErrNoConfig)

	sys := filepath.Join(system, "config.yaml")
	require.NoError(t, os.WriteFile(sys, nil, 0o644))
	got, err = discover(without, noHome, system)
	require.NoError(t, err)
	assert.Equal(t, sys, got)

	user := filepath.Join(home, ".config", "keel", "config.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(user), 0o755))
	require.NoError(t, os.WriteFile(user, nil, 0o644))
	got, err = discover(without, noHome, system)
	require.NoError(t, err)
	assert.Equal(t, user, got)
}

func TestWorkflowFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yml", "a.yaml", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	cfg := &Config{WorkflowsDir: dir}
	files, err := cfg.WorkflowFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yaml"), filepath.Join(dir, "b.yml")}, files)
}
