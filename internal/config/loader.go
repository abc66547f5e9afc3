package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the config file at path, applies KEEL_* environment overrides
// and validates the result. A directory path means <dir>/config.yaml.
func Load(ctx context.Context, path string) (*Config, error) {
	return LoadWith(ctx, path, envconfig.OsLookuper())
}

// LoadWith is Load with an explicit source for environment overrides.
func LoadWith(ctx context.Context, path string, env envconfig.Lookuper) (*Config, error) {
	return load(ctx, path, env, true)
}

// LoadUnlocked is Load without the lock manifest check, so that edited
// files can be re-pinned.
func LoadUnlocked(ctx context.Context, path string) (*Config, error) {
	return load(ctx, path, envconfig.OsLookuper(), false)
}

func load(ctx context.Context, path string, env envconfig.Lookuper, verify bool) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", path, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// A lock file next to the config pins its contents.
	if verify {
		if err := verifyLocked(filepath.Dir(absPath), absPath); err != nil {
			return nil, err
		}
	}

	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.Path = absPath
	cfg.Checksum = Checksum(data)

	if err := applyEnv(ctx, cfg, env); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	cfg.ResolvePaths(filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadDefaults is the configuration used when no file exists: defaults
// plus environment overrides, with relative paths rooted at base.
func LoadDefaults(ctx context.Context, base string, env envconfig.Lookuper) (*Config, error) {
	cfg := Defaults()
	cfg.Checksum = Checksum(nil)
	if err := applyEnv(ctx, cfg, env); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	cfg.ResolvePaths(base)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// parse decodes data over the defaults. Unknown keys are rejected.
func parse(data []byte) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// envOverrides lists the settings the environment may replace. Unset
// variables leave the pointers nil.
type envOverrides struct {
	LogLevel     *string `env:"LOG_LEVEL, noinit"`
	StatePath    *string `env:"STATE_PATH, noinit"`
	WorkflowsDir *string `env:"WORKFLOWS_DIR, noinit"`
	WorkspaceDir *string `env:"WORKSPACE_DIR, noinit"`
	CacheBackend *string `env:"CACHE_BACKEND, noinit"`
	CacheDir     *string `env:"CACHE_DIR, noinit"`
	RedisURL     *string `env:"REDIS_URL, noinit"`
	Concurrency  *int    `env:"CONCURRENCY, noinit"`
	GitToken     *string `env:"GIT_TOKEN, noinit"`
	APIKey       *string `env:"API_KEY, noinit"`
	APIListen    *string `env:"API_LISTEN, noinit"`
}

type keelEnv struct {
	Overrides envOverrides `env:", prefix=KEEL_"`
}

func applyEnv(ctx context.Context, cfg *Config, lookuper envconfig.Lookuper) error {
	var e keelEnv
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &e, Lookuper: lookuper}); err != nil {
		return err
	}
	o := e.Overrides
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&cfg.Service.LogLevel, o.LogLevel)
	set(&cfg.State.Path, o.StatePath)
	set(&cfg.WorkflowsDir, o.WorkflowsDir)
	set(&cfg.Workspace.Dir, o.WorkspaceDir)
	set(&cfg.Cache.Backend, o.CacheBackend)
	set(&cfg.Cache.Dir, o.CacheDir)
	set(&cfg.Cache.RedisURL, o.RedisURL)
	set(&cfg.Source.Token, o.GitToken)
	set(&cfg.API.Auth.APIKey, o.APIKey)
	set(&cfg.API.Listen, o.APIListen)
	if o.Concurrency != nil {
		cfg.Scheduler.Concurrency = *o.Concurrency
	}
	return nil
}

// ResolvePaths makes every relative path in c relative to base.
func (c *Config) ResolvePaths(base string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	resolve(&c.State.Path)
	resolve(&c.Workspace.Dir)
	resolve(&c.Cache.Dir)
	resolve(&c.WorkflowsDir)
	resolve(&c.Source.Dir)
	for i := range c.ActionsDirs {
		resolve(&c.ActionsDirs[i])
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and caught by validation where it
// matters.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
