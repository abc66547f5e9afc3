package config

import (
	"runtime"
	"time"

	"github.com/mattjoyce/keel/internal/workflow"
)

// Config is the keel service configuration. Workflows live in their own
// files under WorkflowsDir.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Cache     CacheConfig     `yaml:"cache"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Source    SourceConfig    `yaml:"source"`
	API       APIConfig       `yaml:"api,omitempty"`
	Webhooks  *WebhooksConfig `yaml:"webhooks,omitempty"`

	WorkflowsDir string   `yaml:"workflows_dir"`
	ActionsDirs  []string `yaml:"actions_dirs,omitempty"`

	// Path is the file the config was loaded from.
	Path string `yaml:"-"`
	// Checksum is the blake3 digest of the raw config file.
	Checksum string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	// RunRetention bounds how long finished runs stay in the run store.
	RunRetention time.Duration `yaml:"run_retention"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// WorkspaceConfig controls run workspaces.
type WorkspaceConfig struct {
	Dir string `yaml:"dir"`
	// Clone is "hardlink" or "copy".
	Clone string `yaml:"clone"`
	Keep  bool   `yaml:"keep"`
}

// CacheConfig selects and sizes the build cache.
type CacheConfig struct {
	// Backend is fs, sqlite or redis.
	Backend  string            `yaml:"backend"`
	Dir      string            `yaml:"dir"`
	RedisURL string            `yaml:"redis_url,omitempty"`
	Memory   workflow.ByteSize `yaml:"memory,omitempty"`
	// Retention is the age past which `keel cache prune` drops entries.
	Retention time.Duration `yaml:"retention"`
}

// SchedulerConfig bounds pipeline execution.
type SchedulerConfig struct {
	Concurrency int                     `yaml:"concurrency"`
	GracePeriod time.Duration           `yaml:"grace_period"`
	Limits      workflow.ResourceLimits `yaml:"limits"`
}

// SandboxConfig enables optional executors beyond the local shell.
type SandboxConfig struct {
	Docker bool `yaml:"docker"`
}

// SourceConfig controls how revisions are fetched.
type SourceConfig struct {
	// Token authenticates HTTPS clones.
	Token string `yaml:"token,omitempty"`
	// Dir, when set, is copied into every checkout instead of cloning.
	Dir string `yaml:"dir,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes. Name shows up in logs in
// place of the secret.
type APIToken struct {
	Name   string   `yaml:"name,omitempty"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhooksConfig defines webhook listener settings.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint defines a single webhook endpoint.
type WebhookEndpoint struct {
	Path            string `yaml:"path"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	EventHeader     string `yaml:"event_header"`
	// Workflows limits the endpoint to the named workflows; empty means all.
	Workflows   []string `yaml:"workflows,omitempty"`
	MaxBodySize string   `yaml:"max_body_size"`
}

// Defaults returns a Config with the built-in defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "keel",
			LogLevel:     "info",
			RunRetention: 30 * 24 * time.Hour,
		},
		State: StateConfig{
			Path: "./data/keel.db",
		},
		Workspace: WorkspaceConfig{
			Dir:   "./data/workspaces",
			Clone: "hardlink",
		},
		Cache: CacheConfig{
			Backend:   "fs",
			Dir:       "./data/cache",
			Retention: 14 * 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Concurrency: runtime.NumCPU(),
			GracePeriod: 10 * time.Second,
			Limits: workflow.ResourceLimits{
				Timeout: time.Hour,
			},
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		WorkflowsDir: "./workflows",
	}
}
