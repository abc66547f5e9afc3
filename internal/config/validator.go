package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// API token scopes.
const (
	ScopeAll        = "*"
	ScopeRunsRead   = "runs:read"
	ScopeRunsWrite  = "runs:write"
	ScopeEventsRead = "events:read"
)

var validScopes = map[string]bool{ScopeAll: true, ScopeRunsRead: true, ScopeRunsWrite: true, ScopeEventsRead: true}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	var errs []error

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		errs = append(errs, fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel))
	}
	if cfg.Service.RunRetention < 0 {
		errs = append(errs, errors.New("service.run_retention must not be negative"))
	}
	if cfg.State.Path == "" {
		errs = append(errs, errors.New("state.path is required"))
	}
	if cfg.WorkflowsDir == "" {
		errs = append(errs, errors.New("workflows_dir is required"))
	}

	switch cfg.Workspace.Clone {
	case "hardlink", "copy":
	default:
		errs = append(errs, fmt.Errorf("workspace.clone must be hardlink or copy (got %q)", cfg.Workspace.Clone))
	}
	if cfg.Workspace.Dir == "" {
		errs = append(errs, errors.New("workspace.dir is required"))
	}

	switch cfg.Cache.Backend {
	case "fs", "sqlite":
	case "redis":
		if cfg.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be fs, sqlite or redis (got %q)", cfg.Cache.Backend))
	}
	if cfg.Cache.Backend == "fs" && cfg.Cache.Dir == "" {
		errs = append(errs, errors.New("cache.dir is required for the fs backend"))
	}

	if cfg.Scheduler.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("scheduler.concurrency must be at least 1 (got %d)", cfg.Scheduler.Concurrency))
	}
	if cfg.Scheduler.GracePeriod < 0 {
		errs = append(errs, errors.New("scheduler.grace_period must not be negative"))
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			errs = append(errs, errors.New("api.listen is required when the api is enabled"))
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			errs = append(errs, errors.New("api.auth needs api_key or tokens when the api is enabled"))
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" || hasUnresolvedEnv(tok.Token) {
				errs = append(errs, fmt.Errorf("api.auth.tokens[%d]: token is empty or references an unset variable", i))
			}
			for _, s := range tok.Scopes {
				if !validScopes[s] {
					errs = append(errs, fmt.Errorf("api.auth.tokens[%d]: unknown scope %q", i, s))
				}
			}
		}
	}

	if cfg.Webhooks != nil {
		errs = append(errs, validateWebhooks(cfg.Webhooks)...)
	}

	return errors.Join(errs...)
}

func validateWebhooks(wc *WebhooksConfig) []error {
	var errs []error
	if wc.Listen == "" {
		errs = append(errs, errors.New("webhooks.listen is required"))
	}
	seen := make(map[string]bool, len(wc.Endpoints))
	for i, ep := range wc.Endpoints {
		if !strings.HasPrefix(ep.Path, "/") {
			errs = append(errs, fmt.Errorf("webhooks.endpoints[%d]: path must start with / (got %q)", i, ep.Path))
		}
		if seen[ep.Path] {
			errs = append(errs, fmt.Errorf("webhooks.endpoints[%d]: duplicate path %q", i, ep.Path))
		}
		seen[ep.Path] = true
		if ep.Secret == "" || hasUnresolvedEnv(ep.Secret) {
			errs = append(errs, fmt.Errorf("webhooks.endpoints[%d]: secret is empty or references an unset variable", i))
		}
		if ep.MaxBodySize != "" {
			if _, err := humanize.ParseBytes(ep.MaxBodySize); err != nil {
				errs = append(errs, fmt.Errorf("webhooks.endpoints[%d]: invalid max_body_size %q", i, ep.MaxBodySize))
			}
		}
	}
	return errs
}

func hasUnresolvedEnv(s string) bool {
	return envVarPattern.MatchString(s)
}
