package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// GetPath retrieves a value from the configuration using a dot-notation
// path over its YAML keys, e.g. "cache.backend" or
// "webhooks.endpoints.0.path".
func (c *Config) GetPath(path string) (any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return getValue(m, path)
}

func getValue(m map[string]any, path string) (any, error) {
	var current any = m
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		switch node := current.(type) {
		case map[string]any:
			val, exists := node[part]
			if !exists {
				return nil, fmt.Errorf("path %q: key %q not found", path, part)
			}
			current = val
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("path %q: index %q out of range", path, part)
			}
			current = node[i]
		default:
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}
	}
	return current, nil
}

// Redacted returns a copy of c with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	out.Source.Token = mask(c.Source.Token)
	out.API.Auth.APIKey = mask(c.API.Auth.APIKey)
	out.API.Auth.Tokens = make([]APIToken, len(c.API.Auth.Tokens))
	for i, t := range c.API.Auth.Tokens {
		out.API.Auth.Tokens[i] = APIToken{Name: t.Name, Token: mask(t.Token), Scopes: t.Scopes}
	}
	if c.Webhooks != nil {
		wh := *c.Webhooks
		wh.Endpoints = make([]WebhookEndpoint, len(c.Webhooks.Endpoints))
		for i, ep := range c.Webhooks.Endpoints {
			ep.Secret = mask(ep.Secret)
			wh.Endpoints[i] = ep
		}
		out.Webhooks = &wh
	}
	return &out
}
