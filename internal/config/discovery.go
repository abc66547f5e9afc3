package config

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
)

// ErrNoConfig is returned by Discover when no config file exists in any of
// the standard locations.
var ErrNoConfig = errors.New("no config found (checked: $KEEL_CONFIG, ./keel.yaml, ~/.config/keel/config.yaml, /etc/keel/config.yaml)")

// Discover finds the config file by checking standard locations in
// priority order: $KEEL_CONFIG, ./keel.yaml, ~/.config/keel/config.yaml,
// /etc/keel/config.yaml.
func Discover() (string, error) {
	return discover(os.LookupEnv, os.UserHomeDir, "/etc/keel")
}

func discover(lookup func(string) (string, bool), home func() (string, error), systemDir string) (string, error) {
	if p, ok := lookup("KEEL_CONFIG"); ok && p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	candidates := []string{"keel.yaml"}
	if dir, err := home(); err == nil {
		candidates = append(candidates, filepath.Join(dir, ".config", "keel", "config.yaml"))
	}
	candidates = append(candidates, filepath.Join(systemDir, "config.yaml"))

	for _, c := range candidates {
		if fileExists(c) {
			return c, nil
		}
	}
	return "", ErrNoConfig
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// WorkflowFiles lists the workflow definitions under c.WorkflowsDir.
func (c *Config) WorkflowFiles() ([]string, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(c.WorkflowsDir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}
