package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattjoyce/keel/internal/cache"
	"github.com/mattjoyce/keel/internal/workflow"
)

// cacheStep carries one step's cache settings through restore and save.
// Every cache failure is downgraded to a warning on the step result.
type cacheStep struct {
	env    Env
	spec   *workflow.CacheSpec
	dir    string
	logger *slog.Logger
	key    string
}

func newCacheStep(env Env, spec *workflow.CacheSpec, dir string, logger *slog.Logger) *cacheStep {
	return &cacheStep{env: env, spec: spec, dir: dir, logger: logger}
}

func (c *cacheStep) enabled() bool {
	return c.spec != nil && c.env.Cache != nil
}

func (c *cacheStep) warn(sr *StepResult, msg string, err error) {
	text := msg
	if err != nil {
		text = fmt.Sprintf("%s: %v", msg, err)
	}
	sr.Warnings = append(sr.Warnings, text)
	c.logger.Warn(msg, "key", c.key, "error", err)
}

// restore computes the key and restores a cached artifact. It reports true
// only for an exact hit, which lets the step skip its command.
func (c *cacheStep) restore(ctx context.Context, sr *StepResult) bool {
	if !c.enabled() {
		return false
	}
	key, err := cache.KeyFor(c.env.Workflow, c.env.Environment.Descriptor(), c.spec.Key, c.dir, c.spec.Inputs)
	if err != nil {
		c.warn(sr, "cannot compute cache key", err)
		return false
	}
	c.key = key
	sr.CacheKey = key
	if !c.spec.Policy.Restores() {
		return false
	}

	artifact, ok, err := c.env.Cache.Lookup(ctx, key)
	if err != nil {
		c.warn(sr, "cache lookup failed", err)
	} else if ok {
		if err := cache.Unpack(c.dir, artifact); err != nil {
			c.warn(sr, "cache restore failed", err)
		} else {
			sr.Status = StepCacheHit
			sr.RestoredFrom = key
			return true
		}
	}

	if len(c.spec.RestoreKeys) == 0 {
		return false
	}
	artifact, from, ok, err := c.env.Cache.Fallback(ctx, c.spec.RestoreKeys...)
	switch {
	case err != nil:
		c.warn(sr, "cache fallback failed", err)
	case ok:
		if err := cache.Unpack(c.dir, artifact); err != nil {
			c.warn(sr, "cache restore failed", err)
			return false
		}
		sr.RestoredFrom = from
		c.logger.Info("restored partial cache", "key", key, "restored_from", from)
	}
	return false
}

// save packs the declared paths and stores them under the step's key.
func (c *cacheStep) save(ctx context.Context, sr *StepResult) {
	if !c.enabled() || c.key == "" || !c.spec.Policy.Saves() {
		return
	}
	if !anyExists(c.dir, c.spec.Paths) {
		c.warn(sr, "no cache paths exist after the step, nothing saved", nil)
		return
	}
	artifact, err := cache.Pack(c.dir, c.spec.Paths)
	if err != nil {
		c.warn(sr, "cache pack failed", err)
		return
	}
	res, err := c.env.Cache.Store(ctx, c.key, artifact)
	if err != nil {
		c.warn(sr, "cache store failed", err)
		return
	}
	if res.Conflict {
		sr.Warnings = append(sr.Warnings, "cache key "+c.key+" already held different content; overwritten")
	}
	sr.Saved = !res.Unchanged
}

func anyExists(dir string, paths []string) bool {
	for _, p := range paths {
		if _, err := os.Lstat(filepath.Join(dir, filepath.FromSlash(p))); !errors.Is(err, os.ErrNotExist) {
			return true
		}
	}
	return false
}
