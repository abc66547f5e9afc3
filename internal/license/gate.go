package license

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/mattjoyce/keel/internal/cache"
	"github.com/mattjoyce/keel/internal/log"
	"github.com/mattjoyce/keel/internal/sandbox"
	"github.com/mattjoyce/keel/internal/workflow"
)

const cachePrefix = "license"

// Gate runs a license job. The checkout it is given must be the change
// under test (for a pull request, the head), never the base branch.
type Gate struct {
	// Cache is optional. With it, results are reused while the manifest
	// bytes, the license map and the allow-list stay the same.
	Cache *cache.Provider
	// Executor runs command resolvers.
	Executor sandbox.Executor
	Logger   *slog.Logger
}

// GateResult is the outcome of one gate run.
type GateResult struct {
	Compliance ComplianceResult `json:"compliance"`
	Records    []Record         `json:"records,omitempty"`
	CacheKey   string           `json:"cache_key,omitempty"`
	Cached     bool             `json:"cached"`
}

// Run resolves the job's manifest under dir and checks it against the
// job's allow-list. The error return covers resolution failures; a policy
// violation is reported through the result.
func (g *Gate) Run(ctx context.Context, workflowName string, job workflow.JobSpec, dir string) (GateResult, error) {
	logger := g.Logger
	if logger == nil {
		logger = log.WithJob(log.WithComponent("license"), job.Name)
	}
	if job.License == nil {
		return GateResult{}, fmt.Errorf("job %q has no license settings", job.Name)
	}
	spec := *job.License
	src := ManifestSource{Dir: dir, Manifest: spec.Manifest, LicenseMap: spec.LicenseMap}

	var res GateResult
	if g.Cache != nil {
		key, err := g.cacheKey(workflowName, job, dir)
		if err != nil {
			logger.Warn("cannot compute license cache key", "error", err)
		} else {
			res.CacheKey = key
			if cached, ok := g.lookup(ctx, key, logger); ok {
				cached.CacheKey = key
				cached.Cached = true
				logger.Info("license result restored from cache", "key", key, "pass", cached.Compliance.Pass)
				return cached, nil
			}
		}
	}

	resolver, err := ResolverFor(job, g.Executor)
	if err != nil {
		return GateResult{}, err
	}
	records, err := resolver.Resolve(ctx, src)
	if err != nil {
		return GateResult{}, fmt.Errorf("resolve dependencies from %s: %w", spec.Manifest, err)
	}
	res.Records = records
	res.Compliance = CheckLicenses(records, spec.Allow)
	logger.Info("license check finished",
		"dependencies", res.Compliance.Checked,
		"violations", len(res.Compliance.Violations),
		"pass", res.Compliance.Pass,
	)

	if res.CacheKey != "" {
		g.store(ctx, res, logger)
	}
	return res, nil
}

// cacheKey hashes the manifest and license map bytes; the resolver and
// allow-list go into the environment part so a policy change misses.
func (g *Gate) cacheKey(workflowName string, job workflow.JobSpec, dir string) (string, error) {
	spec := job.License
	inputs := []string{spec.Manifest}
	if spec.LicenseMap != "" {
		inputs = append(inputs, spec.LicenseMap)
	}
	allow := append([]string(nil), spec.Allow...)
	sort.Strings(allow)
	descriptor := fmt.Sprintf("%s;resolver=%s;command=%s;allow=%s",
		job.Environment.Descriptor(), spec.Resolver, spec.Command, strings.Join(allow, ","))

	hashed, err := cache.HashInputs(dir, inputs)
	if err != nil {
		return "", err
	}
	manifest := path.Clean(filepath.ToSlash(spec.Manifest))
	if !slices.ContainsFunc(hashed, func(f cache.InputFile) bool { return f.Path == manifest }) {
		return "", fmt.Errorf("manifest %s not found", spec.Manifest)
	}
	return cache.ComposeKey(workflowName, descriptor, cachePrefix, hashed), nil
}

func (g *Gate) lookup(ctx context.Context, key string, logger *slog.Logger) (GateResult, bool) {
	data, ok, err := g.Cache.Lookup(ctx, key)
	if err != nil {
		logger.Warn("license cache lookup failed", "key", key, "error", err)
		return GateResult{}, false
	}
	if !ok {
		return GateResult{}, false
	}
	var res GateResult
	if err := json.Unmarshal(data, &res); err != nil {
		logger.Warn("discarding unreadable license cache entry", "key", key, "error", err)
		return GateResult{}, false
	}
	return res, true
}

func (g *Gate) store(ctx context.Context, res GateResult, logger *slog.Logger) {
	res.Cached = false
	data, err := json.Marshal(res)
	if err != nil {
		logger.Warn("cannot encode license result", "error", err)
		return
	}
	if _, err := g.Cache.Store(ctx, res.CacheKey, data); err != nil {
		logger.Warn("license cache store failed", "key", res.CacheKey, "error", err)
	}
}
