package license

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/keel/internal/cache"
	"github.com/mattjoyce/keel/internal/log"
	"github.com/mattjoyce/keel/internal/workflow"
)

func licenseJob(allow ...string) workflow.JobSpec {
	return workflow.JobSpec{
		Name: "licenses",
		Kind: workflow.JobKindLicense,
		License: &workflow.LicenseSpec{
			Manifest: "deps.yaml",
			Allow:    allow,
		},
	}
}

const gplManifest = `dependencies:
  - {name: ok, version: "1", license: MIT}
  - {name: bad, version: "2", license: GPL-3.0-only}
`

func TestGateWithoutCache(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "deps.yaml", gplManifest)

	g := &Gate{Logger: log.Discard()}
	res, err := g.Run(context.Background(), "ci", licenseJob("MIT", "Apache-2.0"), dir)
	require.NoError(t, err)
	assert.False(t, res.Compliance.Pass)
	assert.False(t, res.Cached)
	assert.Empty(t, res.CacheKey)
	require.Len(t, res.Compliance.Violations, 1)
	assert.Equal(t, "bad", res.Compliance.Violations[0].Package)
	assert.Len(t, res.Records, 2)
}

func TestGateCachesByManifestContent(t *testing.T) {
	backend, err := cache.NewFSBackend(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	g := &Gate{Cache: cache.NewProvider(backend), Logger: log.Discard()}
	ctx := context.Background()

	dir := t.TempDir()
	write(t, dir, "deps.yaml", gplManifest)

	first, err := g.Run(ctx, "ci", licenseJob("MIT"), dir)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	require.NotEmpty(t, first.CacheKey)

	// Another checkout with identical bytes reuses the result.
	other := t.TempDir()
	write(t, other, "deps.yaml", gplManifest)
	second, err := g.Run(ctx, "ci", licenseJob("MIT"), other)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.CacheKey, second.CacheKey)
	assert.Equal(t, first.Compliance, second.Compliance)

	// A different allow-list must not reuse it.
	third, err := g.Run(ctx, "ci", licenseJob("MIT", "GPL-3.0-only"), other)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.True(t, third.Compliance.Pass)

	// Nor may a changed manifest.
	write(t, other, "deps.yaml", "dependencies:\n  - {name: ok, version: \"1\", license: MIT}\n")
	fourth, err := g.Run(ctx, "ci", licenseJob("MIT"), other)
	require.NoError(t, err)
	assert.False(t, fourth.Cached)
	assert.True(t, fourth.Compliance.Pass)
	assert.NotEqual(t, first.CacheKey, fourth.CacheKey)
}

func TestGateMissingManifest(t *testing.T) {
	backend, err := cache.NewFSBackend(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	g := &Gate{Cache: cache.NewProvider(backend), Logger: log.Discard()}

	_, err = g.Run(context.Background(), "ci", licenseJob("MIT"), t.TempDir())
	assert.ErrorContains(t, err, "deps.yaml")
}
