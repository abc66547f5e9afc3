package workspace

import (
	"context"
	"time"
)

// Workspace is a directory owned by one pipeline run. Checkouts and job
// working trees are both workspaces, told apart by name.
type Workspace struct {
	RunID string
	Name  string
	Dir   string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedRuns int
}

// Manager governs workspace lifecycle for pipeline runs.
type Manager interface {
	// Create initializes an empty workspace.
	Create(ctx context.Context, runID, name string) (Workspace, error)

	// Clone creates dst as a copy of src within the same run.
	Clone(ctx context.Context, runID, src, dst string) (Workspace, error)

	// Open resolves an existing workspace.
	Open(ctx context.Context, runID, name string) (Workspace, error)

	// Remove deletes every workspace of a run.
	Remove(ctx context.Context, runID string) error

	// Cleanup removes runs whose directories are older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
