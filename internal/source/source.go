// Package source selects and fetches the revision a job runs against.
package source

import (
	"context"
	"fmt"
	"os"

	"github.com/mattjoyce/keel/internal/trigger"
	"github.com/mattjoyce/keel/internal/workflow"
	"github.com/mattjoyce/keel/internal/workspace"
)

// Ref identifies one checkout of a repository.
type Ref struct {
	Source workflow.CheckoutSource `json:"source"`
	Repo   string                  `json:"repo,omitempty"`
	Sha    string                  `json:"sha,omitempty"`
	Branch string                  `json:"branch,omitempty"`
}

// Empty reports whether there is nothing to fetch.
func (r Ref) Empty() bool {
	return r.Source == workflow.CheckoutNone || r.Source == workflow.CheckoutUnset
}

// String renders the ref for logs.
func (r Ref) String() string {
	if r.Empty() {
		return string(workflow.CheckoutNone)
	}
	rev := r.Sha
	if rev == "" {
		rev = r.Branch
	}
	return fmt.Sprintf("%s:%s@%s", r.Source, r.Repo, rev)
}

// Select resolves which repository and commit a checkout source refers to
// for ev. A push has one revision, so base and head both point at it. For a
// pull request, head is the PR's source repository and commit (a fork when
// the PR comes from one) and base is the target repository.
func Select(ev workflow.Event, checkout workflow.CheckoutSource) Ref {
	branch, _ := trigger.NormalizeBranch(ev.Branch)

	switch checkout {
	case workflow.CheckoutNone, workflow.CheckoutUnset:
		return Ref{Source: workflow.CheckoutNone}
	}

	if ev.Kind == workflow.EventPush {
		return Ref{Source: checkout, Repo: firstNonEmpty(ev.HeadRepo, ev.BaseRepo), Sha: ev.HeadSha, Branch: branch}
	}

	if checkout == workflow.CheckoutBase {
		return Ref{Source: checkout, Repo: firstNonEmpty(ev.BaseRepo, ev.HeadRepo), Sha: ev.BaseSha, Branch: branch}
	}
	// The head branch name is not part of the event, so a head checkout is
	// pinned by sha alone.
	return Ref{Source: checkout, Repo: firstNonEmpty(ev.HeadRepo, ev.BaseRepo), Sha: ev.HeadSha}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Fetcher populates dir, an existing empty directory, with ref.
type Fetcher interface {
	Fetch(ctx context.Context, ref Ref, dir string) error
}

// StaticFetcher copies a local directory regardless of the ref. The CLI uses
// it for --workdir runs against an existing tree.
type StaticFetcher struct {
	Dir string
}

func (f StaticFetcher) Fetch(ctx context.Context, _ Ref, dir string) error {
	if f.Dir == "" {
		return fmt.Errorf("static fetcher has no source directory")
	}
	// CopyTree creates its destination, so the empty placeholder goes first.
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("prepare %s: %w", dir, err)
	}
	if err := workspace.CopyTree(ctx, f.Dir, dir); err != nil {
		return fmt.Errorf("copy %s: %w", f.Dir, err)
	}
	return nil
}
