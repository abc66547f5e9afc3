package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// GitFetcher clones refs with go-git.
type GitFetcher struct {
	// Auth is used for every clone when set.
	Auth     transport.AuthMethod
	Attempts uint
	Delay    time.Duration
	Logger   *slog.Logger
}

// NewGitFetcher returns a fetcher that authenticates with token over HTTPS
// when token is non-empty.
func NewGitFetcher(token string, logger *slog.Logger) *GitFetcher {
	f := &GitFetcher{Attempts: 3, Delay: 500 * time.Millisecond, Logger: logger}
	if token != "" {
		f.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: token}
	}
	return f
}

// Fetch clones ref.Repo into dir. With a sha the full history is fetched
// and the commit checked out detached; otherwise the branch tip is cloned
// shallow.
func (f *GitFetcher) Fetch(ctx context.Context, ref Ref, dir string) error {
	if ref.Empty() {
		return nil
	}
	if ref.Repo == "" {
		return fmt.Errorf("%s checkout has no repository", ref.Source)
	}
	if ref.Sha == "" && ref.Branch == "" {
		return fmt.Errorf("%s checkout of %s has neither sha nor branch", ref.Source, ref.Repo)
	}

	attempts := f.Attempts
	if attempts == 0 {
		attempts = 1
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return retry.Do(
		func() error {
			if err := resetDir(dir); err != nil {
				return retry.Unrecoverable(err)
			}
			return f.clone(ctx, ref, dir)
		},
		retry.Attempts(attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(f.Delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("clone failed, retrying", "repo", ref.Repo, "attempt", n+1, "error", err)
		}),
		retry.Context(ctx),
	)
}

func (f *GitFetcher) clone(ctx context.Context, ref Ref, dir string) error {
	opts := &git.CloneOptions{
		URL:  ref.Repo,
		Auth: f.Auth,
	}
	if ref.Sha == "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(ref.Branch)
		opts.SingleBranch = true
		opts.Depth = 1
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		return fmt.Errorf("clone %s: %w", ref.Repo, err)
	}
	if ref.Sha == "" {
		return nil
	}

	hash, err := resolveSha(repo, ref.Sha)
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return fmt.Errorf("checkout %s: %w", ref.Sha, err)
	}
	return nil
}

func resolveSha(repo *git.Repository, sha string) (plumbing.Hash, error) {
	if len(sha) == 40 {
		hash := plumbing.NewHash(sha)
		if _, err := repo.CommitObject(hash); err != nil {
			return plumbing.ZeroHash, errNoCommit(sha, err)
		}
		return hash, nil
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(sha))
	if err != nil {
		return plumbing.ZeroHash, errNoCommit(sha, err)
	}
	return *hash, nil
}

func errNoCommit(sha string, err error) error {
	return retry.Unrecoverable(fmt.Errorf("commit %s not found: %w", sha, err))
}

// resetDir leaves dir existing and empty so a retried clone starts clean.
func resetDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrEmptyRemoteRepository),
		errors.Is(err, plumbing.ErrReferenceNotFound):
		return false
	}
	return true
}
