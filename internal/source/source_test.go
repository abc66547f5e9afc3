package source

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/keel/internal/log"
	"github.com/mattjoyce/keel/internal/workflow"
)

func TestSelect(t *testing.T) {
	push := workflow.Event{
		Kind: workflow.EventPush, Branch: "refs/heads/main",
		HeadRepo: "https://example.com/org/app.git", HeadSha: "aaaa1111",
	}
	pr := workflow.Event{
		Kind: workflow.EventPullRequest, Action: "opened", Branch: "main",
		HeadRepo: "https://example.com/fork/app.git", HeadSha: "bbbb2222",
		BaseRepo: "https://example.com/org/app.git", BaseSha: "cccc3333",
	}
	samePR := pr
	samePR.HeadRepo = ""

	tests := []struct {
		name     string
		ev       workflow.Event
		checkout workflow.CheckoutSource
		want     Ref
	}{
		{"push base", push, workflow.CheckoutBase, Ref{Source: workflow.CheckoutBase, Repo: push.HeadRepo, Sha: "aaaa1111", Branch: "main"}},
		{"push head", push, workflow.CheckoutHead, Ref{Source: workflow.CheckoutHead, Repo: push.HeadRepo, Sha: "aaaa1111", Branch: "main"}},
		{"pr base", pr, workflow.CheckoutBase, Ref{Source: workflow.CheckoutBase, Repo: pr.BaseRepo, Sha: "cccc3333", Branch: "main"}},
		{"pr head from fork", pr, workflow.CheckoutHead, Ref{Source: workflow.CheckoutHead, Repo: pr.HeadRepo, Sha: "bbbb2222"}},
		{"pr head same repo", samePR, workflow.CheckoutHead, Ref{Source: workflow.CheckoutHead, Repo: pr.BaseRepo, Sha: "bbbb2222"}},
		{"none", pr, workflow.CheckoutNone, Ref{Source: workflow.CheckoutNone}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Select(tt.ev, tt.checkout)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.True(t, Select(pr, workflow.CheckoutNone).Empty())
	assert.Equal(t, "head:https://example.com/fork/app.git@bbbb2222", Select(pr, workflow.CheckoutHead).String())
}

func TestStaticFetcher(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.go"), []byte("package main"), 0o644))

	dst := filepath.Join(t.TempDir(), "checkout")
	require.NoError(t, os.Mkdir(dst, 0o755))

	err := StaticFetcher{Dir: src}.Fetch(context.Background(), Ref{Source: workflow.CheckoutBase}, dst)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(dst, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main", string(got))

	assert.Error(t, StaticFetcher{}.Fetch(context.Background(), Ref{}, dst))
}

func commitFile(t *testing.T, repo *git.Repository, dir, name, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	hash, err := wt.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "keel", Email: "keel@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestGitFetcher(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed; local clones need git-upload-pack")
	}

	origin := t.TempDir()
	repo, err := git.PlainInit(origin, false)
	require.NoError(t, err)
	first := commitFile(t, repo, origin, "VERSION", "1\n")
	commitFile(t, repo, origin, "VERSION", "2\n")
	head, err := repo.Head()
	require.NoError(t, err)

	f := &GitFetcher{Attempts: 1, Logger: log.Discard()}
	ctx := context.Background()

	pinned := t.TempDir()
	require.NoError(t, f.Fetch(ctx, Ref{Source: workflow.CheckoutHead, Repo: origin, Sha: first}, pinned))
	got, err := os.ReadFile(filepath.Join(pinned, "VERSION"))
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(got))

	tip := t.TempDir()
	require.NoError(t, f.Fetch(ctx, Ref{Source: workflow.CheckoutBase, Repo: origin, Branch: head.Name().Short()}, tip))
	got, err = os.ReadFile(filepath.Join(tip, "VERSION"))
	require.NoError(t, err)
	assert.Equal(t, "2\n", string(got))

	err = f.Fetch(ctx, Ref{Source: workflow.CheckoutHead, Repo: origin, Sha: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef"}, t.TempDir())
	assert.ErrorContains(t, err, "not found")
}

func TestGitFetcherRejectsIncompleteRefs(t *testing.T) {
	f := NewGitFetcher("", log.Discard())
	ctx := context.Background()

	assert.NoError(t, f.Fetch(ctx, Ref{Source: workflow.CheckoutNone}, t.TempDir()))
	assert.ErrorContains(t, f.Fetch(ctx, Ref{Source: workflow.CheckoutHead, Sha: "abcd"}, t.TempDir()), "no repository")
	assert.ErrorContains(t, f.Fetch(ctx, Ref{Source: workflow.CheckoutBase, Repo: "x"}, t.TempDir()), "neither sha nor branch")
	assert.NotNil(t, NewGitFetcher("token", nil).Auth)
}
