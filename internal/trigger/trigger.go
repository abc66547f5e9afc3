// Package trigger decides whether a source-control event starts a workflow.
// Matching is a pure predicate over the event and the workflow's rules.
package trigger

import (
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/mattjoyce/keel/internal/workflow"
)

// Matches reports whether ev satisfies rule. Push events match on the pushed
// branch; pull_request events match on their action and base branch.
func Matches(ev workflow.Event, rule workflow.TriggerRule) bool {
	if ev.Kind != rule.Kind {
		return false
	}
	if ev.Kind == workflow.EventPullRequest {
		actions := rule.Actions
		if len(actions) == 0 {
			actions = workflow.DefaultPullRequestActions
		}
		if !slices.Contains(actions, ev.Action) {
			return false
		}
	}
	return MatchBranch(rule.Branches, ev.Branch)
}

// Evaluate validates ev and reports whether any trigger rule of def admits it.
// A malformed event returns an error wrapping workflow.ErrInvalidEvent and no
// rule is consulted.
func Evaluate(ev workflow.Event, def *workflow.Definition) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, err
	}
	for _, rule := range def.Triggers() {
		if Matches(ev, rule) {
			return true, nil
		}
	}
	return false, nil
}

// MatchBranch reports whether branch matches any of the glob patterns.
// Fully qualified refs (refs/heads/main) are shortened first; other ref
// kinds such as tags never match.
func MatchBranch(patterns []string, branch string) bool {
	name, ok := NormalizeBranch(branch)
	if !ok {
		return false
	}
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// NormalizeBranch turns refs/heads/x into x. Bare names pass through. It
// returns false for refs that are not branches.
func NormalizeBranch(ref string) (string, bool) {
	refName := plumbing.ReferenceName(ref)
	if refName.IsBranch() {
		return refName.Short(), true
	}
	if len(ref) > 5 && ref[:5] == "refs/" {
		return "", false
	}
	return ref, ref != ""
}
