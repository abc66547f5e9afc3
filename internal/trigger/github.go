package trigger

import (
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/keel/internal/workflow"
)

type githubRepo struct {
	FullName string `json:"full_name"`
	CloneURL string `json:"clone_url"`
}

func (r githubRepo) location() string {
	if r.CloneURL != "" {
		return r.CloneURL
	}
	return r.FullName
}

type githubPush struct {
	Ref        string     `json:"ref"`
	Before     string     `json:"before"`
	After      string     `json:"after"`
	Repository githubRepo `json:"repository"`
}

type githubPullRequest struct {
	Action      string `json:"action"`
	PullRequest struct {
		Base struct {
			Ref  string     `json:"ref"`
			Sha  string     `json:"sha"`
			Repo githubRepo `json:"repo"`
		} `json:"base"`
		Head struct {
			Ref  string     `json:"ref"`
			Sha  string     `json:"sha"`
			Repo githubRepo `json:"repo"`
		} `json:"head"`
	} `json:"pull_request"`
}

// ParseGitHubEvent maps a GitHub webhook payload onto an Event. kind is the
// X-GitHub-Event header value. Payloads of other kinds, and pushes to
// non-branch refs, are rejected with workflow.ErrInvalidEvent.
func ParseGitHubEvent(kind string, body []byte) (workflow.Event, error) {
	var ev workflow.Event
	switch workflow.EventKind(kind) {
	case workflow.EventPush:
		var p githubPush
		if err := json.Unmarshal(body, &p); err != nil {
			return ev, fmt.Errorf("%w: decode push payload: %v", workflow.ErrInvalidEvent, err)
		}
		branch, ok := NormalizeBranch(p.Ref)
		if !ok {
			return ev, fmt.Errorf("%w: push to non-branch ref %q", workflow.ErrInvalidEvent, p.Ref)
		}
		ev = workflow.Event{
			Kind:     workflow.EventPush,
			Branch:   branch,
			HeadRepo: p.Repository.location(),
			HeadSha:  p.After,
			BaseRepo: p.Repository.location(),
			BaseSha:  p.Before,
		}
	case workflow.EventPullRequest:
		var p githubPullRequest
		if err := json.Unmarshal(body, &p); err != nil {
			return ev, fmt.Errorf("%w: decode pull_request payload: %v", workflow.ErrInvalidEvent, err)
		}
		pr := p.PullRequest
		ev = workflow.Event{
			Kind:     workflow.EventPullRequest,
			Action:   p.Action,
			Branch:   pr.Base.Ref,
			HeadRepo: pr.Head.Repo.location(),
			HeadSha:  pr.Head.Sha,
			BaseRepo: pr.Base.Repo.location(),
			BaseSha:  pr.Base.Sha,
		}
	default:
		return ev, fmt.Errorf("%w: unsupported event kind %q", workflow.ErrInvalidEvent, kind)
	}
	if ev.BaseSha == zeroSha {
		ev.BaseSha = ""
	}
	if err := ev.Validate(); err != nil {
		return workflow.Event{}, err
	}
	return ev, nil
}

// zeroSha is what GitHub sends as "before" for the first push of a branch.
const zeroSha = "0000000000000000000000000000000000000000"
