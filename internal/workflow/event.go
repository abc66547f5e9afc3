package workflow

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// EventKind is the kind of source-control event.
type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
)

// Pull request actions that admit a pull_request trigger by default.
const (
	ActionOpened      = "opened"
	ActionSynchronize = "synchronize"
)

// DefaultPullRequestActions are the actions a pull_request rule admits when
// it does not list its own.
var DefaultPullRequestActions = []string{ActionOpened, ActionSynchronize}

// Event is a source-control event. For push events Branch is the pushed
// branch; for pull_request events it is the base branch the PR targets.
type Event struct {
	Kind     EventKind `json:"kind"`
	Action   string    `json:"action,omitempty"`
	Branch   string    `json:"branch"`
	HeadRepo string    `json:"headRepo,omitempty"`
	HeadSha  string    `json:"headSha,omitempty"`
	BaseRepo string    `json:"baseRepo,omitempty"`
	BaseSha  string    `json:"baseSha,omitempty"`
}

// Validate rejects events that cannot be evaluated. The error wraps ErrInvalidEvent.
func (e Event) Validate() error {
	switch e.Kind {
	case EventPush, EventPullRequest:
	case "":
		return invalidEvent("missing kind")
	default:
		return invalidEvent("unknown kind %q", e.Kind)
	}
	if strings.TrimSpace(e.Branch) == "" {
		return invalidEvent("missing branch")
	}
	if e.Kind == EventPullRequest && strings.TrimSpace(e.Action) == "" {
		return invalidEvent("pull_request event without action")
	}
	for field, sha := range map[string]string{"headSha": e.HeadSha, "baseSha": e.BaseSha} {
		if sha != "" && !isHex(sha) {
			return invalidEvent("%s %q is not a hex commit id", field, sha)
		}
	}
	return nil
}

// IsFork reports whether a pull request comes from a different repository
// than its base.
func (e Event) IsFork() bool {
	return e.Kind == EventPullRequest && e.HeadRepo != "" && e.BaseRepo != "" && e.HeadRepo != e.BaseRepo
}

// DecodeEvent reads an Event from JSON. Unknown fields are rejected and the
// result is validated.
func DecodeEvent(r io.Reader) (Event, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func isHex(s string) bool {
	if len(s) < 4 || len(s) > 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
