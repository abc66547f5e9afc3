package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfig is the sentinel every *ConfigError unwraps to.
	ErrConfig = errors.New("configuration error")
	// ErrInvalidEvent rejects malformed event data before any rule is evaluated.
	ErrInvalidEvent = errors.New("invalid event")
)

// ConfigError reports a bad trigger rule or malformed job spec. A pipeline
// with a ConfigError never starts.
type ConfigError struct {
	Workflow string
	Job      string
	Field    string
	Reason   string
}

func (e *ConfigError) Error() string {
	var parts []string
	if e.Workflow != "" {
		parts = append(parts, fmt.Sprintf("workflow %q", e.Workflow))
	}
	if e.Job != "" {
		parts = append(parts, fmt.Sprintf("job %q", e.Job))
	}
	if e.Field != "" {
		parts = append(parts, e.Field)
	}
	if len(parts) == 0 {
		return "configuration error: " + e.Reason
	}
	return "configuration error: " + strings.Join(parts, ": ") + ": " + e.Reason
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

func configErr(workflow, job, field, format string, args ...any) *ConfigError {
	return &ConfigError{
		Workflow: workflow,
		Job:      job,
		Field:    field,
		Reason:   fmt.Sprintf(format, args...),
	}
}

func invalidEvent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}
