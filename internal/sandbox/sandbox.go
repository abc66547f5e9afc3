// Package sandbox runs opaque commands under an explicit environment and
// resource limits.
package sandbox

//go:generate mockgen -destination=mocks/mock_executor.go -package=mocks github.com/mattjoyce/keel/internal/sandbox Executor

import (
	"context"
	"sync"
	"time"

	"github.com/mattjoyce/keel/internal/workflow"
)

// ResourceKind names the limit a command ran into.
type ResourceKind string

const (
	ResourceNone         ResourceKind = ""
	ResourceTimeout      ResourceKind = "timeout"
	ResourceOutput       ResourceKind = "output"
	ResourceMemory       ResourceKind = "memory"
	ResourceLockedMemory ResourceKind = "locked_memory"
)

// DefaultOutputCap bounds captured output when no explicit limit is set.
// Output past it is dropped, not treated as a failure.
const DefaultOutputCap = 1 << 20

// terminationGracePeriod is how long a signalled command gets to exit
// before it is killed.
const terminationGracePeriod = 5 * time.Second

// Command is one shell script invocation.
type Command struct {
	Script string
	Shell  string
	// Env is the complete environment. Nil inherits the caller's.
	Env    []string
	Dir    string
	Image  string
	Limits workflow.ResourceLimits
}

// Result describes a finished command. A non-zero ExitCode is a normal
// result, not an error.
type Result struct {
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	Duration  time.Duration
	Exceeded  ResourceKind
	Truncated bool
	Cancelled bool
}

// Succeeded reports a zero exit with no limit exceeded.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0 && r.Exceeded == ResourceNone && !r.Cancelled
}

// Output returns stdout followed by stderr.
func (r Result) Output() []byte {
	out := make([]byte, 0, len(r.Stdout)+len(r.Stderr))
	out = append(out, r.Stdout...)
	return append(out, r.Stderr...)
}

// Executor runs commands. The error return is reserved for failures to run
// the command at all.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (Result, error)
}

// Router dispatches to the executor registered for an environment runner.
type Router struct {
	executors map[string]Executor
}

// NewRouter returns a Router with the given runner-to-executor bindings.
func NewRouter(executors map[string]Executor) *Router {
	r := &Router{executors: make(map[string]Executor, len(executors))}
	for k, v := range executors {
		r.executors[k] = v
	}
	return r
}

// For returns the executor for env's runner.
func (r *Router) For(env workflow.Environment) (Executor, bool) {
	ex, ok := r.executors[env.RunnerOrDefault()]
	return ex, ok
}

// capture is an io.Writer shared by stdout and stderr that keeps at most
// limit bytes overall. It never fails a write, so the command is not hit
// with EPIPE; when enforce is set the first overflow is signalled on
// overflow instead.
type capture struct {
	mu        sync.Mutex
	limit     int64
	written   int64
	enforce   bool
	truncated bool
	overflow  chan struct{}
}

func newCapture(limit int64, enforce bool) *capture {
	return &capture{limit: limit, enforce: enforce, overflow: make(chan struct{})}
}

type captureStream struct {
	c   *capture
	buf []byte
}

func (c *capture) stream() *captureStream { return &captureStream{c: c} }

func (s *captureStream) Write(p []byte) (int, error) {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()

	room := c.limit - c.written
	n := int64(len(p))
	if n > room {
		if room > 0 {
			s.buf = append(s.buf, p[:room]...)
			c.written += room
		}
		if !c.truncated {
			c.truncated = true
			if c.enforce {
				close(c.overflow)
			}
		}
		return len(p), nil
	}
	s.buf = append(s.buf, p...)
	c.written += n
	return len(p), nil
}

func (c *capture) isTruncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

func outputLimit(l workflow.ResourceLimits) (int64, bool) {
	if l.MaxOutputBytes > 0 {
		return int64(l.MaxOutputBytes), true
	}
	return DefaultOutputCap, false
}
