package action

import (
	"fmt"
	"maps"
	"path"
	"strings"

	"github.com/mattjoyce/keel/internal/workflow"
)

// PathEnv is set on every expanded step to the action's directory.
const PathEnv = "KEEL_ACTION_PATH"

// Expand returns step unchanged when it is a run step, and otherwise the
// action's steps with every ${{ inputs.x }} replaced by the caller's value
// or the input's default.
func (r *Registry) Expand(step workflow.StepSpec) ([]workflow.StepSpec, error) {
	ref := strings.TrimSpace(step.Uses)
	if ref == "" {
		return []workflow.StepSpec{step.Clone()}, nil
	}
	a, ok := r.Get(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, ref)
	}

	values, err := a.resolveInputs(step.With)
	if err != nil {
		return nil, err
	}
	if step.Cache != nil && len(a.Steps) != 1 {
		return nil, fmt.Errorf("action %q: cache settings need a single-step action, it has %d steps", a.Name, len(a.Steps))
	}

	prefix := step.Name
	if prefix == "" {
		prefix = a.Name
	}
	subst := func(s string) string {
		return inputRef.ReplaceAllStringFunc(s, func(m string) string {
			return values[inputRef.FindStringSubmatch(m)[1]]
		})
	}

	out := make([]workflow.StepSpec, 0, len(a.Steps))
	for i, tmpl := range a.Steps {
		s := tmpl.Clone()
		name := subst(s.Name)
		if name == "" {
			name = fmt.Sprintf("step %d", i+1)
		}
		s.Name = prefix + ": " + name
		s.Run = subst(s.Run)

		env := make(map[string]string, len(s.Env)+len(step.Env)+1)
		for k, v := range s.Env {
			env[k] = subst(v)
		}
		maps.Copy(env, step.Env)
		env[PathEnv] = a.Path
		s.Env = env

		wd := subst(s.WorkingDirectory)
		switch {
		case step.WorkingDirectory != "" && wd != "":
			s.WorkingDirectory = path.Join(step.WorkingDirectory, wd)
		case step.WorkingDirectory != "":
			s.WorkingDirectory = step.WorkingDirectory
		default:
			s.WorkingDirectory = wd
		}
		if escapesWorkspace(s.WorkingDirectory) {
			return nil, fmt.Errorf("action %q: working directory %q leaves the workspace", a.Name, s.WorkingDirectory)
		}
		if step.Cache != nil {
			c := step.Clone().Cache
			s.Cache = c
		}
		out = append(out, s)
	}
	return out, nil
}

// ExpandAll expands every step in order.
func (r *Registry) ExpandAll(steps []workflow.StepSpec) ([]workflow.StepSpec, error) {
	var out []workflow.StepSpec
	for i, s := range steps {
		expanded, err := r.Expand(s)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		out = append(out, expanded...)
	}
	return out, nil
}

func (a *Action) resolveInputs(with map[string]string) (map[string]string, error) {
	for k := range with {
		if _, ok := a.Inputs[k]; !ok {
			return nil, fmt.Errorf("action %q has no input %q", a.Name, k)
		}
	}
	values := make(map[string]string, len(a.Inputs))
	for _, name := range a.InputNames() {
		in := a.Inputs[name]
		v, ok := with[name]
		switch {
		case ok:
			values[name] = v
		case in.Required:
			return nil, fmt.Errorf("action %q: missing required input %q", a.Name, name)
		default:
			values[name] = in.Default
		}
	}
	return values, nil
}

func escapesWorkspace(p string) bool {
	if p == "" {
		return false
	}
	if path.IsAbs(p) {
		return true
	}
	clean := path.Clean(p)
	return clean == ".." || strings.HasPrefix(clean, "../")
}
