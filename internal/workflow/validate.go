package workflow

import (
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var jobNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

var knownResolvers = []string{"", "npm", "manifest", "gomod", "command"}

func validateDefinition(d *Definition) error {
	if d.name == "" {
		return configErr("", "", "name", "workflow name is required")
	}
	if len(d.triggers) == 0 {
		return configErr(d.name, "", "on", "at least one trigger rule is required")
	}
	for i, t := range d.triggers {
		if err := validateTrigger(d.name, i, t); err != nil {
			return err
		}
	}
	if len(d.jobs) == 0 {
		return configErr(d.name, "", "jobs", "at least one job is required")
	}

	seen := make(map[string]bool, len(d.jobs))
	for _, j := range d.jobs {
		if !jobNamePattern.MatchString(j.Name) {
			return configErr(d.name, j.Name, "name", "invalid job name")
		}
		if seen[j.Name] {
			return configErr(d.name, j.Name, "name", "duplicate job name")
		}
		seen[j.Name] = true
		if err := validateJob(d.name, j); err != nil {
			return err
		}
	}
	return nil
}

func validateTrigger(wf string, i int, t TriggerRule) error {
	field := "on[" + strconv.Itoa(i) + "]"
	switch t.Kind {
	case EventPush:
		if len(t.Actions) > 0 {
			return configErr(wf, "", field, "actions only apply to pull_request rules")
		}
	case EventPullRequest:
		for _, a := range t.Actions {
			if !slices.Contains(DefaultPullRequestActions, a) {
				return configErr(wf, "", field, "unsupported pull_request action %q", a)
			}
		}
	default:
		return configErr(wf, "", field, "unknown trigger kind %q", t.Kind)
	}
	if len(t.Branches) == 0 {
		return configErr(wf, "", field, "branches must not be empty")
	}
	for _, b := range t.Branches {
		if strings.TrimSpace(b) == "" || !doublestar.ValidatePattern(b) {
			return configErr(wf, "", field, "invalid branch pattern %q", b)
		}
	}
	return nil
}

func validateJob(wf string, j JobSpec) error {
	switch j.Environment.RunnerOrDefault() {
	case RunnerShell:
	case RunnerDocker:
		if strings.TrimSpace(j.Environment.Image) == "" {
			return configErr(wf, j.Name, "environment.image", "docker runner requires an image")
		}
	default:
		return configErr(wf, j.Name, "environment.runner", "unknown runner %q", j.Environment.Runner)
	}

	switch j.Checkout {
	case CheckoutUnset, CheckoutBase, CheckoutHead, CheckoutNone:
	default:
		return configErr(wf, j.Name, "checkout", "unknown checkout source %q", j.Checkout)
	}

	if j.Limits.MaxParallelism < 0 {
		return configErr(wf, j.Name, "limits.max_parallelism", "must not be negative")
	}
	if j.Limits.Timeout < 0 {
		return configErr(wf, j.Name, "limits.timeout", "must not be negative")
	}

	for _, n := range j.Needs {
		if n == j.Name {
			return configErr(wf, j.Name, "needs", "job depends on itself")
		}
	}

	switch j.KindOrDefault() {
	case JobKindSteps:
		if j.License != nil {
			return configErr(wf, j.Name, "license", "license settings require kind: license")
		}
		if len(j.Steps) == 0 {
			return configErr(wf, j.Name, "steps", "at least one step is required")
		}
		for i, s := range j.Steps {
			if err := validateStep(wf, j.Name, i, s); err != nil {
				return err
			}
		}
	case JobKindLicense:
		if len(j.Steps) > 0 {
			return configErr(wf, j.Name, "steps", "license jobs do not take steps")
		}
		if j.License == nil {
			return configErr(wf, j.Name, "license", "license job requires license settings")
		}
		if j.Checkout != CheckoutUnset && j.Checkout != CheckoutHead {
			return configErr(wf, j.Name, "checkout", "license jobs must check out the head revision, got %q", j.Checkout)
		}
		if strings.TrimSpace(j.License.Manifest) == "" {
			return configErr(wf, j.Name, "license.manifest", "manifest path is required")
		}
		if !slices.Contains(knownResolvers, j.License.Resolver) {
			return configErr(wf, j.Name, "license.resolver", "unknown resolver %q", j.License.Resolver)
		}
		if j.License.Resolver == "command" && strings.TrimSpace(j.License.Command) == "" {
			return configErr(wf, j.Name, "license.command", "command resolver requires a command")
		}
		if len(j.License.Allow) == 0 {
			return configErr(wf, j.Name, "license.allow", "allow-list must not be empty")
		}
	default:
		return configErr(wf, j.Name, "kind", "unknown job kind %q", j.Kind)
	}
	return nil
}

func validateStep(wf, job string, i int, s StepSpec) error {
	field := "steps[" + strconv.Itoa(i) + "]"
	hasRun := strings.TrimSpace(s.Run) != ""
	hasUses := strings.TrimSpace(s.Uses) != ""
	switch {
	case hasRun && hasUses:
		return configErr(wf, job, field, "step sets both run and uses")
	case !hasRun && !hasUses:
		return configErr(wf, job, field, "step needs run or uses")
	case hasRun && len(s.With) > 0:
		return configErr(wf, job, field, "with only applies to uses steps")
	}
	if s.WorkingDirectory != "" && (path.IsAbs(s.WorkingDirectory) || escapes(s.WorkingDirectory)) {
		return configErr(wf, job, field+".working-directory", "must be a relative path inside the workspace")
	}
	if c := s.Cache; c != nil {
		switch c.Policy {
		case "", CacheRestoreSave, CacheRestoreOnly, CacheSaveOnly:
		default:
			return configErr(wf, job, field+".cache.policy", "unknown policy %q", c.Policy)
		}
		if strings.TrimSpace(c.Key) == "" {
			return configErr(wf, job, field+".cache.key", "key prefix is required")
		}
		if len(c.Inputs) == 0 {
			return configErr(wf, job, field+".cache.inputs", "at least one input pattern is required")
		}
		for _, p := range c.Inputs {
			if !doublestar.ValidatePattern(p) {
				return configErr(wf, job, field+".cache.inputs", "invalid pattern %q", p)
			}
		}
		if len(c.Paths) == 0 {
			return configErr(wf, job, field+".cache.paths", "at least one cached path is required")
		}
		for _, p := range c.Paths {
			if path.IsAbs(p) || escapes(p) {
				return configErr(wf, job, field+".cache.paths", "path %q must stay inside the workspace", p)
			}
		}
	}
	return nil
}

func escapes(p string) bool {
	clean := path.Clean(p)
	return clean == ".." || strings.HasPrefix(clean, "../")
}
