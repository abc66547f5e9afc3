package workflow

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// JobKind selects how the scheduler executes a job.
type JobKind string

const (
	// JobKindSteps runs an ordered list of steps through the step runner.
	JobKindSteps JobKind = "steps"
	// JobKindLicense runs the dependency-license compliance gate.
	JobKindLicense JobKind = "license"
)

// CheckoutSource selects which revision a job's workspace is populated from.
type CheckoutSource string

const (
	CheckoutUnset CheckoutSource = ""
	CheckoutBase  CheckoutSource = "base"
	CheckoutHead  CheckoutSource = "head"
	CheckoutNone  CheckoutSource = "none"
)

// Runner names an execution environment backend.
const (
	RunnerShell  = "shell"
	RunnerDocker = "docker"
)

// CachePolicy controls whether a cache-aware step restores, saves, or both.
type CachePolicy string

const (
	CacheRestoreSave CachePolicy = "restore-save"
	CacheRestoreOnly CachePolicy = "restore"
	CacheSaveOnly    CachePolicy = "save"
)

// Restores reports whether the policy consults the cache before running.
func (p CachePolicy) Restores() bool {
	return p == "" || p == CacheRestoreSave || p == CacheRestoreOnly
}

// Saves reports whether the policy stores results after a successful run.
func (p CachePolicy) Saves() bool {
	return p == "" || p == CacheRestoreSave || p == CacheSaveOnly
}

// ByteSize is a byte count that decodes from "64MiB"-style strings or plain integers.
type ByteSize uint64

func (b *ByteSize) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("byte size must be a scalar")
	}
	v, err := humanize.ParseBytes(strings.TrimSpace(n.Value))
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", n.Value, err)
	}
	*b = ByteSize(v)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// TriggerRule admits events of one kind whose branch matches a glob pattern.
type TriggerRule struct {
	Kind     EventKind `yaml:"kind" json:"kind"`
	Branches []string  `yaml:"branches" json:"branches"`
	// Actions narrows pull_request rules; empty means opened and synchronize.
	Actions []string `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// Environment is the explicit execution environment handed to the sandbox.
type Environment struct {
	Runner string            `yaml:"runner,omitempty" json:"runner,omitempty"`
	Image  string            `yaml:"image,omitempty" json:"image,omitempty"`
	Shell  string            `yaml:"shell,omitempty" json:"shell,omitempty"`
	Vars   map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// RunnerOrDefault returns the runner name, defaulting to the shell runner.
func (e Environment) RunnerOrDefault() string {
	if strings.TrimSpace(e.Runner) == "" {
		return RunnerShell
	}
	return e.Runner
}

// Descriptor renders the environment as a canonical string. Equal environments
// produce equal descriptors regardless of map iteration order.
func (e Environment) Descriptor() string {
	var b strings.Builder
	fmt.Fprintf(&b, "runner=%s;image=%s;shell=%s", e.RunnerOrDefault(), e.Image, e.Shell)
	keys := make([]string, 0, len(e.Vars))
	for k := range e.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, ";%s=%s", k, e.Vars[k])
	}
	return b.String()
}

// ResourceLimits bounds a single job run.
type ResourceLimits struct {
	MaxLockedMemory ByteSize      `yaml:"max_locked_memory,omitempty" json:"max_locked_memory,omitempty"`
	MaxMemory       ByteSize      `yaml:"max_memory,omitempty" json:"max_memory,omitempty"`
	MaxParallelism  int           `yaml:"max_parallelism,omitempty" json:"max_parallelism,omitempty"`
	Timeout         time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxOutputBytes  ByteSize      `yaml:"max_output,omitempty" json:"max_output,omitempty"`
}

// Merge returns l with every zero field filled from defaults.
func (l ResourceLimits) Merge(defaults ResourceLimits) ResourceLimits {
	if l.MaxLockedMemory == 0 {
		l.MaxLockedMemory = defaults.MaxLockedMemory
	}
	if l.MaxMemory == 0 {
		l.MaxMemory = defaults.MaxMemory
	}
	if l.MaxParallelism == 0 {
		l.MaxParallelism = defaults.MaxParallelism
	}
	if l.Timeout == 0 {
		l.Timeout = defaults.Timeout
	}
	if l.MaxOutputBytes == 0 {
		l.MaxOutputBytes = defaults.MaxOutputBytes
	}
	return l
}

// CacheSpec declares the inputs that key a step's cache entry and the paths
// saved and restored under that key.
type CacheSpec struct {
	Key         string      `yaml:"key" json:"key"`
	Inputs      []string    `yaml:"inputs" json:"inputs"`
	Paths       []string    `yaml:"paths" json:"paths"`
	RestoreKeys []string    `yaml:"restore-keys,omitempty" json:"restore_keys,omitempty"`
	Policy      CachePolicy `yaml:"policy,omitempty" json:"policy,omitempty"`
}

// StepSpec is one command or action invocation. Exactly one of Run or Uses is set.
type StepSpec struct {
	Name             string            `yaml:"name" json:"name"`
	Run              string            `yaml:"run,omitempty" json:"run,omitempty"`
	Uses             string            `yaml:"uses,omitempty" json:"uses,omitempty"`
	With             map[string]string `yaml:"with,omitempty" json:"with,omitempty"`
	Env              map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	WorkingDirectory string            `yaml:"working-directory,omitempty" json:"working_directory,omitempty"`
	Cache            *CacheSpec        `yaml:"cache,omitempty" json:"cache,omitempty"`
	Produces         []string          `yaml:"produces,omitempty" json:"produces,omitempty"`
	Consumes         []string          `yaml:"consumes,omitempty" json:"consumes,omitempty"`
}

// LicenseSpec configures a license compliance job.
type LicenseSpec struct {
	Manifest   string   `yaml:"manifest" json:"manifest"`
	Resolver   string   `yaml:"resolver,omitempty" json:"resolver,omitempty"`
	Command    string   `yaml:"command,omitempty" json:"command,omitempty"`
	LicenseMap string   `yaml:"license-map,omitempty" json:"license_map,omitempty"`
	Allow      []string `yaml:"allow" json:"allow"`
}

// JobSpec is one named unit of scheduled work.
type JobSpec struct {
	Name        string         `yaml:"-" json:"name"`
	Kind        JobKind        `yaml:"kind,omitempty" json:"kind,omitempty"`
	Environment Environment    `yaml:"environment,omitempty" json:"environment,omitempty"`
	Steps       []StepSpec     `yaml:"steps,omitempty" json:"steps,omitempty"`
	Needs       []string       `yaml:"needs,omitempty" json:"needs,omitempty"`
	Limits      ResourceLimits `yaml:"limits,omitempty" json:"limits,omitempty"`
	Checkout    CheckoutSource `yaml:"checkout,omitempty" json:"checkout,omitempty"`
	License     *LicenseSpec   `yaml:"license,omitempty" json:"license,omitempty"`
}

// KindOrDefault returns the job kind, defaulting to JobKindSteps.
func (j JobSpec) KindOrDefault() JobKind {
	if j.Kind == "" {
		return JobKindSteps
	}
	return j.Kind
}

// Clone returns a deep copy of j.
func (j JobSpec) Clone() JobSpec {
	out := j
	out.Environment.Vars = maps.Clone(j.Environment.Vars)
	out.Needs = slices.Clone(j.Needs)
	if j.Steps != nil {
		out.Steps = make([]StepSpec, len(j.Steps))
		for i, s := range j.Steps {
			out.Steps[i] = s.Clone()
		}
	}
	if j.License != nil {
		l := *j.License
		l.Allow = slices.Clone(j.License.Allow)
		out.License = &l
	}
	return out
}

// Clone returns a deep copy of s.
func (s StepSpec) Clone() StepSpec {
	out := s
	out.With = maps.Clone(s.With)
	out.Env = maps.Clone(s.Env)
	out.Produces = slices.Clone(s.Produces)
	out.Consumes = slices.Clone(s.Consumes)
	if s.Cache != nil {
		c := *s.Cache
		c.Inputs = slices.Clone(s.Cache.Inputs)
		c.Paths = slices.Clone(s.Cache.Paths)
		c.RestoreKeys = slices.Clone(s.Cache.RestoreKeys)
		out.Cache = &c
	}
	return out
}

// Definition is a validated workflow. It is read-only once constructed;
// accessors hand out copies.
type Definition struct {
	name     string
	triggers []TriggerRule
	jobs     []JobSpec
	index    map[string]int
}

// NewDefinition validates and freezes a workflow. Jobs keep their declaration order.
func NewDefinition(name string, triggers []TriggerRule, jobs []JobSpec) (*Definition, error) {
	d := &Definition{
		name:     strings.TrimSpace(name),
		triggers: make([]TriggerRule, len(triggers)),
		jobs:     make([]JobSpec, len(jobs)),
		index:    make(map[string]int, len(jobs)),
	}
	for i, t := range triggers {
		t.Branches = slices.Clone(t.Branches)
		t.Actions = slices.Clone(t.Actions)
		d.triggers[i] = t
	}
	for i, j := range jobs {
		d.jobs[i] = j.Clone()
	}
	if err := validateDefinition(d); err != nil {
		return nil, err
	}
	for i, j := range d.jobs {
		d.index[j.Name] = i
	}
	return d, nil
}

// Name returns the workflow name.
func (d *Definition) Name() string { return d.name }

// Triggers returns a copy of the trigger rules.
func (d *Definition) Triggers() []TriggerRule {
	out := make([]TriggerRule, len(d.triggers))
	for i, t := range d.triggers {
		t.Branches = slices.Clone(t.Branches)
		t.Actions = slices.Clone(t.Actions)
		out[i] = t
	}
	return out
}

// Jobs returns copies of all jobs in declaration order.
func (d *Definition) Jobs() []JobSpec {
	out := make([]JobSpec, len(d.jobs))
	for i, j := range d.jobs {
		out[i] = j.Clone()
	}
	return out
}

// Job returns a copy of the named job.
func (d *Definition) Job(name string) (JobSpec, bool) {
	i, ok := d.index[name]
	if !ok {
		return JobSpec{}, false
	}
	return d.jobs[i].Clone(), true
}

// JobNames returns job names in declaration order.
func (d *Definition) JobNames() []string {
	out := make([]string, len(d.jobs))
	for i, j := range d.jobs {
		out[i] = j.Name
	}
	return out
}
