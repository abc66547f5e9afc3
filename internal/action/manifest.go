// Package action loads reusable step sequences and expands `uses` steps
// into the commands they stand for.
package action

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/keel/internal/workflow"
)

const manifestFilename = "action.yaml"

// inputRef matches ${{ inputs.name }} placeholders.
var inputRef = regexp.MustCompile(`\$\{\{\s*inputs\.([A-Za-z0-9_-]+)\s*\}\}`)

var actionNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Input declares one parameter of an action.
type Input struct {
	Name        string `yaml:"-"`
	Description string `yaml:"description,omitempty"`
	Default     string `yaml:"default,omitempty"`
	Required    bool   `yaml:"required,omitempty"`
}

// Inputs is keyed by input name.
//
// Accepted formats:
//   - scalar shorthand, the value is the default: inputs: {version: "1.22"}
//   - object: inputs: {token: {required: true, description: ...}}
type Inputs map[string]Input

func (in *Inputs) UnmarshalYAML(n *yaml.Node) error {
	if n == nil || n.Kind == 0 {
		*in = nil
		return nil
	}
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("inputs must be a mapping")
	}

	out := make(Inputs, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		name := strings.TrimSpace(n.Content[i].Value)
		val := n.Content[i+1]
		var input Input
		switch val.Kind {
		case yaml.ScalarNode:
			if val.Tag != "!!null" {
				input.Default = val.Value
			}
		case yaml.MappingNode:
			if err := val.Decode(&input); err != nil {
				return fmt.Errorf("invalid input %q: %w", name, err)
			}
		default:
			return fmt.Errorf("invalid input %q (must be scalar or object)", name)
		}
		input.Name = name
		out[name] = input
	}
	*in = out
	return nil
}

// Manifest is the decoded form of an action.yaml file.
type Manifest struct {
	Name        string              `yaml:"name"`
	Description string              `yaml:"description,omitempty"`
	Inputs      Inputs              `yaml:"inputs,omitempty"`
	Steps       []workflow.StepSpec `yaml:"steps"`
}

// Action is a discovered and validated action.
type Action struct {
	Name        string
	Path        string // directory holding action.yaml
	Description string
	Inputs      Inputs
	Steps       []workflow.StepSpec
}

// InputNames returns the declared input names, sorted.
func (a *Action) InputNames() []string {
	names := make([]string, 0, len(a.Inputs))
	for n := range a.Inputs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParseManifest decodes and validates an action manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validateManifest(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

func validateManifest(m *Manifest) error {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !actionNamePattern.MatchString(m.Name) {
		return fmt.Errorf("invalid action name %q", m.Name)
	}
	for name, in := range m.Inputs {
		if name == "" {
			return fmt.Errorf("input name is required")
		}
		if in.Required && in.Default != "" {
			return fmt.Errorf("input %q is required and has a default", name)
		}
	}
	if len(m.Steps) == 0 {
		return fmt.Errorf("at least one step must be declared")
	}
	for i, s := range m.Steps {
		if strings.TrimSpace(s.Uses) != "" {
			return fmt.Errorf("steps[%d]: actions cannot use other actions", i)
		}
		if strings.TrimSpace(s.Run) == "" {
			return fmt.Errorf("steps[%d]: run is required", i)
		}
		for _, ref := range references(s) {
			if _, ok := m.Inputs[ref]; !ok {
				return fmt.Errorf("steps[%d]: references undeclared input %q", i, ref)
			}
		}
	}
	return nil
}

// references lists every input name a step template mentions.
func references(s workflow.StepSpec) []string {
	var out []string
	collect := func(text string) {
		for _, m := range inputRef.FindAllStringSubmatch(text, -1) {
			out = append(out, m[1])
		}
	}
	collect(s.Name)
	collect(s.Run)
	collect(s.WorkingDirectory)
	for _, v := range s.Env {
		collect(v)
	}
	return out
}
