package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileSpec is the on-disk workflow shape. Jobs stay a raw node so their
// declaration order survives decoding.
type fileSpec struct {
	Name string        `yaml:"name"`
	On   []TriggerRule `yaml:"on"`
	Jobs yaml.Node     `yaml:"jobs"`
}

// LoadFile parses and validates one workflow YAML file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file %q: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("workflow file %q: %w", path, err)
	}
	return def, nil
}

// LoadDir loads every *.yaml / *.yml file in dir, sorted by file name.
// Workflow names must be unique across the directory.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workflows directory %q: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)

	seen := make(map[string]string, len(files))
	defs := make([]*Definition, 0, len(files))
	for _, f := range files {
		def, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[def.Name()]; ok {
			return nil, configErr(def.Name(), "", "name", "defined in both %s and %s", prev, f)
		}
		seen[def.Name()] = f
		defs = append(defs, def)
	}
	return defs, nil
}

// Parse decodes and validates a workflow document.
func Parse(data []byte) (*Definition, error) {
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("parse workflow: %v", err)}
	}
	name := strings.TrimSpace(spec.Name)

	jobs, err := decodeJobs(&spec.Jobs)
	if err != nil {
		return nil, &ConfigError{Workflow: name, Field: "jobs", Reason: err.Error()}
	}
	for i := range spec.On {
		for j, b := range spec.On[i].Branches {
			spec.On[i].Branches[j] = normalizeBranchPattern(b)
		}
	}
	return NewDefinition(name, spec.On, jobs)
}

// decodeJobs accepts either a mapping of name to job or a sequence of jobs
// carrying a name field.
func decodeJobs(n *yaml.Node) ([]JobSpec, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.MappingNode:
		jobs := make([]JobSpec, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			var job JobSpec
			if err := n.Content[i+1].Decode(&job); err != nil {
				return nil, fmt.Errorf("job %q: %v", n.Content[i].Value, err)
			}
			job.Name = strings.TrimSpace(n.Content[i].Value)
			jobs = append(jobs, job)
		}
		return jobs, nil
	case yaml.SequenceNode:
		jobs := make([]JobSpec, 0, len(n.Content))
		for i, item := range n.Content {
			var named struct {
				Name string `yaml:"name"`
			}
			if err := item.Decode(&named); err != nil {
				return nil, fmt.Errorf("job %d: %v", i, err)
			}
			var job JobSpec
			if err := item.Decode(&job); err != nil {
				return nil, fmt.Errorf("job %q: %v", named.Name, err)
			}
			job.Name = strings.TrimSpace(named.Name)
			jobs = append(jobs, job)
		}
		return jobs, nil
	default:
		return nil, fmt.Errorf("jobs must be a mapping or a list")
	}
}

// normalizeBranchPattern strips a refs/heads/ prefix so rules can be written
// either way.
func normalizeBranchPattern(p string) string {
	return strings.TrimPrefix(strings.TrimSpace(p), "refs/heads/")
}
