package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/modfile"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/keel/internal/sandbox"
	"github.com/mattjoyce/keel/internal/workflow"
)

// Resolver names accepted in a license job's resolver field.
const (
	ResolverNpm      = "npm"
	ResolverManifest = "manifest"
	ResolverGoMod    = "gomod"
	ResolverCommand  = "command"
)

// ManifestSource locates a dependency manifest inside a checkout.
type ManifestSource struct {
	// Dir is the checkout root. Manifest and LicenseMap are relative to it.
	Dir        string
	Manifest   string
	LicenseMap string
}

// Path returns the manifest's absolute location.
func (s ManifestSource) Path() string {
	return filepath.Join(s.Dir, filepath.FromSlash(s.Manifest))
}

// Resolver produces the transitive dependency set of a manifest.
type Resolver interface {
	Resolve(ctx context.Context, src ManifestSource) ([]Record, error)
}

// ResolverFor returns the resolver a license job asks for. An empty
// resolver name is inferred from the manifest's file name.
func ResolverFor(job workflow.JobSpec, ex sandbox.Executor) (Resolver, error) {
	if job.License == nil {
		return nil, errors.New("job has no license settings")
	}
	spec := *job.License
	name := spec.Resolver
	if name == "" {
		switch path.Base(filepath.ToSlash(spec.Manifest)) {
		case "package-lock.json", "npm-shrinkwrap.json":
			name = ResolverNpm
		case "go.mod":
			name = ResolverGoMod
		default:
			name = ResolverManifest
		}
	}
	switch name {
	case ResolverNpm:
		return NpmLockResolver{}, nil
	case ResolverManifest:
		return ManifestResolver{}, nil
	case ResolverGoMod:
		return GoModResolver{}, nil
	case ResolverCommand:
		if ex == nil {
			return nil, errors.New("command resolver needs an executor")
		}
		return CommandResolver{Command: spec.Command, Environment: job.Environment, Limits: job.Limits, Executor: ex}, nil
	default:
		return nil, fmt.Errorf("unknown resolver %q", name)
	}
}

// licenseField decodes the shapes npm and hand-written manifests use for
// a license: "MIT", ["MIT", "ISC"], {"type": "MIT"} or [{"type": "MIT"}].
type licenseField []string

func (l *licenseField) UnmarshalJSON(data []byte) error {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return err
	}
	if len(node.Content) == 0 {
		*l = nil
		return nil
	}
	return l.UnmarshalYAML(node.Content[0])
}

func (l *licenseField) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			*l = nil
			return nil
		}
		*l = licenseField{n.Value}
	case yaml.MappingNode:
		var obj struct {
			Type string `yaml:"type"`
		}
		if err := n.Decode(&obj); err != nil {
			return err
		}
		*l = licenseField{obj.Type}
	case yaml.SequenceNode:
		out := make(licenseField, 0, len(n.Content))
		for _, item := range n.Content {
			var one licenseField
			if err := one.UnmarshalYAML(item); err != nil {
				return err
			}
			out = append(out, one...)
		}
		*l = out
	default:
		return fmt.Errorf("unsupported license value")
	}
	return nil
}

// NpmLockResolver reads package-lock.json lockfile versions 2 and 3, which
// record every installed package (transitive ones included) with its license.
type NpmLockResolver struct{}

type npmLock struct {
	LockfileVersion int                   `json:"lockfileVersion"`
	Packages        map[string]npmPackage `json:"packages"`
}

type npmPackage struct {
	Name     string       `json:"name"`
	Version  string       `json:"version"`
	License  licenseField `json:"license"`
	Licenses licenseField `json:"licenses"`
	Link     bool         `json:"link"`
}

func (NpmLockResolver) Resolve(_ context.Context, src ManifestSource) ([]Record, error) {
	data, err := os.ReadFile(src.Path())
	if err != nil {
		return nil, fmt.Errorf("read lockfile: %w", err)
	}
	var lock npmLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parse lockfile: %w", err)
	}
	if lock.LockfileVersion < 2 {
		return nil, fmt.Errorf("lockfileVersion %d not supported (need 2 or 3)", lock.LockfileVersion)
	}

	var out []Record
	for key, pkg := range lock.Packages {
		// "" is the project itself; links point at workspace packages.
		if key == "" || pkg.Link {
			continue
		}
		name := pkg.Name
		if name == "" {
			i := strings.LastIndex(key, "node_modules/")
			if i < 0 {
				continue
			}
			name = key[i+len("node_modules/"):]
		}
		licenses := append([]string(nil), pkg.License...)
		licenses = append(licenses, pkg.Licenses...)
		out = append(out, Record{Name: name, Version: pkg.Version, Licenses: licenses})
	}
	return dedupe(out), nil
}

// ManifestResolver reads a YAML or JSON document listing dependencies:
//
//	dependencies:
//	  - name: left-pad
//	    version: 1.3.0
//	    license: MIT
type ManifestResolver struct{}

type manifestDoc struct {
	Dependencies []manifestDep `yaml:"dependencies"`
}

type manifestDep struct {
	Name     string       `yaml:"name"`
	Version  string       `yaml:"version"`
	License  licenseField `yaml:"license"`
	Licenses licenseField `yaml:"licenses"`
}

func (ManifestResolver) Resolve(_ context.Context, src ManifestSource) ([]Record, error) {
	data, err := os.ReadFile(src.Path())
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var doc manifestDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	out := make([]Record, 0, len(doc.Dependencies))
	for i, d := range doc.Dependencies {
		if strings.TrimSpace(d.Name) == "" {
			return nil, fmt.Errorf("dependencies[%d]: name is required", i)
		}
		licenses := append([]string(nil), d.License...)
		licenses = append(licenses, d.Licenses...)
		out = append(out, Record{Name: d.Name, Version: d.Version, Licenses: licenses})
	}
	return dedupe(out), nil
}

// GoModResolver lists every module a go.mod requires, indirect ones
// included. go.mod carries no license data, so licenses come from a
// license map file keyed by module path:
//
//	golang.org/x/sys: BSD-3-Clause
//	github.com/example/dual: [MIT, Apache-2.0]
type GoModResolver struct{}

func (GoModResolver) Resolve(_ context.Context, src ManifestSource) ([]Record, error) {
	data, err := os.ReadFile(src.Path())
	if err != nil {
		return nil, fmt.Errorf("read go.mod: %w", err)
	}
	f, err := modfile.Parse(src.Manifest, data, nil)
	if err != nil {
		return nil, fmt.Errorf("parse go.mod: %w", err)
	}

	licenses := map[string]licenseField{}
	if src.LicenseMap != "" {
		raw, err := os.ReadFile(filepath.Join(src.Dir, filepath.FromSlash(src.LicenseMap)))
		if err != nil {
			return nil, fmt.Errorf("read license map: %w", err)
		}
		if err := yaml.Unmarshal(raw, &licenses); err != nil {
			return nil, fmt.Errorf("parse license map: %w", err)
		}
	}

	replaced := make(map[string]string, len(f.Replace))
	for _, r := range f.Replace {
		if r.New.Version != "" {
			replaced[r.Old.Path] = r.New.Path + "@" + r.New.Version
		}
	}

	out := make([]Record, 0, len(f.Require))
	for _, req := range f.Require {
		rec := Record{Name: req.Mod.Path, Version: req.Mod.Version}
		if to, ok := replaced[req.Mod.Path]; ok {
			i := strings.LastIndex(to, "@")
			rec.Name, rec.Version = to[:i], to[i+1:]
		}
		rec.Licenses = append([]string(nil), licenses[rec.Name]...)
		out = append(out, rec)
	}
	return dedupe(out), nil
}

// CommandResolver runs an external tool in the checkout and decodes the JSON
// array of records it prints on stdout.
type CommandResolver struct {
	Command     string
	Environment workflow.Environment
	Limits      workflow.ResourceLimits
	Executor    sandbox.Executor
	Env         []string
}

type commandRecord struct {
	Name     string       `json:"name"`
	Version  string       `json:"version"`
	License  licenseField `json:"license"`
	Licenses licenseField `json:"licenses"`
}

func (c CommandResolver) Resolve(ctx context.Context, src ManifestSource) ([]Record, error) {
	env := c.Env
	if env == nil {
		env = []string{"PATH=" + os.Getenv("PATH"), "HOME=" + os.Getenv("HOME")}
	}
	for k, v := range c.Environment.Vars {
		env = append(env, k+"="+v)
	}
	env = append(env, "KEEL_MANIFEST="+src.Manifest)

	res, err := c.Executor.Execute(ctx, sandbox.Command{
		Script: c.Command,
		Shell:  c.Environment.Shell,
		Env:    env,
		Dir:    src.Dir,
		Image:  c.Environment.Image,
		Limits: c.Limits,
	})
	if err != nil {
		return nil, fmt.Errorf("run resolver command: %w", err)
	}
	if !res.Succeeded() {
		return nil, fmt.Errorf("resolver command failed (exit %d): %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}

	var raw []commandRecord
	if err := json.Unmarshal(res.Stdout, &raw); err != nil {
		return nil, fmt.Errorf("decode resolver output: %w", err)
	}
	out := make([]Record, 0, len(raw))
	for _, r := range raw {
		licenses := append([]string(nil), r.License...)
		licenses = append(licenses, r.Licenses...)
		out = append(out, Record{Name: r.Name, Version: r.Version, Licenses: licenses})
	}
	return dedupe(out), nil
}

// dedupe merges records with the same name and version and sorts them.
func dedupe(in []Record) []Record {
	byID := make(map[string]*Record, len(in))
	var order []string
	for _, r := range in {
		id := r.ID()
		if existing, ok := byID[id]; ok {
			existing.Licenses = appendUnique(existing.Licenses, r.Licenses...)
			continue
		}
		r.Licenses = appendUnique(nil, r.Licenses...)
		byID[id] = &r
		order = append(order, id)
	}
	sort.Strings(order)
	out := make([]Record, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		dup := false
		for _, d := range dst {
			if d == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}
