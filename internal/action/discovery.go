package action

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/mattjoyce/keel/internal/log"
)

// ErrUnknownAction is returned when a step uses an action nobody registered.
var ErrUnknownAction = errors.New("unknown action")

// Registry holds discovered actions indexed by name. It is read-only once
// discovery returns.
type Registry struct {
	actions map[string]*Action
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]*Action),
	}
}

// Get retrieves an action by name.
func (r *Registry) Get(name string) (*Action, bool) {
	if r == nil {
		return nil, false
	}
	a, ok := r.actions[name]
	return a, ok
}

// Names returns registered action names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.actions))
	for n := range r.actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Add registers an action.
func (r *Registry) Add(a *Action) error {
	if _, exists := r.actions[a.Name]; exists {
		return fmt.Errorf("action %q already registered", a.Name)
	}
	r.actions[a.Name] = a
	return nil
}

// Discover scans roots for action.yaml files. Roots are processed in order
// and the first action discovered under a name wins. Invalid manifests are
// logged and skipped.
func Discover(roots []string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = log.WithComponent("action")
	}

	seenRoots := make(map[string]struct{}, len(roots))
	absRoots := make([]string, 0, len(roots))
	for _, root := range roots {
		if root == "" {
			continue
		}
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve action root %s: %w", root, err)
		}
		info, err := os.Stat(absRoot)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("action root does not exist: %s", absRoot)
			}
			return nil, fmt.Errorf("failed to stat action root %s: %w", absRoot, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("action root is not a directory: %s", absRoot)
		}
		if _, ok := seenRoots[absRoot]; ok {
			continue
		}
		seenRoots[absRoot] = struct{}{}
		absRoots = append(absRoots, absRoot)
	}

	registry := NewRegistry()
	for _, root := range absRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || d.Name() != manifestFilename {
				return nil
			}

			a, err := loadAction(filepath.Dir(path))
			if err != nil {
				logger.Warn("failed to load action", "root", root, "path", path, "error", err)
				return nil
			}
			if err := registry.Add(a); err != nil {
				existing, _ := registry.Get(a.Name)
				logger.Warn("duplicate action ignored (keeping first discovered)",
					"action", a.Name,
					"ignored_path", a.Path,
					"kept_path", existing.Path,
				)
				return nil
			}
			logger.Debug("loaded action", "action", a.Name, "path", a.Path, "steps", len(a.Steps))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan action root %s: %w", root, err)
		}
	}
	return registry, nil
}

func loadAction(dir string) (*Action, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	return &Action{
		Name:        m.Name,
		Path:        dir,
		Description: m.Description,
		Inputs:      m.Inputs,
		Steps:       m.Steps,
	}, nil
}
