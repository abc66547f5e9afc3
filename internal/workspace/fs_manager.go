package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// CloneMode selects how Clone populates the destination.
type CloneMode int

const (
	// CloneHardLink links regular files, falling back to a copy across
	// devices. Jobs that rewrite files in place would see each other's
	// edits, so jobs should replace files rather than truncate them.
	CloneHardLink CloneMode = iota
	// CloneCopy copies every regular file.
	CloneCopy
)

// FSManager manages run workspaces on local disk under
// <base>/<runID>/<name>.
type FSManager struct {
	baseDir string
	mode    CloneMode
	now     func() time.Time
}

var _ Manager = (*FSManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at baseDir.
func NewFSManager(baseDir string, mode CloneMode) (*FSManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}

	return &FSManager{
		baseDir: filepath.Clean(trimmed),
		mode:    mode,
		now:     time.Now,
	}, nil
}

// BaseDir returns the root all runs live under.
func (m *FSManager) BaseDir() string { return m.baseDir }

// Create initializes an empty workspace.
func (m *FSManager) Create(ctx context.Context, runID, name string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(runID, name)
	if err != nil {
		return Workspace{}, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create run directory: %w", err)
	}

	if err := os.Mkdir(path, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace %q for run %q: %w", name, runID, err)
	}

	return Workspace{RunID: runID, Name: name, Dir: path}, nil
}

// Clone creates dst from src's tree using the manager's clone mode.
func (m *FSManager) Clone(ctx context.Context, runID, src, dst string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}
	if src == dst {
		return Workspace{}, fmt.Errorf("source and destination workspaces must differ")
	}

	srcWS, err := m.Open(ctx, runID, src)
	if err != nil {
		return Workspace{}, fmt.Errorf("open source workspace: %w", err)
	}

	dstPath, err := m.workspacePath(runID, dst)
	if err != nil {
		return Workspace{}, err
	}

	if _, err := os.Stat(dstPath); err == nil {
		return Workspace{}, fmt.Errorf("destination workspace %q already exists", dst)
	} else if !os.IsNotExist(err) {
		return Workspace{}, fmt.Errorf("stat destination workspace %q: %w", dst, err)
	}

	if err := cloneTree(ctx, srcWS.Dir, dstPath, m.mode); err != nil {
		_ = os.RemoveAll(dstPath)
		return Workspace{}, fmt.Errorf("clone workspace %q to %q: %w", src, dst, err)
	}

	return Workspace{RunID: runID, Name: dst, Dir: dstPath}, nil
}

// Open returns an existing workspace.
func (m *FSManager) Open(ctx context.Context, runID, name string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(runID, name)
	if err != nil {
		return Workspace{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Workspace{}, fmt.Errorf("open workspace %q for run %q: %w", name, runID, err)
	}
	if !info.IsDir() {
		return Workspace{}, fmt.Errorf("workspace path %q is not a directory", path)
	}

	return Workspace{RunID: runID, Name: name, Dir: path}, nil
}

// Remove deletes every workspace of runID.
func (m *FSManager) Remove(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateName(runID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(m.baseDir, runID)); err != nil {
		return fmt.Errorf("remove run %q: %w", runID, err)
	}
	return nil
}

// Cleanup removes run directories older than olderThan based on directory
// modification time.
func (m *FSManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read run entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(m.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove run %q: %w", entry.Name(), err)
		}
		report.DeletedRuns++
	}

	return report, nil
}

func (m *FSManager) workspacePath(runID, name string) (string, error) {
	if err := validateName(runID); err != nil {
		return "", fmt.Errorf("run id: %w", err)
	}
	if err := validateName(name); err != nil {
		return "", fmt.Errorf("workspace name: %w", err)
	}
	return filepath.Join(m.baseDir, runID, name), nil
}

// CopyTree copies srcDir into dstDir, which must not exist yet.
func CopyTree(ctx context.Context, srcDir, dstDir string) error {
	return cloneTree(ctx, srcDir, dstDir, CloneCopy)
}

func cloneTree(ctx context.Context, srcDir, dstDir string, mode CloneMode) error {
	srcInfo, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("stat source directory: %w", err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %q is not a directory", srcDir)
	}

	if err := os.MkdirAll(filepath.Dir(dstDir), 0o755); err != nil {
		return fmt.Errorf("create destination parent: %w", err)
	}
	if err := os.Mkdir(dstDir, srcInfo.Mode().Perm()); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == srcDir {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		dstPath := filepath.Join(dstDir, relPath)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}

		switch {
		case d.IsDir():
			if err := os.Mkdir(dstPath, info.Mode().Perm()); err != nil {
				return fmt.Errorf("create directory %q: %w", dstPath, err)
			}
		case info.Mode().IsRegular():
			if mode == CloneHardLink {
				err := os.Link(path, dstPath)
				if err == nil {
					return nil
				}
				if !errors.Is(err, syscall.EXDEV) {
					return fmt.Errorf("hard-link %q to %q: %w", path, dstPath, err)
				}
			}
			if err := copyFile(path, dstPath, info.Mode().Perm()); err != nil {
				return err
			}
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %q: %w", path, err)
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return fmt.Errorf("create symlink %q: %w", dstPath, err)
			}
		default:
			// Sockets and fifos in a checkout are left behind.
			return nil
		}

		return nil
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create %q: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %q to %q: %w", src, dst, err)
	}
	return out.Close()
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("name is empty")
	}
	if trimmed != name {
		return fmt.Errorf("name %q has surrounding whitespace", name)
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("name %q is invalid", name)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("name %q must not contain path separators", name)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("name %q is invalid", name)
	}
	return nil
}
