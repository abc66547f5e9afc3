package cache

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
)

// InputFile is one file that contributes to a cache key.
type InputFile struct {
	Path   string `json:"path"`
	Digest string `json:"digest"`
}

// KeyFor derives the cache key for a step. The key covers the workflow name,
// the job's environment descriptor and every (path, content hash) pair
// matched by patterns under root, so changing any input byte changes the key.
func KeyFor(workflowName, envDescriptor, prefix, root string, patterns []string) (string, error) {
	inputs, err := HashInputs(root, patterns)
	if err != nil {
		return "", err
	}
	return ComposeKey(workflowName, envDescriptor, prefix, inputs), nil
}

// ComposeKey renders <prefix>-<blake3 hex> from already-hashed inputs. Inputs
// must be sorted by path, as HashInputs returns them.
func ComposeKey(workflowName, envDescriptor, prefix string, inputs []InputFile) string {
	h := blake3.New()
	writeField(h, "workflow", workflowName)
	writeField(h, "environment", envDescriptor)
	for _, in := range inputs {
		writeField(h, "path", in.Path)
		writeField(h, "digest", in.Digest)
	}
	return prefix + "-" + hex.EncodeToString(h.Sum(nil))
}

// writeField length-prefixes values so adjacent fields cannot run together.
func writeField(w io.Writer, name, value string) {
	fmt.Fprintf(w, "%s:%d:%s\n", name, len(value), value)
}

// HashInputs expands doublestar patterns relative to root and hashes every
// matched regular file. Matched directories contribute all files beneath
// them. The result is sorted by slash-separated relative path.
func HashInputs(root string, patterns []string) ([]InputFile, error) {
	fsys := os.DirFS(root)
	seen := make(map[string]struct{})

	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(path.Clean(filepath.ToSlash(pattern)), "./")
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("expand cache input %q: %w", pattern, err)
		}
		for _, m := range matches {
			info, err := fs.Stat(fsys, m)
			if err != nil {
				return nil, fmt.Errorf("stat cache input %q: %w", m, err)
			}
			if !info.IsDir() {
				if info.Mode().IsRegular() {
					seen[m] = struct{}{}
				}
				continue
			}
			err = fs.WalkDir(fsys, m, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.Type().IsRegular() {
					seen[p] = struct{}{}
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("walk cache input %q: %w", m, err)
			}
		}
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out := make([]InputFile, 0, len(paths))
	for _, p := range paths {
		digest, err := HashFile(filepath.Join(root, filepath.FromSlash(p)))
		if err != nil {
			return nil, err
		}
		out = append(out, InputFile{Path: p, Digest: digest})
	}
	return out, nil
}

// HashFile returns the blake3 hex digest of a file's content.
func HashFile(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", filePath, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %q: %w", filePath, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
