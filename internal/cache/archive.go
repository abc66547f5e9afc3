package cache

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// epoch is stamped on every archived entry so equal trees pack to equal bytes.
var epoch = time.Unix(0, 0).UTC()

// Pack archives the given workspace-relative paths under root as tar+gzip.
// Missing paths are skipped. Entries are written in sorted order with fixed
// timestamps, so packing the same tree twice yields identical artifacts.
func Pack(root string, paths []string) (Artifact, error) {
	var files []string
	for _, p := range paths {
		rel := strings.TrimPrefix(path.Clean(filepath.ToSlash(p)), "./")
		if rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
			return nil, fmt.Errorf("cache path %q escapes the workspace", p)
		}
		full := filepath.Join(root, filepath.FromSlash(rel))
		if _, err := os.Lstat(full); errors.Is(err, os.ErrNotExist) {
			continue
		}
		err := filepath.WalkDir(full, func(fp string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			r, err := filepath.Rel(root, fp)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(r))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk cache path %q: %w", p, err)
		}
	}
	sort.Strings(files)
	files = dedupeSorted(files)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, rel := range files {
		if err := addToArchive(tw, root, rel); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return Artifact(buf.Bytes()), nil
}

func addToArchive(tw *tar.Writer, root, rel string) error {
	full := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Lstat(full)
	if err != nil {
		return fmt.Errorf("stat %q: %w", rel, err)
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(full); err != nil {
			return fmt.Errorf("readlink %q: %w", rel, err)
		}
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("tar header %q: %w", rel, err)
	}
	hdr.Name = rel
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.ModTime, hdr.AccessTime, hdr.ChangeTime = epoch, time.Time{}, time.Time{}
	hdr.Uid, hdr.Gid, hdr.Uname, hdr.Gname = 0, 0, "", ""
	hdr.Format = tar.FormatPAX

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header %q: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("open %q: %w", rel, err)
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archive %q: %w", rel, err)
	}
	return nil
}

// Unpack extracts an artifact produced by Pack into root, replacing files
// that already exist. Entries that would land outside root are rejected,
// including entries reached through a symlink restored earlier.
func Unpack(root string, artifact Artifact) error {
	gz, err := gzip.NewReader(bytes.NewReader(artifact))
	if err != nil {
		return fmt.Errorf("open cache artifact: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create %q: %w", root, err)
	}
	r, err := os.OpenRoot(root)
	if err != nil {
		return fmt.Errorf("open %q: %w", root, err)
	}
	defer r.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read cache artifact: %w", err)
		}

		rel := path.Clean(hdr.Name)
		if rel == "." {
			continue
		}
		if rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
			return fmt.Errorf("cache artifact entry %q escapes the workspace", hdr.Name)
		}
		if err := checkParents(r, rel); err != nil {
			return fmt.Errorf("cache artifact entry %q: %w", hdr.Name, err)
		}
		name := filepath.FromSlash(rel)
		mode := os.FileMode(hdr.Mode).Perm()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := r.MkdirAll(name, mode|0o700); err != nil {
				return fmt.Errorf("create %q: %w", rel, err)
			}
		case tar.TypeReg:
			if err := writeFile(r, name, tr, mode); err != nil {
				return fmt.Errorf("restore %q: %w", rel, err)
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("cache artifact symlink %q is absolute", hdr.Name)
			}
			resolved := path.Join(path.Dir(rel), filepath.ToSlash(hdr.Linkname))
			if resolved == ".." || strings.HasPrefix(resolved, "../") {
				return fmt.Errorf("cache artifact symlink %q escapes the workspace", hdr.Name)
			}
			if err := mkdirParent(r, name); err != nil {
				return fmt.Errorf("create parent of %q: %w", rel, err)
			}
			_ = r.Remove(name)
			if err := r.Symlink(hdr.Linkname, name); err != nil {
				return fmt.Errorf("restore symlink %q: %w", rel, err)
			}
		}
	}
}

// checkParents rejects rel when one of its directories is a symlink. Pack
// never descends through symlinks, so only a crafted artifact does this.
func checkParents(r *os.Root, rel string) error {
	dir := path.Dir(rel)
	if dir == "." {
		return nil
	}
	parts := strings.Split(dir, "/")
	for i := range parts {
		p := filepath.FromSlash(strings.Join(parts[:i+1], "/"))
		info, err := r.Lstat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("parent %q is a symlink", filepath.ToSlash(p))
		}
	}
	return nil
}

func writeFile(r *os.Root, name string, src io.Reader, mode os.FileMode) error {
	if err := mkdirParent(r, name); err != nil {
		return err
	}
	_ = r.Remove(name)
	f, err := r.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func mkdirParent(r *os.Root, name string) error {
	dir := filepath.Dir(name)
	if dir == "." {
		return nil
	}
	return r.MkdirAll(dir, 0o755)
}

func dedupeSorted(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	return out
}
