package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mattjoyce/keel/internal/storage"
)

const (
	entrySuffix = ".tgz"
	lockDirName = ".locks"
)

// FSBackend stores one file per key under a directory. Writes go to a temp
// file and are renamed into place while holding an flock(2) on a per-key
// lock file, so separate processes sharing the directory serialize too.
type FSBackend struct {
	dir string
	now func() time.Time
}

// NewFSBackend creates dir if needed. The directory must be on a local
// filesystem for the per-key locks to hold.
func NewFSBackend(dir string) (*FSBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is empty")
	}
	if err := storage.EnsureLocalFilesystem(dir, "cache"); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, lockDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &FSBackend{dir: dir, now: time.Now}, nil
}

// Dir returns the cache directory.
func (b *FSBackend) Dir() string { return b.dir }

func (b *FSBackend) entryPath(key string) string {
	return filepath.Join(b.dir, url.PathEscape(key)+entrySuffix)
}

func (b *FSBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(b.entryPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache entry: %w", err)
	}
	return data, true, nil
}

func (b *FSBackend) Put(_ context.Context, key string, data []byte) error {
	release, err := b.acquire(key)
	if err != nil {
		return err
	}
	defer release()

	tmp, err := os.CreateTemp(b.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create cache temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write cache temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync cache temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close cache temp file: %w", err)
	}

	dest := b.entryPath(key)
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit cache entry: %w", err)
	}
	// The mtime doubles as the store time used by RestoreWithPrefix and Prune.
	now := b.now()
	if err := os.Chtimes(dest, now, now); err != nil {
		return fmt.Errorf("stamp cache entry: %w", err)
	}
	return nil
}

// acquire takes an exclusive flock on the key's lock file, blocking until
// any other writer in any process releases it.
func (b *FSBackend) acquire(key string) (func(), error) {
	lockPath := filepath.Join(b.dir, lockDirName, url.PathEscape(key)+".lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open cache lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("acquire cache lock: %w", err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

func (b *FSBackend) RestoreWithPrefix(ctx context.Context, prefix string) ([]byte, string, bool, error) {
	entries, err := b.Keys(ctx)
	if err != nil {
		return nil, "", false, err
	}
	var candidates []Entry
	for _, e := range entries {
		if strings.HasPrefix(e.Key, prefix) {
			candidates = append(candidates, e)
		}
	}
	best, ok := newest(candidates)
	if !ok {
		return nil, "", false, nil
	}
	data, ok, err := b.Get(ctx, best.Key)
	if err != nil || !ok {
		return nil, "", false, err
	}
	return data, best.Key, true, nil
}

func (b *FSBackend) Keys(_ context.Context) ([]Entry, error) {
	dirEntries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("list cache directory: %w", err)
	}
	out := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, entrySuffix) || strings.HasPrefix(name, ".") {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, entrySuffix))
		if err != nil {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, Entry{Key: key, Size: info.Size(), StoredAt: info.ModTime()})
	}
	return out, nil
}

func (b *FSBackend) Delete(_ context.Context, key string) error {
	release, err := b.acquire(key)
	if err != nil {
		return err
	}
	defer release()

	if err := os.Remove(b.entryPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	// The lock file stays: unlinking it would let a waiter holding the old
	// inode and a newcomer on a fresh file both believe they own the key.
	return nil
}
