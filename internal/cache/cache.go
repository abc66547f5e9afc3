// Package cache is the content-addressed artifact cache shared by every job
// of every pipeline run. Entries are immutable once committed; a key written
// twice with different content is a conflict that the last writer wins.
package cache

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/keel/internal/log"
)

// ErrInvalidKey rejects empty keys and keys with control characters.
var ErrInvalidKey = errors.New("invalid cache key")

// Artifact is an opaque packed blob, usually produced by Pack.
type Artifact []byte

// Digest returns the blake3 hex digest of the artifact content.
func (a Artifact) Digest() string {
	sum := blake3.Sum256(a)
	return hex.EncodeToString(sum[:])
}

// Entry describes a committed key.
type Entry struct {
	Key      string
	Size     int64
	StoredAt time.Time
}

// Backend is the pluggable key/value store behind a Provider. Implementations
// must make Put atomic: readers see either the previous value or the new one.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, data []byte) error
	// RestoreWithPrefix returns the most recently stored entry whose key starts
	// with prefix.
	RestoreWithPrefix(ctx context.Context, prefix string) ([]byte, string, bool, error)
	Keys(ctx context.Context) ([]Entry, error)
	Delete(ctx context.Context, key string) error
}

// StoreResult reports what Store did.
type StoreResult struct {
	// Unchanged is set when the key already held identical content.
	Unchanged bool
	// Conflict is set when the key held different content and was overwritten.
	Conflict bool
}

// Stats summarizes cache contents.
type Stats struct {
	Entries int
	Bytes   int64
	Oldest  time.Time
	Newest  time.Time
}

// Provider guards a Backend with per-key writer serialization and conflict
// detection.
type Provider struct {
	backend Backend
	locks   *keyLocks
	logger  *slog.Logger
}

// NewProvider wraps backend.
func NewProvider(backend Backend) *Provider {
	return &Provider{
		backend: backend,
		locks:   newKeyLocks(),
		logger:  log.WithComponent("cache"),
	}
}

// Backend returns the wrapped backend.
func (p *Provider) Backend() Backend { return p.backend }

// Lookup returns the artifact stored under key.
func (p *Provider) Lookup(ctx context.Context, key string) (Artifact, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	data, ok, err := p.backend.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup %q: %w", key, err)
	}
	return Artifact(data), ok, nil
}

// Store commits artifact under key. Storing identical content again is a
// no-op. Different content under an existing key overwrites it and reports
// a conflict; that is logged, not returned as an error.
func (p *Provider) Store(ctx context.Context, key string, artifact Artifact) (StoreResult, error) {
	if err := validateKey(key); err != nil {
		return StoreResult{}, err
	}

	unlock := p.locks.lock(key)
	defer unlock()

	existing, ok, err := p.backend.Get(ctx, key)
	if err != nil {
		return StoreResult{}, fmt.Errorf("cache read before store %q: %w", key, err)
	}
	var res StoreResult
	if ok {
		if bytes.Equal(existing, artifact) {
			return StoreResult{Unchanged: true}, nil
		}
		res.Conflict = true
		p.logger.Warn("cache key stored with different content; last write wins",
			"key", key,
			"previous_digest", Artifact(existing).Digest(),
			"digest", artifact.Digest(),
		)
	}

	if err := p.backend.Put(ctx, key, artifact); err != nil {
		return StoreResult{}, fmt.Errorf("cache store %q: %w", key, err)
	}
	p.logger.Debug("cache stored", "key", key, "bytes", len(artifact))
	return res, nil
}

// Fallback restores from the first prefix with any committed key. Prefixes
// are tried longest first so the most specific partial match wins; within a
// prefix the most recently stored entry wins.
func (p *Provider) Fallback(ctx context.Context, prefixes ...string) (Artifact, string, bool, error) {
	ordered := make([]string, 0, len(prefixes))
	for _, pfx := range prefixes {
		if pfx != "" {
			ordered = append(ordered, pfx)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })

	for _, pfx := range ordered {
		data, key, ok, err := p.backend.RestoreWithPrefix(ctx, pfx)
		if err != nil {
			return nil, "", false, fmt.Errorf("cache fallback %q: %w", pfx, err)
		}
		if ok {
			return Artifact(data), key, true, nil
		}
	}
	return nil, "", false, nil
}

// Prune deletes entries stored before cutoff and returns how many were removed.
func (p *Provider) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := p.backend.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cache keys: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if !e.StoredAt.Before(cutoff) {
			continue
		}
		unlock := p.locks.lock(e.Key)
		err := p.backend.Delete(ctx, e.Key)
		unlock()
		if err != nil {
			return removed, fmt.Errorf("delete cache key %q: %w", e.Key, err)
		}
		removed++
	}
	if removed > 0 {
		p.logger.Info("cache pruned", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}

// Stats summarizes the backend contents.
func (p *Provider) Stats(ctx context.Context) (Stats, error) {
	entries, err := p.backend.Keys(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list cache keys: %w", err)
	}
	var s Stats
	for _, e := range entries {
		s.Entries++
		s.Bytes += e.Size
		if s.Oldest.IsZero() || e.StoredAt.Before(s.Oldest) {
			s.Oldest = e.StoredAt
		}
		if e.StoredAt.After(s.Newest) {
			s.Newest = e.StoredAt
		}
	}
	return s, nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %q contains control characters", ErrInvalidKey, key)
		}
	}
	return nil
}

// newest picks the most recently stored entry. Equal timestamps fall back to
// the lexically greatest key so the choice is deterministic.
func newest(entries []Entry) (Entry, bool) {
	if len(entries) == 0 {
		return Entry{}, false
	}
	best := entries[0]
	for _, e := range entries[1:] {
		if e.StoredAt.After(best.StoredAt) || (e.StoredAt.Equal(best.StoredAt) && e.Key > best.Key) {
			best = e
		}
	}
	return best, true
}

// keyLocks hands out one mutex per key and forgets it when nobody holds it.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
