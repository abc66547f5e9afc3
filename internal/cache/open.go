package cache

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"

	"github.com/mattjoyce/keel/internal/storage"
)

// Backend kinds accepted by Open.
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Options selects and configures the backend behind a Provider.
type Options struct {
	Backend string
	// Dir is the cache directory for the fs backend and the default location
	// of the sqlite database.
	Dir      string
	DB       *sql.DB
	RedisURL string
	// MemoryBytes enables the in-memory tier when positive.
	MemoryBytes int64
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Open builds a Provider from opts. The returned closer releases whatever
// Open itself created.
func Open(ctx context.Context, opts Options) (*Provider, io.Closer, error) {
	var (
		backend Backend
		closers []func() error
	)

	switch opts.Backend {
	case "", BackendFS:
		fs, err := NewFSBackend(opts.Dir)
		if err != nil {
			return nil, nil, err
		}
		backend = fs
	case BackendSQLite:
		db := opts.DB
		if db == nil {
			var err error
			db, err = storage.OpenSQLite(ctx, filepath.Join(opts.Dir, "cache.db"))
			if err != nil {
				return nil, nil, err
			}
			closers = append(closers, db.Close)
		}
		backend = NewSQLiteBackend(db)
	case BackendRedis:
		rb, err := NewRedisBackend(ctx, RedisOptions{URL: opts.RedisURL})
		if err != nil {
			return nil, nil, err
		}
		backend = rb
		closers = append(closers, rb.Close)
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}

	if opts.MemoryBytes > 0 {
		tier, err := NewMemoryTier(backend, opts.MemoryBytes)
		if err != nil {
			return nil, nil, err
		}
		backend = tier
		closers = append(closers, func() error { tier.Close(); return nil })
	}

	closer := closerFunc(func() error {
		var first error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
	return NewProvider(backend), closer, nil
}
