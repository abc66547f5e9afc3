package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// storedAtLayout is fixed-width so stored_at sorts lexically in time order.
const storedAtLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteBackend keeps entries in the cache_entry table of a database opened
// with storage.OpenSQLite.
type SQLiteBackend struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteBackend uses db, which must already be bootstrapped.
func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db, now: time.Now}
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM cache_entry WHERE key = ?;`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select cache entry: %w", err)
	}
	return data, true, nil
}

func (b *SQLiteBackend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.db.ExecContext(ctx, `
INSERT INTO cache_entry(key, data, size, stored_at) VALUES(?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET data = excluded.data, size = excluded.size, stored_at = excluded.stored_at;
`, key, data, len(data), b.now().UTC().Format(storedAtLayout))
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) RestoreWithPrefix(ctx context.Context, prefix string) ([]byte, string, bool, error) {
	var (
		key  string
		data []byte
	)
	err := b.db.QueryRowContext(ctx, `
SELECT key, data FROM cache_entry
WHERE substr(CAST(key AS BLOB), 1, ?) = CAST(? AS BLOB)
ORDER BY stored_at DESC, key DESC
LIMIT 1;
`, len(prefix), prefix).Scan(&key, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("select cache prefix: %w", err)
	}
	return data, key, true, nil
}

func (b *SQLiteBackend) Keys(ctx context.Context) ([]Entry, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key, size, stored_at FROM cache_entry ORDER BY key;`)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			storedAt string
		)
		if err := rows.Scan(&e.Key, &e.Size, &storedAt); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		e.StoredAt, err = time.Parse(storedAtLayout, storedAt)
		if err != nil {
			return nil, fmt.Errorf("parse stored_at %q: %w", storedAt, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM cache_entry WHERE key = ?;`, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}
