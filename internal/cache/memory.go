package cache

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// MemoryTier is a read-through, write-through in-process front for another
// backend. Only Get is served from memory; listing and prefix restore always
// consult the backing store.
type MemoryTier struct {
	next  Backend
	cache *ristretto.Cache
}

// NewMemoryTier fronts next with a ristretto cache bounded to maxBytes.
func NewMemoryTier(next Backend, maxBytes int64) (*MemoryTier, error) {
	if maxBytes <= 0 {
		maxBytes = 256 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create memory tier: %w", err)
	}
	return &MemoryTier{next: next, cache: c}, nil
}

// Close releases the in-memory cache.
func (m *MemoryTier) Close() { m.cache.Close() }

func (m *MemoryTier) remember(key string, data []byte) {
	m.cache.Set(key, data, int64(len(data)))
	m.cache.Wait()
}

func (m *MemoryTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok := m.cache.Get(key); ok {
		if data, ok := v.([]byte); ok {
			return data, true, nil
		}
	}
	data, ok, err := m.next.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	m.remember(key, data)
	return data, true, nil
}

func (m *MemoryTier) Put(ctx context.Context, key string, data []byte) error {
	if err := m.next.Put(ctx, key, data); err != nil {
		m.cache.Del(key)
		return err
	}
	m.remember(key, data)
	return nil
}

func (m *MemoryTier) RestoreWithPrefix(ctx context.Context, prefix string) ([]byte, string, bool, error) {
	data, key, ok, err := m.next.RestoreWithPrefix(ctx, prefix)
	if err == nil && ok {
		m.remember(key, data)
	}
	return data, key, ok, err
}

func (m *MemoryTier) Keys(ctx context.Context) ([]Entry, error) {
	return m.next.Keys(ctx)
}

func (m *MemoryTier) Delete(ctx context.Context, key string) error {
	m.cache.Del(key)
	return m.next.Delete(ctx, key)
}
