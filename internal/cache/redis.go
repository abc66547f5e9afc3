package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/keel/internal/log"
)

// RedisOptions configures a RedisBackend.
type RedisOptions struct {
	URL        string
	Namespace  string
	Attempts   uint
	RetryDelay time.Duration
}

// RedisBackend stores entries as plain keys plus a sorted-set index scored by
// store time. Transient errors are retried with exponential backoff.
type RedisBackend struct {
	client    *redis.Client
	namespace string
	attempts  uint
	delay     time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewRedisBackend connects to opts.URL and pings it.
func NewRedisBackend(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	b := newRedisBackend(redis.NewClient(ropts), opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.do(pctx, func() error { return b.client.Ping(pctx).Err() }); err != nil {
		_ = b.client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return b, nil
}

func newRedisBackend(client *redis.Client, opts RedisOptions) *RedisBackend {
	b := &RedisBackend{
		client:    client,
		namespace: opts.Namespace,
		attempts:  opts.Attempts,
		delay:     opts.RetryDelay,
		now:       time.Now,
		logger:    log.WithComponent("cache.redis"),
	}
	if b.namespace == "" {
		b.namespace = "keel:cache"
	}
	if b.attempts == 0 {
		b.attempts = 3
	}
	if b.delay == 0 {
		b.delay = 100 * time.Millisecond
	}
	return b
}

// Close closes the client.
func (b *RedisBackend) Close() error { return b.client.Close() }

func (b *RedisBackend) entryKey(key string) string { return b.namespace + ":entry:" + key }
func (b *RedisBackend) indexKey() string           { return b.namespace + ":index" }

func (b *RedisBackend) do(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(b.attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(b.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, redis.Nil) }),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Warn("retrying redis operation", "attempt", n+1, "error", err)
		}),
		retry.Context(ctx),
	)
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	err := b.do(ctx, func() error {
		var err error
		data, err = b.client.Get(ctx, b.entryKey(key)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return data, true, nil
}

func (b *RedisBackend) Put(ctx context.Context, key string, data []byte) error {
	score := float64(b.now().UnixNano())
	err := b.do(ctx, func() error {
		_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, b.entryKey(key), data, 0)
			pipe.ZAdd(ctx, b.indexKey(), redis.Z{Score: score, Member: key})
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (b *RedisBackend) RestoreWithPrefix(ctx context.Context, prefix string) ([]byte, string, bool, error) {
	var members []redis.Z
	err := b.do(ctx, func() error {
		var err error
		members, err = b.client.ZRevRangeWithScores(ctx, b.indexKey(), 0, -1).Result()
		return err
	})
	if err != nil {
		return nil, "", false, fmt.Errorf("redis index: %w", err)
	}
	for _, m := range members {
		key, _ := m.Member.(string)
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		data, ok, err := b.Get(ctx, key)
		if err != nil {
			return nil, "", false, err
		}
		if ok {
			return data, key, true, nil
		}
	}
	return nil, "", false, nil
}

func (b *RedisBackend) Keys(ctx context.Context) ([]Entry, error) {
	var members []redis.Z
	err := b.do(ctx, func() error {
		var err error
		members, err = b.client.ZRangeWithScores(ctx, b.indexKey(), 0, -1).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("redis index: %w", err)
	}

	out := make([]Entry, 0, len(members))
	for _, m := range members {
		key, _ := m.Member.(string)
		var size int64
		err := b.do(ctx, func() error {
			var err error
			size, err = b.client.StrLen(ctx, b.entryKey(key)).Result()
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("redis strlen: %w", err)
		}
		out = append(out, Entry{Key: key, Size: size, StoredAt: time.Unix(0, int64(m.Score))})
	}
	return out, nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	err := b.do(ctx, func() error {
		_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, b.entryKey(key))
			pipe.ZRem(ctx, b.indexKey(), key)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}
