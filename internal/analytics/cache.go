package analytics

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"listing-bot/internal/clock"
	"listing-bot/internal/errors"
)

// Cache stores reports for a bounded time.
type Cache interface {
	Get(ctx context.Context, key string) (Report, bool, error)
	Set(ctx context.Context, key string, r Report, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryCache is a process-local Cache. Expired entries are dropped on read.
type MemoryCache struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memoryEntry
}

type memoryEntry struct {
	report  Report
	expires time.Time
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache(clk clock.Clock) *MemoryCache {
	return &MemoryCache{clock: clk, entries: map[string]memoryEntry{}}
}

func (c *MemoryCache) Get(_ context.Context, key string) (Report, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Report{}, false, nil
	}
	if !c.clock.Now().Before(e.expires) {
		delete(c.entries, key)
		return Report{}, false, nil
	}
	return e.report, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, r Report, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[key] = memoryEntry{report: r, expires: c.clock.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// RedisCache shares reports between processes as JSON values with a TTL.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache returns a Cache storing keys under prefix.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) (Report, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Report{}, false, nil
	}
	if err != nil {
		return Report{}, false, errors.Wrapf(err, "cache get %s", key)
	}
	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return Report{}, false, errors.Wrapf(err, "cache decode %s", key)
	}
	return r, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, r Report, ttl time.Duration) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return errors.Wrapf(err, "cache encode %s", key)
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, ttl).Err(); err != nil {
		return errors.Wrapf(err, "cache set %s", key)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return errors.Wrapf(err, "cache delete %s", key)
	}
	return nil
}
