// Package dedupe provides fast-path suppression of redelivered webhook
// events. It is an optimization only: the resolver's state checks remain the
// authoritative idempotency guard, so losing the cache never risks double
// processing.
package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lettera:webhook:seen:"

// RedisCache records seen webhook event ids in Redis with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a new RedisCache.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// MarkSeen records the event id and reports whether this call was the first
// to see it inside the TTL window.
func (c *RedisCache) MarkSeen(ctx context.Context, eventID string) (bool, error) {
	return c.client.SetNX(ctx, keyPrefix+eventID, 1, c.ttl).Result()
}

// Forget releases an event id so a redelivery is treated as fresh again.
func (c *RedisCache) Forget(ctx context.Context, eventID string) error {
	return c.client.Del(ctx, keyPrefix+eventID).Err()
}

// MemoryCache is the in-process fallback for local mode, where no Redis is
// available. Entries expire on access.
type MemoryCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

// NewMemoryCache creates a new MemoryCache.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, seen: make(map[string]time.Time)}
}

// MarkSeen records the event id and reports whether it was new.
func (c *MemoryCache) MarkSeen(_ context.Context, eventID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, at := range c.seen {
		if now.Sub(at) > c.ttl {
			delete(c.seen, id)
		}
	}

	if at, ok := c.seen[eventID]; ok && now.Sub(at) <= c.ttl {
		return false, nil
	}
	c.seen[eventID] = now
	return true, nil
}

// Forget releases an event id so a redelivery is treated as fresh again.
func (c *MemoryCache) Forget(_ context.Context, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, eventID)
	return nil
}
