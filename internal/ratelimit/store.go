// Package ratelimit enforces fixed-window rate limits and calendar-window
// usage quotas over a pluggable counter store. The same check-and-increment
// primitive backs both: rolling windows key on floor(now/windowSeconds),
// quota windows key on the UTC day or month.
package ratelimit

import (
	"context"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Decision is the outcome of a single counter check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns the seconds until the window resets, floored at 1
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// CounterStore is the atomic check-and-increment primitive shared by rate
// limits and quotas. Implementations must make the read-check-increment
// sequence atomic per key against concurrent callers.
type CounterStore interface {
	// CheckAndIncrement atomically increments the counter at key unless it
	// already reached limit. resetAt is when the key's window expires; the
	// store may use it to bound key lifetime.
	CheckAndIncrement(ctx context.Context, key string, limit int, resetAt time.Time) (Decision, error)
}

// MemoryStore is a mutex-guarded in-process counter store. Counters do not
// survive restarts; suitable for single-instance deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
}

type memCounter struct {
	count   int
	resetAt time.Time
}

// NewMemoryStore creates an empty in-process counter store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*memCounter)}
}

func (m *MemoryStore) CheckAndIncrement(ctx context.Context, key string, limit int, resetAt time.Time) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	c, ok := m.counters[key]
	if !ok || !now.Before(c.resetAt) {
		c = &memCounter{resetAt: resetAt}
		m.counters[key] = c
	}

	if c.count >= limit {
		return Decision{Allowed: false, Limit: limit, Remaining: 0, ResetAt: c.resetAt}, nil
	}

	c.count++
	return Decision{Allowed: true, Limit: limit, Remaining: limit - c.count, ResetAt: c.resetAt}, nil
}

// Sweep drops expired counters. Callers run it periodically; correctness does
// not depend on it since expired entries are replaced on next access.
func (m *MemoryStore) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, c := range m.counters {
		if !now.Before(c.resetAt) {
			delete(m.counters, key)
		}
	}
}

// RedisStore backs counters with a shared Redis so limits hold across
// gateway instances. INCR is atomic; the first increment in a window sets
// the key TTL to the window end.
type RedisStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewRedisStore creates a counter store over an existing Redis client
func NewRedisStore(client goredis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) CheckAndIncrement(ctx context.Context, key string, limit int, resetAt time.Time) (Decision, error) {
	fullKey := r.prefix + ":" + key

	count, err := r.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return Decision{}, err
	}
	if count == 1 {
		ttl := time.Until(resetAt)
		if ttl < time.Second {
			ttl = time.Second
		}
		if err := r.client.Expire(ctx, fullKey, ttl).Err(); err != nil {
			return Decision{}, err
		}
	}

	if count > int64(limit) {
		return Decision{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt}, nil
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit - int(count), ResetAt: resetAt}, nil
}
