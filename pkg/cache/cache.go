// Package cache provides the shared low-latency keyed store interface used by
// routing state, quota mirrors, session data, and the invalidation matrix.
// Backends include in-memory (single instance) and Redis (distributed).
package cache

import (
	"context"
	"time"
)

// Type represents the type of cache backend.
type Type string

const (
	TypeLocal Type = "local" // In-memory cache
	TypeRedis Type = "redis" // Redis cache
)

// Cache defines the interface for all cache implementations.
type Cache interface {
	// Get retrieves a value from the cache.
	// Returns nil, nil if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache with the given TTL.
	// If TTL is 0, the default TTL is used.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes keys from the cache.
	Delete(ctx context.Context, keys ...string) error

	// DeleteByPrefix removes every key under the given prefix.
	DeleteByPrefix(ctx context.Context, prefix string) error

	// Increment atomically adds delta to a counter and returns the new value.
	// The TTL is applied only when the counter is created.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// SetNX sets a value only if the key doesn't exist (for distributed locks).
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Eval runs an atomic scripted check-and-mutate against the store.
	// The script body is Lua for the Redis backend; backends without
	// scripting return a sentinel error and callers degrade.
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)

	// Ping checks if the cache is healthy.
	Ping(ctx context.Context) error

	// Close releases any resources held by the cache.
	Close() error

	// Stats returns cache statistics.
	Stats() Stats
}

// JSONCache is implemented by backends that can (de)serialize values directly.
type JSONCache interface {
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
}

// Stats holds cache statistics for monitoring.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Deletes int64   `json:"deletes"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}
