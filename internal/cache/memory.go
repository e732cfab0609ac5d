package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/gatemux/pkg/cache"
)

// ErrScriptingUnsupported is returned by Memory.Eval. Callers that rely on
// scripted check-and-mutate degrade to their non-atomic fallback path.
var ErrScriptingUnsupported = errors.New("cache: scripting not supported by memory backend")

type memoryEntry struct {
	value     []byte
	counter   int64
	isCounter bool
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is an in-process cache used for tests and as the degraded-mode
// fallback when Redis is unavailable.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]*memoryEntry
	defaultTTL time.Duration
	stop       chan struct{}
	stopOnce   sync.Once

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
}

// NewMemory creates an in-memory cache with a background janitor.
func NewMemory(defaultTTL time.Duration) *Memory {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	m := &Memory{
		entries:    make(map[string]*memoryEntry),
		defaultTTL: defaultTTL,
		stop:       make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, e := range m.entries {
				if e.expired(now) {
					delete(m.entries, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Get retrieves a value. Returns nil, nil on miss.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok || e.expired(time.Now()) {
		m.misses.Add(1)
		return nil, nil
	}
	m.hits.Add(1)
	return e.value, nil
}

// Set stores a value with TTL.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	m.mu.Lock()
	m.entries[key] = &memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
	m.sets.Add(1)
	return nil
}

// Delete removes keys.
func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	m.mu.Unlock()
	m.deletes.Add(int64(len(keys)))
	return nil
}

// DeleteByPrefix removes every key under the given prefix.
func (m *Memory) DeleteByPrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
			m.deletes.Add(1)
		}
	}
	m.mu.Unlock()
	return nil
}

// Increment atomically adds delta to a counter.
func (m *Memory) Increment(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.expired(now) {
		e = &memoryEntry{isCounter: true}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
		m.entries[key] = e
	}
	e.counter += delta
	return e.counter, nil
}

// SetNX sets a value only if the key is absent or expired.
func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok && !e.expired(now) {
		return false, nil
	}
	m.entries[key] = &memoryEntry{value: value, expiresAt: now.Add(ttl)}
	m.sets.Add(1)
	return true, nil
}

// Eval is not supported by the memory backend.
func (m *Memory) Eval(context.Context, string, []string, ...any) (any, error) {
	return nil, ErrScriptingUnsupported
}

// SetJSON stores a JSON-serializable value.
func (m *Memory) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return m.Set(ctx, key, data, ttl)
}

// GetJSON retrieves and unmarshals a JSON value. Returns false on miss.
func (m *Memory) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	data, err := m.Get(ctx, key)
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

// Ping always succeeds for the memory backend.
func (m *Memory) Ping(context.Context) error { return nil }

// Close stops the janitor.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

// Stats returns cache statistics.
func (m *Memory) Stats() cache.Stats {
	hits := m.hits.Load()
	misses := m.misses.Load()
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return cache.Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    m.sets.Load(),
		Deletes: m.deletes.Load(),
		HitRate: hitRate,
	}
}
