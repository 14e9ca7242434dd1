// Package cache provides TTL caches for role maps and account alias lookups.
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache defines the interface for a thread-safe cache of opaque values with a per-entry TTL.
type Cache interface {
	// Set stores value under key for ttl. A non-positive ttl stores nothing.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Get retrieves a value by key.
	// Returns false if the key is not found or has expired.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Delete removes key from the cache.
	Delete(ctx context.Context, key string)
}

type entry struct {
	value   []byte
	expires time.Time
}

// memoryCache is a thread-safe in-process implementation of the Cache interface.
type memoryCache struct {
	entries map[string]entry
	mutex   sync.RWMutex
	now     func() time.Time
}

// MemoryOptions configures the memory cache.
type MemoryOptions struct {
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// NewMemoryCache creates a new instance of the memory cache.
func NewMemoryCache(optFns ...func(o *MemoryOptions)) Cache {
	opts := MemoryOptions{Now: time.Now}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &memoryCache{
		entries: make(map[string]entry),
		now:     opts.Now,
	}
}

// Set stores value under key for ttl.
func (m *memoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.entries[key] = entry{
		value:   append([]byte(nil), value...),
		expires: m.now().Add(ttl),
	}
}

// Get retrieves a value by key.
// Expired entries are removed lazily.
func (m *memoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	m.mutex.RLock()
	e, exists := m.entries[key]
	m.mutex.RUnlock()

	if !exists {
		return nil, false
	}

	if !m.now().Before(e.expires) {
		m.mutex.Lock()
		if cur, ok := m.entries[key]; ok && cur.expires.Equal(e.expires) {
			delete(m.entries, key)
		}
		m.mutex.Unlock()

		return nil, false
	}

	return append([]byte(nil), e.value...), true
}

// Delete removes key from the cache.
func (m *memoryCache) Delete(_ context.Context, key string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.entries, key)
}

// noopCache is a no-operation implementation of the Cache interface.
// It does not store or retrieve any values.
type noopCache struct{}

// NewNoopCache creates a new instance of the noop cache.
func NewNoopCache() Cache {
	return &noopCache{}
}

// Set is a no-op. It does nothing.
func (n *noopCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) {
	// No operation
}

// Get always returns nil and false, indicating that no value is found.
func (n *noopCache) Get(_ context.Context, _ string) ([]byte, bool) {
	return nil, false
}

// Delete is a no-op. It does nothing.
func (n *noopCache) Delete(_ context.Context, _ string) {
	// No operation
}
