package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// MemoryStore is an in-process TTL cache. Expired entries are evicted
// lazily on read; an expired read counts as a miss.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    map[string]entry
	defaultTTL time.Duration
	hits       int64
	misses     int64

	now func() time.Time // Injectable for tests
}

// NewMemoryStore creates a memory store with the given base TTL.
func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}

	return &MemoryStore{
		entries:    make(map[string]entry),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Set stores a value under the current default TTL.
func (m *MemoryStore) Set(ctx context.Context, key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = entry{value: value, expiresAt: m.now().Add(m.defaultTTL)}
	return nil
}

// SetWithTTL stores a value with an explicit TTL.
func (m *MemoryStore) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = entry{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

// Get returns the value for key. Expired entries are removed and
// reported as a miss.
func (m *MemoryStore) Get(ctx context.Context, key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		m.misses++
		return nil, false
	}

	if m.now().After(e.expiresAt) {
		delete(m.entries, key)
		m.misses++
		return nil, false
	}

	m.hits++
	return e.value, true
}

// Delete removes a key.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Clear removes all entries and resets the hit/miss counters.
func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]entry)
	m.hits = 0
	m.misses = 0
	return nil
}

// SetDefaultTTL changes the TTL applied to subsequent Set calls.
// Existing entries keep their original expiry.
func (m *MemoryStore) SetDefaultTTL(ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ttl > 0 {
		m.defaultTTL = ttl
	}
}

// DefaultTTL returns the TTL applied to Set calls.
func (m *MemoryStore) DefaultTTL() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultTTL
}

// Stats returns current cache statistics.
func (m *MemoryStore) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Hits:       m.hits,
		Misses:     m.misses,
		Entries:    len(m.entries),
		DefaultTTL: m.defaultTTL,
	}
}

// Close is a no-op for the memory backend.
func (m *MemoryStore) Close() error {
	return nil
}
