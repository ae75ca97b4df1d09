package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cboxdk/overload-manager/internal/types"
)

// entry is a stored value with its expiry deadline. A zero deadline means
// the entry never expires.
type entry struct {
	value    string
	deadline time.Time
}

// Memory is an in-process types.Cache with lazy TTL eviction. It is the
// default backend for single-process deployments where cross-process
// visibility is not needed.
type Memory struct {
	clock types.Clock

	mu      sync.RWMutex
	entries map[string]entry
}

// NewMemory creates an empty in-memory cache.
func NewMemory(clock types.Clock) *Memory {
	return &Memory{
		clock:   clock,
		entries: make(map[string]entry),
	}
}

// Get returns the value for key. The second return reports presence; expired
// entries are treated as absent and removed opportunistically.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return "", false, nil
	}
	if !e.deadline.IsZero() && m.clock.Now().After(e.deadline) {
		m.mu.Lock()
		// Re-check under the write lock; the entry may have been
		// replaced since the read.
		if cur, ok := m.entries[key]; ok && cur.deadline.Equal(e.deadline) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return "", false, nil
	}
	return e.value, true, nil
}

// Set stores value under key. A non-positive ttl stores the value without
// expiry.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	var deadline time.Time
	if ttl > 0 {
		deadline = m.clock.Now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key] = entry{value: value, deadline: deadline}
	m.mu.Unlock()
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, including not-yet-evicted
// expired ones. Used by tests and diagnostics.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
