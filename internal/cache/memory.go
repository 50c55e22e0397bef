package cache

import (
	"context"
	"sync"
	"time"
)

const sweepInterval = 5 * time.Minute

// memEntry stores a cached value with its expiry time.
type memEntry struct {
	data      []byte
	expiresAt time.Time
}

// Memory is an in-process TTL cache. Expired entries are removed lazily on
// read and by a background sweep so memory does not grow without bound.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry

	done chan struct{}
}

// NewMemory creates a Memory store and starts its sweep loop. The loop stops
// when ctx is cancelled or Close is called.
func NewMemory(ctx context.Context) *Memory {
	m := &Memory{
		entries: make(map[string]memEntry),
		done:    make(chan struct{}),
	}
	go m.sweep(ctx)
	return m
}

// Get returns the cached value for key, or (nil, false) on a miss or after
// expiry. Expired entries are deleted on access.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false
	}
	return e.data, true
}

// Set stores value under key for ttl. Non-positive ttl defaults to one hour.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	m.mu.Lock()
	m.entries[key] = memEntry{data: value, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Delete removes key. Missing keys are not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Len returns the entry count, including not-yet-swept expired entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close stops the sweep loop.
func (m *Memory) Close() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

func (m *Memory) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, e := range m.entries {
				if now.After(e.expiresAt) {
					delete(m.entries, k)
				}
			}
			m.mu.Unlock()
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}
