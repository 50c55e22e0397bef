// Package cache provides the response cache for the gateway.
//
// Three backends implement the Store interface:
//   - Memory — in-process TTL map, always available.
//   - Redis  — shared across replicas, degrades gracefully when unavailable.
//   - Tiered — Memory in front of Redis, promoting secondary hits.
//
// Eviction is time-based only: entries expire lazily on read plus a periodic
// sweep in the memory backend. There is no request coalescing, so N identical
// concurrent requests arriving before the first completes all reach the
// upstream. Known gap; see the package docs for Pipeline before relying on
// the cache for burst dedup.
package cache

import (
	"context"
	"sync/atomic"
	"time"
)

// Store is the backend contract. Implementations are safe for concurrent
// use; the get-then-set pair has no transactional isolation.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Stats counts cache traffic for the /capabilities endpoint.
type Stats struct {
	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

func (s *Stats) Hit()  { s.hits.Add(1) }
func (s *Stats) Miss() { s.misses.Add(1) }
func (s *Stats) Set()  { s.sets.Add(1) }

// StatsSnapshot is the JSON shape exposed by /capabilities.
type StatsSnapshot struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
		Sets:   s.sets.Load(),
	}
}
