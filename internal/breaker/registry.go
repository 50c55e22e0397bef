package breaker

import (
	"sort"
	"sync"
)

// Registry owns all breakers of one result type, keyed by name. Instances
// are created lazily on first use and live for the process lifetime.
type Registry[T any] struct {
	cfg Config

	mu       sync.Mutex
	fallback Fallback[T]
	breakers map[string]*Breaker[T]
}

// NewRegistry creates an empty Registry; every breaker it creates shares cfg.
func NewRegistry[T any](cfg Config) *Registry[T] {
	return &Registry[T]{
		cfg:      cfg,
		breakers: make(map[string]*Breaker[T]),
	}
}

// SetFallback registers the fallback installed on every breaker this registry
// creates. Existing breakers are updated too.
func (r *Registry[T]) SetFallback(fb Fallback[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fb
	for _, b := range r.breakers {
		b.SetFallback(fb)
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry[T]) Get(name string) *Breaker[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = New[T](name, r.cfg)
		if r.fallback != nil {
			b.SetFallback(r.fallback)
		}
		r.breakers[name] = b
	}
	return b
}

// Snapshots returns the state of every breaker, sorted by name.
func (r *Registry[T]) Snapshots() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
