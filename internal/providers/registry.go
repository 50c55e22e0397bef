package providers

import (
	"fmt"
	"log/slog"
	"sort"
)

// Registry holds the fixed set of configured providers plus the designated
// default. It is built once at startup and read-only afterwards, so lookups
// need no synchronization.
type Registry struct {
	providers   map[string]Provider
	defaultName string
	log         *slog.Logger
}

// NewRegistry builds a Registry. defaultName must be a key of provs.
func NewRegistry(provs map[string]Provider, defaultName string, log *slog.Logger) (*Registry, error) {
	if _, ok := provs[defaultName]; !ok {
		return nil, fmt.Errorf("default provider %q is not configured", defaultName)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{providers: provs, defaultName: defaultName, log: log}, nil
}

// Default returns the default provider.
func (r *Registry) Default() Provider { return r.providers[r.defaultName] }

// DefaultName returns the configured default provider name.
func (r *Registry) DefaultName() string { return r.defaultName }

// Lookup returns the named provider, strictly. Callers that received an
// explicit provider name use this so an unknown name surfaces as not-found
// instead of silently hitting the default.
func (r *Registry) Lookup(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Resolve returns the named provider, falling back to the default for empty
// or unknown names. The fallback is for internal robustness only (logged as
// a warning); request routing uses Lookup.
func (r *Registry) Resolve(name string) Provider {
	if name == "" {
		return r.Default()
	}
	if p, ok := r.providers[name]; ok {
		return p
	}
	r.log.Warn("unknown_provider_fallback",
		slog.String("requested", name),
		slog.String("default", r.defaultName),
	)
	return r.Default()
}

// Names returns the configured provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All returns the provider map. The map must not be mutated.
func (r *Registry) All() map[string]Provider { return r.providers }
