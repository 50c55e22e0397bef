package cache

import (
	"context"
	"time"
)

// Tiered layers a fast in-process store over a shared secondary store.
// Reads check the primary first; a secondary hit is promoted into the
// primary with the remaining configured TTL. Writes go to both tiers.
type Tiered struct {
	primary   Store
	secondary Store

	// promoteTTL bounds how long a promoted entry may outlive its secondary
	// copy in the primary tier.
	promoteTTL time.Duration
}

// NewTiered composes primary and secondary. promoteTTL applies to entries
// copied into the primary on a secondary hit.
func NewTiered(primary, secondary Store, promoteTTL time.Duration) *Tiered {
	if promoteTTL <= 0 {
		promoteTTL = time.Hour
	}
	return &Tiered{primary: primary, secondary: secondary, promoteTTL: promoteTTL}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if val, ok := t.primary.Get(ctx, key); ok {
		return val, true
	}
	val, ok := t.secondary.Get(ctx, key)
	if !ok {
		return nil, false
	}
	_ = t.primary.Set(ctx, key, val, t.promoteTTL)
	return val, true
}

func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.primary.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return t.secondary.Set(ctx, key, value, ttl)
}

func (t *Tiered) Delete(ctx context.Context, key string) error {
	perr := t.primary.Delete(ctx, key)
	serr := t.secondary.Delete(ctx, key)
	if perr != nil {
		return perr
	}
	return serr
}
