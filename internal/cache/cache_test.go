package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

// --- key determinism ----------------------------------------------------

func TestKeyIgnoresMessageMetadata(t *testing.T) {
	msgs := []providers.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}

	a := Key("openai", "gpt-4", msgs, 0.7, 1000)

	// Same logical content rebuilt independently must hash identically.
	rebuilt := []providers.Message{
		{Content: "be brief", Role: "system"},
		{Content: "hi", Role: "user"},
	}
	b := Key("openai", "gpt-4", rebuilt, 0.7, 1000)

	if a != b {
		t.Fatalf("keys differ for identical logical requests:\n%s\n%s", a, b)
	}
}

func TestKeyDiscriminates(t *testing.T) {
	msgs := []providers.Message{{Role: "user", Content: "hi"}}
	base := Key("openai", "gpt-4", msgs, 0.7, 1000)

	variants := map[string]string{
		"provider":    Key("openrouter", "gpt-4", msgs, 0.7, 1000),
		"model":       Key("openai", "gpt-4o", msgs, 0.7, 1000),
		"temperature": Key("openai", "gpt-4", msgs, 0.8, 1000),
		"max_tokens":  Key("openai", "gpt-4", msgs, 0.7, 500),
		"content": Key("openai", "gpt-4",
			[]providers.Message{{Role: "user", Content: "hello"}}, 0.7, 1000),
	}
	for field, k := range variants {
		if k == base {
			t.Errorf("changing %s did not change the key", field)
		}
	}
}

// --- memory backend -------------------------------------------------------

func TestMemorySetGet(t *testing.T) {
	m := NewMemory(context.Background())
	defer m.Close()

	if _, ok := m.Get(context.Background(), "absent"); ok {
		t.Fatal("expected miss on empty cache")
	}

	if err := m.Set(context.Background(), "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := m.Get(context.Background(), "k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get = (%q, %v), want (v, true)", got, ok)
	}
}

func TestMemoryLazyExpiry(t *testing.T) {
	m := NewMemory(context.Background())
	defer m.Close()

	m.Set(context.Background(), "k", []byte("v"), time.Millisecond) //nolint:errcheck
	time.Sleep(5 * time.Millisecond)

	if _, ok := m.Get(context.Background(), "k"); ok {
		t.Fatal("entry should have expired")
	}
	if m.Len() != 0 {
		t.Fatalf("expired entry not removed on read, len = %d", m.Len())
	}
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory(context.Background())
	defer m.Close()

	m.Set(context.Background(), "k", []byte("v"), time.Hour) //nolint:errcheck
	if err := m.Delete(context.Background(), "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := m.Get(context.Background(), "k"); ok {
		t.Fatal("key should be gone after Delete")
	}
}

// --- redis backend ----------------------------------------------------------

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	r, err := NewRedisFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisFromURL: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestRedisSetGetTTL(t *testing.T) {
	r, mr := newTestRedis(t)

	if err := r.Set(context.Background(), "k", []byte("v"), 10*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := r.Get(context.Background(), "k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get = (%q, %v), want (v, true)", got, ok)
	}

	mr.FastForward(11 * time.Second)
	if _, ok := r.Get(context.Background(), "k"); ok {
		t.Fatal("key should have expired")
	}
}

func TestRedisGracefulDegradation(t *testing.T) {
	r, mr := newTestRedis(t)
	mr.Close()

	if _, ok := r.Get(context.Background(), "k"); ok {
		t.Fatal("Get should miss when redis is down")
	}
	if err := r.Set(context.Background(), "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set must not propagate redis errors, got %v", err)
	}
}

// --- tiered -----------------------------------------------------------------

func TestTieredPromotesSecondaryHit(t *testing.T) {
	primary := NewMemory(context.Background())
	defer primary.Close()
	secondary, _ := newTestRedis(t)

	tc := NewTiered(primary, secondary, time.Hour)

	// Seed only the secondary, as another replica would have.
	secondary.Set(context.Background(), "k", []byte("v"), time.Hour) //nolint:errcheck

	got, ok := tc.Get(context.Background(), "k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get = (%q, %v), want (v, true)", got, ok)
	}

	// The hit must now be served by the primary.
	if _, ok := primary.Get(context.Background(), "k"); !ok {
		t.Fatal("secondary hit was not promoted to the primary tier")
	}
}

func TestTieredWritesBothTiers(t *testing.T) {
	primary := NewMemory(context.Background())
	defer primary.Close()
	secondary, _ := newTestRedis(t)

	tc := NewTiered(primary, secondary, time.Hour)
	if err := tc.Set(context.Background(), "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, ok := primary.Get(context.Background(), "k"); !ok {
		t.Fatal("primary tier missing entry")
	}
	if _, ok := secondary.Get(context.Background(), "k"); !ok {
		t.Fatal("secondary tier missing entry")
	}
}

// --- denylist -----------------------------------------------------------------

func TestDenylist(t *testing.T) {
	d, err := NewDenylist([]string{"gpt-4o-realtime"}, []string{"^ft:", ".*-preview$"})
	if err != nil {
		t.Fatalf("NewDenylist: %v", err)
	}

	cases := map[string]bool{
		"gpt-4o-realtime": true,
		"ft:gpt-4o:org":   true,
		"o1-preview":      true,
		"gpt-4":           false,
	}
	for model, want := range cases {
		if got := d.Matches(model); got != want {
			t.Errorf("Matches(%q) = %v, want %v", model, got, want)
		}
	}

	if (*Denylist)(nil).Matches("anything") {
		t.Error("nil denylist must match nothing")
	}

	if _, err := NewDenylist(nil, []string{"("}); err == nil {
		t.Error("invalid pattern must fail at construction")
	}
}
