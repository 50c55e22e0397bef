package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream down")

// testClock is a manually advanced clock.
type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(clock *testClock) *Breaker[string] {
	return New[string]("openai:chat", Config{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
		Clock:            clock.Now,
	})
}

func failingOp(calls *int) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		*calls++
		return "", errUpstream
	}
}

func TestBreakerStartsClosed(t *testing.T) {
	b := newTestBreaker(&testClock{})
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}

	out, err := b.Exec(context.Background(), func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || out != "ok" {
		t.Fatalf("Exec = (%q, %v), want (ok, nil)", out, err)
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := newTestBreaker(&testClock{})
	calls := 0

	for i := 0; i < 3; i++ {
		if _, err := b.Exec(context.Background(), failingOp(&calls)); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: err = %v, want upstream error", i, err)
		}
	}

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 consecutive failures", b.State())
	}
	if calls != 3 {
		t.Fatalf("upstream invoked %d times, want 3", calls)
	}
}

// TestBreakerOpenRejectsWithoutInvoking: the 4th call must not reach the
// upstream while the reset timeout has not elapsed.
func TestBreakerOpenRejectsWithoutInvoking(t *testing.T) {
	clock := &testClock{now: time.Now()}
	b := newTestBreaker(clock)
	calls := 0

	for i := 0; i < 3; i++ {
		b.Exec(context.Background(), failingOp(&calls)) //nolint:errcheck
	}

	_, err := b.Exec(context.Background(), failingOp(&calls))
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if calls != 3 {
		t.Fatalf("upstream invoked %d times, want 3 (rejection must not call it)", calls)
	}
}

func TestBreakerFallbackOnRejection(t *testing.T) {
	clock := &testClock{now: time.Now()}
	b := newTestBreaker(clock)
	b.SetFallback(func(_ context.Context, cause error) (string, error) {
		if !errors.Is(cause, ErrOpen) && !errors.Is(cause, errUpstream) {
			t.Errorf("fallback cause = %v", cause)
		}
		return "fallback payload", nil
	})

	calls := 0
	for i := 0; i < 3; i++ {
		b.Exec(context.Background(), failingOp(&calls)) //nolint:errcheck
	}

	out, err := b.Exec(context.Background(), failingOp(&calls))
	if err != nil || out != "fallback payload" {
		t.Fatalf("Exec = (%q, %v), want fallback payload", out, err)
	}
	if calls != 3 {
		t.Fatalf("upstream invoked %d times on 4th call, want 3", calls)
	}
}

func TestBreakerHalfOpenTrialSuccessCloses(t *testing.T) {
	clock := &testClock{now: time.Now()}
	b := newTestBreaker(clock)
	calls := 0

	for i := 0; i < 3; i++ {
		b.Exec(context.Background(), failingOp(&calls)) //nolint:errcheck
	}

	// Before the reset timeout: still rejected.
	if _, err := b.Exec(context.Background(), failingOp(&calls)); !errors.Is(err, ErrOpen) {
		t.Fatalf("pre-timeout err = %v, want ErrOpen", err)
	}

	clock.Advance(31 * time.Second)

	out, err := b.Exec(context.Background(), func(context.Context) (string, error) {
		calls++
		return "recovered", nil
	})
	if err != nil || out != "recovered" {
		t.Fatalf("trial = (%q, %v), want recovered", out, err)
	}
	if calls != 4 {
		t.Fatalf("upstream invoked %d times, want 4 (exactly one trial)", calls)
	}

	snap := b.Snapshot()
	if snap.State != "closed" || snap.Failures != 0 {
		t.Fatalf("snapshot = %+v, want closed with 0 failures", snap)
	}
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	clock := &testClock{now: time.Now()}
	b := newTestBreaker(clock)
	calls := 0

	for i := 0; i < 3; i++ {
		b.Exec(context.Background(), failingOp(&calls)) //nolint:errcheck
	}
	clock.Advance(31 * time.Second)

	if _, err := b.Exec(context.Background(), failingOp(&calls)); !errors.Is(err, errUpstream) {
		t.Fatalf("trial err = %v, want upstream error", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after failed trial", b.State())
	}

	// The fresh deadline applies: immediate retry is rejected.
	if _, err := b.Exec(context.Background(), failingOp(&calls)); !errors.Is(err, ErrOpen) {
		t.Fatalf("post-trial err = %v, want ErrOpen", err)
	}
	if calls != 4 {
		t.Fatalf("upstream invoked %d times, want 4", calls)
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	clock := &testClock{now: time.Now()}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.Exec(context.Background(), func(context.Context) (string, error) { //nolint:errcheck
			return "", errUpstream
		})
	}
	clock.Advance(31 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		b.Exec(context.Background(), func(context.Context) (string, error) { //nolint:errcheck
			close(started)
			<-release
			return "slow trial", nil
		})
	}()
	<-started

	// While the trial is in flight, other calls are rejected.
	if _, err := b.Exec(context.Background(), func(context.Context) (string, error) {
		t.Error("second trial must not run")
		return "", nil
	}); !errors.Is(err, ErrOpen) {
		t.Fatalf("concurrent err = %v, want ErrOpen", err)
	}
	close(release)
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b := newTestBreaker(&testClock{})
	calls := 0

	b.Exec(context.Background(), failingOp(&calls)) //nolint:errcheck
	b.Exec(context.Background(), failingOp(&calls)) //nolint:errcheck
	b.Exec(context.Background(), func(context.Context) (string, error) { return "ok", nil }) //nolint:errcheck

	// Two more failures must not trip a threshold of three.
	b.Exec(context.Background(), failingOp(&calls)) //nolint:errcheck
	b.Exec(context.Background(), failingOp(&calls)) //nolint:errcheck

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreakerConcurrentFailuresAllCounted(t *testing.T) {
	b := New[string]("openai:chat", Config{FailureThreshold: 50})
	done := make(chan struct{})

	for i := 0; i < 50; i++ {
		go func() {
			b.Exec(context.Background(), func(context.Context) (string, error) { //nolint:errcheck
				return "", errUpstream
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open (no lost counter updates)", b.State())
	}
}

func TestBreakerStateChangeObserver(t *testing.T) {
	clock := &testClock{now: time.Now()}
	transitions := make(chan [2]State, 8)

	b := New[string]("openai:chat", Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		Clock:            clock.Now,
		OnStateChange: func(_ string, from, to State) {
			transitions <- [2]State{from, to}
		},
	})

	b.Exec(context.Background(), func(context.Context) (string, error) { //nolint:errcheck
		return "", errUpstream
	})

	select {
	case tr := <-transitions:
		if tr != [2]State{StateClosed, StateOpen} {
			t.Fatalf("transition = %v, want closed→open", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("no transition observed")
	}
}

func TestRegistryLazyCreate(t *testing.T) {
	r := NewRegistry[string](Config{})

	a := r.Get("openai:chat")
	if a == nil {
		t.Fatal("Get returned nil")
	}
	if r.Get("openai:chat") != a {
		t.Fatal("Get must return the same instance per name")
	}
	if r.Get("anthropic:chat") == a {
		t.Fatal("distinct names must get distinct breakers")
	}

	snaps := r.Snapshots()
	if len(snaps) != 2 || snaps[0].Name != "anthropic:chat" {
		t.Fatalf("snapshots = %+v", snaps)
	}
}

func TestRegistryFallbackInstalledOnBreakers(t *testing.T) {
	r := NewRegistry[string](Config{FailureThreshold: 1})

	before := r.Get("openai:chat")
	r.SetFallback(func(context.Context, error) (string, error) {
		return "fallback", nil
	})
	after := r.Get("anthropic:chat")

	for _, b := range []*Breaker[string]{before, after} {
		out, err := b.Exec(context.Background(), func(context.Context) (string, error) {
			return "", errUpstream
		})
		if err != nil || out != "fallback" {
			t.Errorf("%s: out = %q, err = %v, want fallback", b.Name(), out, err)
		}
	}
}

func TestBreakerConcurrentExecWithFallback(t *testing.T) {
	b := New[string]("openai:chat", Config{FailureThreshold: 3, ResetTimeout: time.Minute})
	b.SetFallback(func(context.Context, error) (string, error) {
		return "fallback", nil
	})

	done := make(chan error, 8)
	for g := 0; g < 8; g++ {
		go func() {
			for i := 0; i < 16; i++ {
				out, err := b.Exec(context.Background(), func(context.Context) (string, error) {
					return "", errUpstream
				})
				if err != nil || out != "fallback" {
					done <- errors.New("fallback not applied")
					return
				}
			}
			done <- nil
		}()
	}
	for g := 0; g < 8; g++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}
}
