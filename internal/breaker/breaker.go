// Package breaker implements a per-(provider, operation) circuit breaker.
//
// A Breaker wraps one upstream operation with consecutive-failure counting:
// after FailureThreshold failures in a row it opens and rejects calls without
// touching the upstream; after ResetTimeout one trial call is let through
// (half-open) and its outcome decides whether the breaker closes again.
// Rejected and failed calls resolve through a registered fallback when one
// exists.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker's operational state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrOpen is returned (or passed to the fallback) when the breaker rejects a
// call without invoking the upstream.
var ErrOpen = errors.New("breaker: circuit open")

// Defaults applied when Config fields are zero.
const (
	DefaultFailureThreshold = 3
	DefaultResetTimeout     = 30 * time.Second
)

// Config holds breaker tuning parameters.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Default 3.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open trial. Default 30s.
	ResetTimeout time.Duration

	// OnStateChange, when set, observes every transition. Called outside the
	// breaker lock; monitoring only, not required for correctness.
	OnStateChange func(name string, from, to State)

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

func (c Config) threshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return DefaultFailureThreshold
}

func (c Config) resetTimeout() time.Duration {
	if c.ResetTimeout > 0 {
		return c.ResetTimeout
	}
	return DefaultResetTimeout
}

func (c Config) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// Fallback resolves a rejected or failed call. It receives the context of
// the original call and the triggering error.
type Fallback[T any] func(ctx context.Context, cause error) (T, error)

// Breaker guards one named operation. Safe for concurrent use; every mutable
// field (state, failures, nextRetryAt, fallback) is guarded by mu so
// concurrent calls never lose a count or observe a torn write.
type Breaker[T any] struct {
	name string
	cfg  Config

	mu            sync.Mutex
	fallback      Fallback[T]
	state         State
	failures      int
	nextRetryAt   time.Time
	trialInflight bool
}

// New creates a Breaker for the given name (conventionally "provider:op").
func New[T any](name string, cfg Config) *Breaker[T] {
	return &Breaker[T]{name: name, cfg: cfg}
}

// SetFallback registers the fallback used for rejected and failed calls.
// Safe to call concurrently with Exec.
func (b *Breaker[T]) SetFallback(fb Fallback[T]) {
	b.mu.Lock()
	b.fallback = fb
	b.mu.Unlock()
}

func (b *Breaker[T]) getFallback() Fallback[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fallback
}

// Name returns the breaker's registry key.
func (b *Breaker[T]) Name() string { return b.name }

// Exec runs op under the breaker. When the breaker is open the upstream is
// not invoked; the fallback (if any) resolves the call, otherwise ErrOpen is
// returned wrapped with the last upstream error.
func (b *Breaker[T]) Exec(ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	if err := b.allow(); err != nil {
		return b.resolve(ctx, err)
	}

	out, err := op(ctx)
	if err != nil {
		b.recordFailure()
		return b.resolveWith(ctx, out, err)
	}

	b.recordSuccess()
	return out, nil
}

// allow decides whether the next call may proceed, performing the
// OPEN→HALF_OPEN transition when the retry deadline has passed.
func (b *Breaker[T]) allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		if b.cfg.now().Before(b.nextRetryAt) {
			b.mu.Unlock()
			return ErrOpen
		}
		// Deadline passed: this call becomes the half-open trial.
		b.setStateLocked(StateHalfOpen)
		b.trialInflight = true
		b.mu.Unlock()
		return nil

	default: // StateHalfOpen
		if b.trialInflight {
			b.mu.Unlock()
			return ErrOpen
		}
		b.trialInflight = true
		b.mu.Unlock()
		return nil
	}
}

func (b *Breaker[T]) recordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.trialInflight = false
	if b.state != StateClosed {
		b.setStateLocked(StateClosed)
	}
	b.mu.Unlock()
}

func (b *Breaker[T]) recordFailure() {
	b.mu.Lock()
	b.trialInflight = false

	if b.state == StateHalfOpen {
		// Failed trial: reopen with a fresh deadline.
		b.nextRetryAt = b.cfg.now().Add(b.cfg.resetTimeout())
		b.setStateLocked(StateOpen)
		b.mu.Unlock()
		return
	}

	b.failures++
	if b.state == StateClosed && b.failures >= b.cfg.threshold() {
		b.nextRetryAt = b.cfg.now().Add(b.cfg.resetTimeout())
		b.setStateLocked(StateOpen)
	}
	b.mu.Unlock()
}

// setStateLocked transitions state and schedules the observer. Caller holds mu.
func (b *Breaker[T]) setStateLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(b.name, from, to)
	}
}

// resolve handles a rejection (upstream never invoked).
func (b *Breaker[T]) resolve(ctx context.Context, cause error) (T, error) {
	if fb := b.getFallback(); fb != nil {
		return fb(ctx, cause)
	}
	var zero T
	return zero, cause
}

// resolveWith handles an upstream failure: fallback result when registered,
// otherwise the original error propagates.
func (b *Breaker[T]) resolveWith(ctx context.Context, out T, cause error) (T, error) {
	if fb := b.getFallback(); fb != nil {
		return fb(ctx, cause)
	}
	return out, cause
}

// Snapshot is a point-in-time view of one breaker, exposed by /capabilities.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"consecutive_failures"`
	NextRetryAt time.Time `json:"next_retry_at,omitzero"`
}

// Snapshot returns the breaker's current state.
func (b *Breaker[T]) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Name:     b.name,
		State:    b.state.String(),
		Failures: b.failures,
	}
	if b.state == StateOpen {
		s.NextRetryAt = b.nextRetryAt
	}
	return s
}

// State returns the current state (best-effort read for routing decisions).
func (b *Breaker[T]) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
