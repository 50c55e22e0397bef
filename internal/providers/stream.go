package providers

import (
	"context"
	"sync"
)

// Stream is a finite, forward-only sequence of StreamChunk with an explicit,
// idempotent close. The producing goroutine writes chunks with Send and calls
// Finish when done; consumers range over Chunks. After a terminal chunk or
// Close, no further chunk is delivered.
type Stream struct {
	ch     chan StreamChunk
	done   chan struct{}
	cancel context.CancelFunc

	closeOnce  sync.Once
	finishOnce sync.Once

	mu         sync.Mutex
	terminated bool
}

// NewStream creates a Stream. cancel is invoked on Close to release the
// upstream connection; pass context.CancelFunc from the request context.
func NewStream(cancel context.CancelFunc) *Stream {
	if cancel == nil {
		cancel = func() {}
	}
	return &Stream{
		ch:     make(chan StreamChunk, 16),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// Chunks returns the receive side of the stream. The channel is closed once
// the stream finishes or is closed.
func (s *Stream) Chunks() <-chan StreamChunk { return s.ch }

// Done is closed when the stream is cancelled. Producers select on it so a
// consumer-side Close never leaves them blocked on a full channel.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Send delivers one chunk. It returns false and drops the chunk when the
// stream was closed or already terminated, so nothing is ever emitted after
// a terminal chunk.
func (s *Stream) Send(c StreamChunk) bool {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return false
	}
	if c.Terminal() {
		s.terminated = true
	}
	s.mu.Unlock()

	select {
	case s.ch <- c:
		return true
	case <-s.done:
		return false
	}
}

// Finish closes the chunk channel. Called once by the producer after the
// last Send; safe to call multiple times.
func (s *Stream) Finish() {
	s.finishOnce.Do(func() { close(s.ch) })
}

// Close cancels the stream: the upstream context is cancelled, producers
// unblock, and pending chunks are discarded. Idempotent.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.terminated = true
		s.mu.Unlock()
		close(s.done)
		s.cancel()
	})
}
