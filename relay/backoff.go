package relay

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxAttempts is the spec.md §4.5 cap: after the 10th attempt, no further
// automatic reconnect is scheduled until an explicit reconnect() call.
const maxAttempts = 10

// Backoff wraps cenkalti/backoff/v4's exponential backoff with the attempt
// cap and flapping penalty spec.md §4.5 specifies: initial=1s, max=60s,
// doubling each attempt, and a connection that dies within 1s of opening
// burns an extra step (as if two attempts happened) before the next delay
// is computed.
type Backoff struct {
	mu       sync.Mutex
	bo       *backoff.ExponentialBackOff
	attempts int
}

// NewBackoff constructs a Backoff at its initial state.
func NewBackoff() *Backoff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0 // spec.md §8 wants a guaranteed floor; jitter may only add, never subtract
	bo.MaxElapsedTime = 0      // we cap by attempt count, not elapsed time
	bo.Reset()
	return &Backoff{bo: bo}
}

// Next returns the delay before the next reconnect attempt. ok is false
// once max_attempts has been reached; the caller should stop scheduling
// automatic reconnects and wait for an explicit reconnect() call.
// flapped should be true when the prior connection lived less than 1s,
// per the flapping heuristic in spec.md §4.5.
func (b *Backoff) Next(flapped bool) (delay time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attempts >= maxAttempts {
		return 0, false
	}

	steps := 1
	if flapped {
		steps = 2
	}
	for i := 0; i < steps && b.attempts < maxAttempts; i++ {
		delay = b.bo.NextBackOff()
		b.attempts++
	}
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay, true
}

// Reset clears the attempt counter and the underlying backoff's interval,
// called whenever a connection transitions to Connected.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bo.Reset()
	b.attempts = 0
}

// Attempts returns the number of reconnect attempts made since the last
// Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Exhausted reports whether max_attempts has been reached.
func (b *Backoff) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts >= maxAttempts
}
