package outbox

import (
	"sync"
	"time"
)

// backoffShiftCap bounds the exponent so the shift cannot overflow; the
// delay is capped by the maximum anyway after 20 doublings.
const backoffShiftCap = 20

// Backoff tracks a per-key failure counter and yields exponentially
// growing retry delays capped at a ceiling. Keys are message ids,
// attachment ids or server URLs.
type Backoff struct {
	standard time.Duration
	maximum  time.Duration

	mu     sync.Mutex
	counts map[string]int
}

// NewBackoff creates a Backoff with the given base and ceiling delays.
func NewBackoff(standard, maximum time.Duration) *Backoff {
	return &Backoff{
		standard: standard,
		maximum:  maximum,
		counts:   make(map[string]int),
	}
}

// IncrementAndGetDelay returns the delay for the current failure count of
// the key, then increments the count. Successive calls yield a
// non-decreasing sequence: standard, 2*standard, ... capped at maximum.
func (b *Backoff) IncrementAndGetDelay(key string) time.Duration {
	b.mu.Lock()
	count := b.counts[key]
	b.counts[key] = count + 1
	b.mu.Unlock()

	delay := b.standard << min(count, backoffShiftCap)
	if delay > b.maximum || delay <= 0 {
		delay = b.maximum
	}

	return delay
}

// Reset restores the key to the base delay after a success.
func (b *Backoff) Reset(key string) {
	b.mu.Lock()
	delete(b.counts, key)
	b.mu.Unlock()
}
