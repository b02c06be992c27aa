package ratelimit

import (
	"sync"
	"time"
)

// Backoff computes multiplicative cooldowns per target.
type Backoff struct {
	mu       sync.Mutex
	base     time.Duration
	ceiling  time.Duration
	attempts map[string]int
	now      func() time.Time
}

// NewBackoff creates a controller doubling from base up to ceiling.
func NewBackoff(base, ceiling time.Duration) *Backoff {
	if ceiling < base {
		ceiling = base
	}
	return &Backoff{
		base:     base,
		ceiling:  ceiling,
		attempts: make(map[string]int),
		now:      time.Now,
	}
}

// WithClock sets the time source and returns b.
func (b *Backoff) WithClock(now func() time.Time) *Backoff {
	b.now = now
	return b
}

// Next records one more rate-limited outcome for id and returns the end of
// its cooldown. floor is the provider's Retry-After, honoured even above the ceiling.
func (b *Backoff) Next(id string, floor time.Duration) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.attempts[id]
	delay := b.delayLocked(n)
	if floor > delay {
		delay = floor
	}
	b.attempts[id] = n + 1
	return b.now().Add(delay)
}

// Peek returns the delay the next call to Next would use, ignoring floors.
func (b *Backoff) Peek(id string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delayLocked(b.attempts[id])
}

// Reset clears the multiplier for id.
func (b *Backoff) Reset(id string) {
	b.mu.Lock()
	delete(b.attempts, id)
	b.mu.Unlock()
}

// Forget is Reset for removed targets.
func (b *Backoff) Forget(id string) {
	b.Reset(id)
}

func (b *Backoff) delayLocked(n int) time.Duration {
	delay := b.base
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= b.ceiling || delay <= 0 {
			return b.ceiling
		}
	}
	if delay > b.ceiling {
		return b.ceiling
	}
	return delay
}
