package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// deniedRetry is returned when a bucket can never satisfy a request (burst 0).
const deniedRetry = time.Second

// Decision is the result of Gate.Acquire.
type Decision struct {
	Granted    bool
	RetryAfter time.Duration // set when denied
}

// Limit is a token bucket: RPS sustained rate, Burst bucket size.
type Limit struct {
	RPS   float64
	Burst int
}

// Gate throttles outbound calls per endpoint class.
// Classes without a configured limit are always granted.
type Gate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	blocked  map[string]time.Time
	now      func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateClock sets the time source.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		g.now = now
	}
}

// NewGate creates a gate with one bucket per class.
func NewGate(limits map[string]Limit, opts ...GateOption) *Gate {
	g := &Gate{
		limiters: make(map[string]*rate.Limiter, len(limits)),
		blocked:  make(map[string]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	for class, l := range limits {
		g.limiters[class] = rate.NewLimiter(rate.Limit(l.RPS), l.Burst)
	}
	return g
}

// Acquire takes one token for class without blocking.
func (g *Gate) Acquire(class string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if until, ok := g.blocked[class]; ok {
		if now.Before(until) {
			return Decision{RetryAfter: until.Sub(now)}
		}
		delete(g.blocked, class)
	}

	l, ok := g.limiters[class]
	if !ok {
		return Decision{Granted: true}
	}

	r := l.ReserveN(now, 1)
	if !r.OK() {
		return Decision{RetryAfter: deniedRetry}
	}
	if d := r.DelayFrom(now); d > 0 {
		// Give the token back: a denied caller must not call the provider.
		r.CancelAt(now)
		return Decision{RetryAfter: d}
	}
	return Decision{Granted: true}
}

// Penalize closes class for d, e.g. after the provider answered 429.
// An existing longer block is kept.
func (g *Gate) Penalize(class string, d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	until := g.now().Add(d)
	if cur, ok := g.blocked[class]; ok && cur.After(until) {
		return
	}
	g.blocked[class] = until
}

// BlockedUntil returns the end of the current penalty for class, if any.
func (g *Gate) BlockedUntil(class string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.blocked[class]
	if !ok || !g.now().Before(until) {
		return time.Time{}, false
	}
	return until, true
}

// Wait blocks until a token for class is granted or ctx is done.
func (g *Gate) Wait(ctx context.Context, class string) error {
	for {
		d := g.Acquire(class)
		if d.Granted {
			return nil
		}

		timer := time.NewTimer(d.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
