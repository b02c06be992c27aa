package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestGate_BurstThenDeny(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(map[string]Limit{"order": {RPS: 1, Burst: 2}}, WithGateClock(clock.Now))

	for i := 0; i < 2; i++ {
		if d := g.Acquire("order"); !d.Granted {
			t.Fatalf("Acquire #%d denied, want granted", i+1)
		}
	}

	d := g.Acquire("order")
	if d.Granted {
		t.Fatal("third Acquire granted, want denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v, want (0, 1s]", d.RetryAfter)
	}

	// A denied call must not consume a token.
	clock.Advance(time.Second)
	if d := g.Acquire("order"); !d.Granted {
		t.Errorf("Acquire after refill denied, RetryAfter = %v", d.RetryAfter)
	}
}

func TestGate_ClassesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(map[string]Limit{
		"availability": {RPS: 1, Burst: 1},
		"order":        {RPS: 1, Burst: 1},
	}, WithGateClock(clock.Now))

	if !g.Acquire("availability").Granted {
		t.Fatal("availability denied")
	}
	if g.Acquire("availability").Granted {
		t.Fatal("second availability granted")
	}
	if !g.Acquire("order").Granted {
		t.Error("order should not share the availability bucket")
	}
}

func TestGate_UnknownClassGranted(t *testing.T) {
	g := NewGate(nil)
	for i := 0; i < 100; i++ {
		if !g.Acquire("anything").Granted {
			t.Fatal("unknown class should always be granted")
		}
	}
}

func TestGate_Penalize(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(map[string]Limit{"order": {RPS: 100, Burst: 100}}, WithGateClock(clock.Now))

	g.Penalize("order", 30*time.Second)

	d := g.Acquire("order")
	if d.Granted {
		t.Fatal("Acquire during penalty granted")
	}
	if d.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", d.RetryAfter)
	}

	// A shorter penalty does not shorten the block.
	g.Penalize("order", time.Second)
	if until, ok := g.BlockedUntil("order"); !ok || until != clock.Now().Add(30*time.Second) {
		t.Errorf("BlockedUntil = %v, %v", until, ok)
	}

	clock.Advance(30 * time.Second)
	if !g.Acquire("order").Granted {
		t.Error("Acquire after penalty expired denied")
	}
	if _, ok := g.BlockedUntil("order"); ok {
		t.Error("BlockedUntil should report no block after expiry")
	}
}

func TestGate_Wait(t *testing.T) {
	g := NewGate(map[string]Limit{"poll": {RPS: 50, Burst: 1}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := g.Wait(ctx, "poll"); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
	// Two refills at 50/s take ~40ms.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Wait returned too fast: %v", elapsed)
	}
}

func TestGate_WaitCanceled(t *testing.T) {
	g := NewGate(map[string]Limit{"poll": {RPS: 1, Burst: 1}})
	g.Penalize("poll", time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := g.Wait(ctx, "poll"); err == nil {
		t.Error("Wait should return ctx error while penalised")
	}
}

func TestBackoff_DoublesUpToCeiling(t *testing.T) {
	clock := newFakeClock()
	b := NewBackoff(10*time.Second, 60*time.Second).WithClock(clock.Now)

	want := []time.Duration{10, 20, 40, 60, 60}
	var last time.Time
	for i, w := range want {
		until := b.Next("t1", 0)
		if got := until.Sub(clock.Now()); got != w*time.Second {
			t.Errorf("Next #%d delay = %v, want %v", i+1, got, w*time.Second)
		}
		if i > 0 && w*time.Second < 60*time.Second && !until.After(last) {
			t.Errorf("Next #%d cooldown %v not after %v", i+1, until, last)
		}
		last = until
	}
}

func TestBackoff_StrictlyIncreasingOverTime(t *testing.T) {
	clock := newFakeClock()
	b := NewBackoff(time.Second, 8*time.Second).WithClock(clock.Now)

	var last time.Time
	for i := 0; i < 8; i++ {
		until := b.Next("t1", 0)
		if !until.After(last) {
			t.Fatalf("cooldown #%d = %v, not after %v", i+1, until, last)
		}
		if d := until.Sub(clock.Now()); d > 8*time.Second {
			t.Fatalf("cooldown #%d delay %v exceeds ceiling", i+1, d)
		}
		last = until
		clock.Advance(time.Millisecond)
	}
}

func TestBackoff_ResetAndFloor(t *testing.T) {
	clock := newFakeClock()
	b := NewBackoff(time.Second, time.Minute).WithClock(clock.Now)

	b.Next("t1", 0)
	b.Next("t1", 0)
	if got := b.Peek("t1"); got != 4*time.Second {
		t.Errorf("Peek = %v, want 4s", got)
	}

	b.Reset("t1")
	if got := b.Next("t1", 0).Sub(clock.Now()); got != time.Second {
		t.Errorf("delay after Reset = %v, want 1s", got)
	}

	// Provider Retry-After above the schedule wins, even beyond the ceiling.
	if got := b.Next("t1", 2*time.Minute).Sub(clock.Now()); got != 2*time.Minute {
		t.Errorf("delay with floor = %v, want 2m", got)
	}

	// Targets are independent.
	if got := b.Peek("t2"); got != time.Second {
		t.Errorf("Peek(t2) = %v, want 1s", got)
	}
}
