package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/ovh-sniper/internal/model"
)

func newTarget(plan, dc string) model.WatchTarget {
	return model.WatchTarget{
		PlanCode:        plan,
		Datacenter:      dc,
		DesiredQuantity: 1,
		Active:          true,
		AutoOrder:       true,
		NotifyAvailable: true,
	}
}

func TestMemoryStore_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	created, err := s.Upsert(ctx, newTarget("24ska01", " GRA "))
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if created.ID != model.TargetID("24ska01", "gra", "", "") {
		t.Errorf("ID = %q, want derived target ID", created.ID)
	}
	if created.Datacenter != "gra" {
		t.Errorf("Datacenter = %q, want %q", created.Datacenter, "gra")
	}
	if created.LastKnownState != model.StateUnknown {
		t.Errorf("LastKnownState = %q, want unknown", created.LastKnownState)
	}

	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.PlanCode != "24ska01" || !got.Active {
		t.Errorf("Get() = %+v", got)
	}
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_UpsertValidation(t *testing.T) {
	tests := []struct {
		name   string
		target model.WatchTarget
	}{
		{"missing plan", model.WatchTarget{Datacenter: "gra", DesiredQuantity: 1}},
		{"unknown datacenter", model.WatchTarget{PlanCode: "p", Datacenter: "mars", DesiredQuantity: 1}},
		{"zero quantity", model.WatchTarget{PlanCode: "p", Datacenter: "gra"}},
		{"negative ordered", model.WatchTarget{PlanCode: "p", Datacenter: "gra", DesiredQuantity: 1, Ordered: -1}},
		{"bad state", model.WatchTarget{PlanCode: "p", Datacenter: "gra", DesiredQuantity: 1, LastKnownState: "maybe"}},
	}

	s := NewMemoryStore()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Upsert(context.Background(), tt.target)
			if !errors.Is(err, ErrInvalidTarget) {
				t.Errorf("Upsert() error = %v, want ErrInvalidTarget", err)
			}
		})
	}
}

func TestMemoryStore_UpsertKeepsState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, _ := s.Upsert(ctx, newTarget("24ska01", "gra"))
	if _, _, err := s.SetState(ctx, first.ID, model.StateAvailable); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}
	until := time.Now().Add(time.Hour)
	_ = s.SetCooldown(ctx, first.ID, &until)

	again := newTarget("24ska01", "gra")
	again.ServerName = "KS-LE-B"
	again.DesiredQuantity = 3
	again.NotifyUnavailable = true
	updated, err := s.Upsert(ctx, again)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if updated.ID != first.ID {
		t.Errorf("ID changed on re-add")
	}
	if updated.LastKnownState != model.StateAvailable {
		t.Errorf("LastKnownState = %q, want kept available", updated.LastKnownState)
	}
	if updated.CooldownUntil == nil {
		t.Error("CooldownUntil cleared on re-add")
	}
	if updated.ServerName != "KS-LE-B" || updated.DesiredQuantity != 3 || !updated.NotifyUnavailable {
		t.Errorf("name, quantity or flags not updated: %+v", updated)
	}
	if updated.PlanCode != first.PlanCode || updated.Datacenter != first.Datacenter || updated.Memory != "" {
		t.Errorf("identity fields changed: %+v", updated)
	}
	if !updated.CreatedAt.Equal(first.CreatedAt) {
		t.Error("CreatedAt changed on re-add")
	}

	all, _ := s.List(ctx)
	if len(all) != 1 {
		t.Errorf("len(List()) = %d, want 1", len(all))
	}

	// Different options are a different target, not an update.
	other := newTarget("24ska01", "gra")
	other.Memory = "ram-32g"
	created, err := s.Upsert(ctx, other)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if created.ID == first.ID {
		t.Error("option change reused the existing ID")
	}
	if all, _ := s.List(ctx); len(all) != 2 {
		t.Errorf("len(List()) = %d, want 2", len(all))
	}
}

func TestMemoryStore_ListActive(t *testing.T) {
	ctx := context.Background()
	clock := time.Unix(1_700_000_000, 0)
	s := NewMemoryStore().WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})

	a, _ := s.Upsert(ctx, newTarget("plan-a", "gra"))
	b, _ := s.Upsert(ctx, newTarget("plan-b", "rbx"))
	c, _ := s.Upsert(ctx, newTarget("plan-c", "bhs"))
	if err := s.Deactivate(ctx, b.ID); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	active, _ := s.ListActive(ctx)
	if len(active) != 2 {
		t.Fatalf("len(active) = %d, want 2", len(active))
	}
	if active[0].ID != a.ID || active[1].ID != c.ID {
		t.Errorf("active order = [%s %s], want creation order", active[0].PlanCode, active[1].PlanCode)
	}

	all, _ := s.List(ctx)
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}
}

func TestMemoryStore_SetState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	target, _ := s.Upsert(ctx, newTarget("24ska01", "gra"))

	steps := []struct {
		state   model.AvailabilityState
		old     model.AvailabilityState
		changed bool
	}{
		{model.StateUnavailable, model.StateUnknown, true},
		{model.StateUnavailable, model.StateUnavailable, false},
		{model.StateAvailable, model.StateUnavailable, true},
		{model.StateAvailable, model.StateAvailable, false},
		{model.StateUnavailable, model.StateAvailable, true},
	}

	for i, step := range steps {
		old, changed, err := s.SetState(ctx, target.ID, step.state)
		if err != nil {
			t.Fatalf("step %d: SetState() error = %v", i, err)
		}
		if old != step.old || changed != step.changed {
			t.Errorf("step %d: SetState(%s) = (%s, %v), want (%s, %v)", i, step.state, old, changed, step.old, step.changed)
		}
	}

	if _, _, err := s.SetState(ctx, target.ID, model.StateUnknown); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("SetState(unknown) error = %v, want ErrInvalidTransition", err)
	}
	if _, _, err := s.SetState(ctx, "missing", model.StateAvailable); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetState(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_SetStateConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	target, _ := s.Upsert(ctx, newTarget("24ska01", "gra"))

	var changes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, changed, _ := s.SetState(ctx, target.ID, model.StateAvailable); changed {
				changes.Add(1)
			}
		}()
	}
	wg.Wait()

	if changes.Load() != 1 {
		t.Errorf("changes = %d, want exactly 1", changes.Load())
	}
}

func TestMemoryStore_Cooldown(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	target, _ := s.Upsert(ctx, newTarget("24ska01", "gra"))

	until := time.Now().Add(time.Minute)
	if err := s.SetCooldown(ctx, target.ID, &until); err != nil {
		t.Fatalf("SetCooldown() error = %v", err)
	}
	got, _ := s.Get(ctx, target.ID)
	if !got.InCooldown(time.Now()) {
		t.Error("InCooldown() = false, want true")
	}

	// The store keeps its own copy.
	until = until.Add(-time.Hour)
	got, _ = s.Get(ctx, target.ID)
	if !got.InCooldown(time.Now()) {
		t.Error("cooldown aliased caller's value")
	}

	if err := s.SetCooldown(ctx, target.ID, nil); err != nil {
		t.Fatalf("SetCooldown(nil) error = %v", err)
	}
	got, _ = s.Get(ctx, target.ID)
	if got.CooldownUntil != nil {
		t.Error("CooldownUntil not cleared")
	}
}

func TestMemoryStore_RecordFulfilled(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	want := newTarget("24ska01", "gra")
	want.DesiredQuantity = 2
	target, _ := s.Upsert(ctx, want)

	got, err := s.RecordFulfilled(ctx, target.ID, 1)
	if err != nil {
		t.Fatalf("RecordFulfilled() error = %v", err)
	}
	if got.Ordered != 1 || !got.Active || got.Remaining() != 1 {
		t.Errorf("after first unit: ordered=%d active=%v remaining=%d", got.Ordered, got.Active, got.Remaining())
	}

	got, _ = s.RecordFulfilled(ctx, target.ID, 1)
	if got.Ordered != 2 || got.Active {
		t.Errorf("after second unit: ordered=%d active=%v, want 2/false", got.Ordered, got.Active)
	}

	active, _ := s.ListActive(ctx)
	if len(active) != 0 {
		t.Errorf("fulfilled target still listed active")
	}

	// Re-adding at the same quantity does not revive a fulfilled target.
	again, _ := s.Upsert(ctx, want)
	if again.Active {
		t.Error("fulfilled target reactivated on re-add")
	}
	want.DesiredQuantity = 3
	again, _ = s.Upsert(ctx, want)
	if !again.Active {
		t.Error("raising quantity did not reactivate target")
	}

	if _, err := s.RecordFulfilled(ctx, target.ID, 0); err == nil {
		t.Error("RecordFulfilled(0) should fail")
	}
}

func TestMemoryStore_Attempts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	target, _ := s.Upsert(ctx, newTarget("24ska01", "gra"))
	now := time.Now()

	a1, err := s.AppendAttempt(ctx, target.ID, now)
	if err != nil {
		t.Fatalf("AppendAttempt() error = %v", err)
	}
	if a1.AttemptID != 1 || a1.Outcome != model.OutcomePending {
		t.Errorf("first attempt = %+v", a1)
	}
	if a1.Token != model.AttemptToken(target.ID, 1) {
		t.Errorf("Token = %q, want derived token", a1.Token)
	}

	if _, err := s.AppendAttempt(ctx, target.ID, now); !errors.Is(err, ErrAttemptPending) {
		t.Errorf("second AppendAttempt() error = %v, want ErrAttemptPending", err)
	}

	done, err := s.CompleteAttempt(ctx, target.ID, a1.AttemptID, AttemptResult{
		Outcome:     model.OutcomeFailed,
		Reason:      "out of stock",
		CompletedAt: now.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("CompleteAttempt() error = %v", err)
	}
	if done.Outcome != model.OutcomeFailed || done.CompletedAt == nil || done.Reason != "out of stock" {
		t.Errorf("completed attempt = %+v", done)
	}

	if _, err := s.CompleteAttempt(ctx, target.ID, a1.AttemptID, AttemptResult{Outcome: model.OutcomeSucceeded}); !errors.Is(err, ErrAttemptCompleted) {
		t.Errorf("re-complete error = %v, want ErrAttemptCompleted", err)
	}
	if _, err := s.CompleteAttempt(ctx, target.ID, 99, AttemptResult{Outcome: model.OutcomeFailed}); !errors.Is(err, ErrNotFound) {
		t.Errorf("complete missing error = %v, want ErrNotFound", err)
	}

	a2, err := s.AppendAttempt(ctx, target.ID, now)
	if err != nil {
		t.Fatalf("AppendAttempt() after completion error = %v", err)
	}
	if a2.AttemptID != 2 || a2.Token == a1.Token {
		t.Errorf("second attempt = %+v", a2)
	}

	if _, err := s.CompleteAttempt(ctx, target.ID, a2.AttemptID, AttemptResult{Outcome: model.OutcomePending}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("complete with pending error = %v, want ErrInvalidTransition", err)
	}

	log, _ := s.ListAttempts(ctx, target.ID)
	if len(log) != 2 {
		t.Errorf("len(attempts) = %d, want 2", len(log))
	}
}

func TestMemoryStore_AttemptOutlivesTarget(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	target, _ := s.Upsert(ctx, newTarget("24ska01", "gra"))

	a, _ := s.AppendAttempt(ctx, target.ID, time.Now())
	if err := s.Delete(ctx, target.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	done, err := s.CompleteAttempt(ctx, target.ID, a.AttemptID, AttemptResult{
		Outcome:     model.OutcomeSucceeded,
		Discarded:   true,
		CompletedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CompleteAttempt() after delete error = %v", err)
	}
	if !done.Discarded {
		t.Error("Discarded = false, want true")
	}

	if _, err := s.Get(ctx, target.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, target.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}

	// A re-added target continues the attempt sequence, so tokens never repeat.
	s.Upsert(ctx, newTarget("24ska01", "gra"))
	next, err := s.AppendAttempt(ctx, target.ID, time.Now())
	if err != nil {
		t.Fatalf("AppendAttempt() error = %v", err)
	}
	if next.AttemptID != 2 {
		t.Errorf("AttemptID = %d, want 2", next.AttemptID)
	}
}

func TestMemoryStore_AppendAttemptConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	target, _ := s.Upsert(ctx, newTarget("24ska01", "gra"))

	var opened atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AppendAttempt(ctx, target.ID, time.Now()); err == nil {
				opened.Add(1)
			}
		}()
	}
	wg.Wait()

	if opened.Load() != 1 {
		t.Errorf("opened = %d, want exactly 1 pending attempt", opened.Load())
	}
}

func TestMemoryStore_History(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	target, _ := s.Upsert(ctx, newTarget("24ska01", "gra"))
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < model.MaxHistory+20; i++ {
		err := s.AppendHistory(ctx, model.HistoryEntry{
			WatchID:  target.ID,
			At:       base.Add(time.Duration(i) * time.Second),
			OldState: model.StateUnavailable,
			NewState: model.StateAvailable,
		})
		if err != nil {
			t.Fatalf("AppendHistory() error = %v", err)
		}
	}

	h, _ := s.History(ctx, target.ID)
	if len(h) != model.MaxHistory {
		t.Fatalf("len(history) = %d, want %d", len(h), model.MaxHistory)
	}
	if !h[0].At.Equal(base.Add(20 * time.Second)) {
		t.Errorf("oldest kept = %v, want entry 20", h[0].At)
	}
	if !h[len(h)-1].At.Equal(base.Add(time.Duration(model.MaxHistory+19) * time.Second)) {
		t.Errorf("newest = %v, want last entry", h[len(h)-1].At)
	}

	if err := s.AppendHistory(ctx, model.HistoryEntry{WatchID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("AppendHistory(missing) error = %v, want ErrNotFound", err)
	}
}
