package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/rickgao/ovh-sniper/internal/model"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu sync.RWMutex

	// All targets indexed by ID.
	targets map[string]*model.WatchTarget

	// Attempt log per watch ID, in attempt order. Kept after target deletion.
	attempts map[string][]model.OrderAttempt

	// State history per watch ID, oldest first, capped at model.MaxHistory.
	history map[string][]model.HistoryEntry

	validate *validatorv10.Validate
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		targets:  make(map[string]*model.WatchTarget),
		attempts: make(map[string][]model.OrderAttempt),
		history:  make(map[string][]model.HistoryEntry),
		validate: newValidator(),
		now:      time.Now,
	}
}

// WithClock sets the time source used for CreatedAt/UpdatedAt.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// Upsert creates or updates a target.
func (s *MemoryStore) Upsert(_ context.Context, t model.WatchTarget) (model.WatchTarget, error) {
	t = normalize(t)
	if err := validateTarget(s.validate, t); err != nil {
		return model.WatchTarget{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.targets[t.ID]; ok {
		existing.ServerName = t.ServerName
		existing.DesiredQuantity = t.DesiredQuantity
		existing.AutoOrder = t.AutoOrder
		existing.NotifyAvailable = t.NotifyAvailable
		existing.NotifyUnavailable = t.NotifyUnavailable
		existing.Active = t.Active && existing.Ordered < existing.DesiredQuantity
		existing.UpdatedAt = now
		return *existing, nil
	}

	tCopy := t
	tCopy.Active = t.Active && t.Ordered < t.DesiredQuantity
	tCopy.CreatedAt = now
	tCopy.UpdatedAt = now
	s.targets[t.ID] = &tCopy
	return tCopy, nil
}

// Get returns a target by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.WatchTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.targets[id]
	if !ok {
		return model.WatchTarget{}, fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	return *t, nil
}

// List returns all targets ordered by creation time.
func (s *MemoryStore) List(_ context.Context) ([]model.WatchTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collectLocked(func(model.WatchTarget) bool { return true }), nil
}

// ListActive returns the active targets ordered by creation time.
func (s *MemoryStore) ListActive(_ context.Context) ([]model.WatchTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collectLocked(func(t model.WatchTarget) bool { return t.Active }), nil
}

// collectLocked copies targets matching keep (caller must hold read lock).
func (s *MemoryStore) collectLocked(keep func(model.WatchTarget) bool) []model.WatchTarget {
	result := make([]model.WatchTarget, 0, len(s.targets))
	for _, t := range s.targets {
		if keep(*t) {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Delete removes a target and its history. The attempt log is kept.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.targets[id]; !ok {
		return fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	delete(s.targets, id)
	delete(s.history, id)
	return nil
}

// SetState records an observation of the target's availability.
func (s *MemoryStore) SetState(_ context.Context, id string, state model.AvailabilityState) (model.AvailabilityState, bool, error) {
	if !observable(state) {
		return "", false, fmt.Errorf("set state %q: %w", state, ErrInvalidTransition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[id]
	if !ok {
		return "", false, fmt.Errorf("target %s: %w", id, ErrNotFound)
	}

	old := t.LastKnownState
	if old == state {
		return old, false, nil
	}
	t.LastKnownState = state
	t.UpdatedAt = s.now()
	return old, true, nil
}

// SetCooldown sets or clears (nil) the target's cooldown.
func (s *MemoryStore) SetCooldown(_ context.Context, id string, until *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[id]
	if !ok {
		return fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	if until != nil {
		u := *until
		t.CooldownUntil = &u
	} else {
		t.CooldownUntil = nil
	}
	t.UpdatedAt = s.now()
	return nil
}

// Deactivate stops polling and ordering for the target.
func (s *MemoryStore) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[id]
	if !ok {
		return fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	t.Active = false
	t.UpdatedAt = s.now()
	return nil
}

// RecordFulfilled adds n ordered units.
func (s *MemoryStore) RecordFulfilled(_ context.Context, id string, n int) (model.WatchTarget, error) {
	if n <= 0 {
		return model.WatchTarget{}, fmt.Errorf("record fulfilled: n must be positive, got %d", n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[id]
	if !ok {
		return model.WatchTarget{}, fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	t.Ordered += n
	if t.Ordered >= t.DesiredQuantity {
		t.Active = false
	}
	t.UpdatedAt = s.now()
	return *t, nil
}

// AppendAttempt opens a pending attempt.
func (s *MemoryStore) AppendAttempt(_ context.Context, watchID string, at time.Time) (model.OrderAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.targets[watchID]; !ok {
		return model.OrderAttempt{}, fmt.Errorf("target %s: %w", watchID, ErrNotFound)
	}

	log := s.attempts[watchID]
	for _, a := range log {
		if a.Outcome == model.OutcomePending {
			return model.OrderAttempt{}, fmt.Errorf("target %s attempt %d: %w", watchID, a.AttemptID, ErrAttemptPending)
		}
	}

	id := int64(len(log)) + 1
	a := model.OrderAttempt{
		WatchID:     watchID,
		AttemptID:   id,
		Token:       model.AttemptToken(watchID, id),
		SubmittedAt: at,
		Outcome:     model.OutcomePending,
	}
	s.attempts[watchID] = append(log, a)
	return a, nil
}

// CompleteAttempt records the terminal outcome of a pending attempt.
func (s *MemoryStore) CompleteAttempt(_ context.Context, watchID string, attemptID int64, r AttemptResult) (model.OrderAttempt, error) {
	if !r.Outcome.Terminal() {
		return model.OrderAttempt{}, fmt.Errorf("complete attempt with outcome %q: %w", r.Outcome, ErrInvalidTransition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.attempts[watchID]
	idx := int(attemptID) - 1
	if idx < 0 || idx >= len(log) {
		return model.OrderAttempt{}, fmt.Errorf("attempt %s/%d: %w", watchID, attemptID, ErrNotFound)
	}
	a := &log[idx]
	if a.Outcome != model.OutcomePending {
		return model.OrderAttempt{}, fmt.Errorf("attempt %s/%d: %w", watchID, attemptID, ErrAttemptCompleted)
	}

	completed := r.CompletedAt
	a.CompletedAt = &completed
	a.Outcome = r.Outcome
	a.Reason = r.Reason
	a.ProviderOrderRef = r.ProviderOrderRef
	a.Discarded = r.Discarded
	return *a, nil
}

// ListAttempts returns the attempt log for a watch, oldest first.
func (s *MemoryStore) ListAttempts(_ context.Context, watchID string) ([]model.OrderAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.attempts[watchID]
	result := make([]model.OrderAttempt, len(log))
	copy(result, log)
	return result, nil
}

// AppendHistory adds a state change, trimming to the most recent entries.
func (s *MemoryStore) AppendHistory(_ context.Context, e model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.targets[e.WatchID]; !ok {
		return fmt.Errorf("target %s: %w", e.WatchID, ErrNotFound)
	}

	h := append(s.history[e.WatchID], e)
	if len(h) > model.MaxHistory {
		h = append([]model.HistoryEntry(nil), h[len(h)-model.MaxHistory:]...)
	}
	s.history[e.WatchID] = h
	return nil
}

// History returns a target's state changes, oldest first.
func (s *MemoryStore) History(_ context.Context, watchID string) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history[watchID]
	result := make([]model.HistoryEntry, len(h))
	copy(result, h)
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
