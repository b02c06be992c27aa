package registry

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/ovh-sniper/internal/model"
)

var (
	// ErrNotFound is returned when a target or attempt does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAttemptPending is returned by AppendAttempt when the target already
	// has an attempt in flight.
	ErrAttemptPending = errors.New("attempt already pending")

	// ErrAttemptCompleted is returned when completing an attempt twice.
	ErrAttemptCompleted = errors.New("attempt already completed")

	// ErrInvalidTransition is returned by SetState for a state the target
	// can never move to.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// AttemptResult is the terminal record of an order attempt.
type AttemptResult struct {
	Outcome          model.Outcome
	Reason           string
	ProviderOrderRef string
	Discarded        bool
	CompletedAt      time.Time
}

// Store persists watch targets, attempts and history.
type Store interface {
	// Upsert creates a target, or updates the name, desired quantity and flags
	// of the one with the same ID. The plan and option fields derive the ID and
	// never change. State, ordered count, cooldown and creation time are kept.
	Upsert(ctx context.Context, t model.WatchTarget) (model.WatchTarget, error)
	Get(ctx context.Context, id string) (model.WatchTarget, error)
	List(ctx context.Context) ([]model.WatchTarget, error)
	ListActive(ctx context.Context) ([]model.WatchTarget, error)
	Delete(ctx context.Context, id string) error

	// SetState records an observation. changed is false for identical
	// observations.
	SetState(ctx context.Context, id string, state model.AvailabilityState) (old model.AvailabilityState, changed bool, err error)
	SetCooldown(ctx context.Context, id string, until *time.Time) error
	Deactivate(ctx context.Context, id string) error

	// RecordFulfilled adds n to the ordered count and deactivates the target
	// once the desired quantity is reached.
	RecordFulfilled(ctx context.Context, id string, n int) (model.WatchTarget, error)

	// AppendAttempt opens a pending attempt with the next attempt ID and its
	// idempotency token.
	AppendAttempt(ctx context.Context, watchID string, at time.Time) (model.OrderAttempt, error)
	CompleteAttempt(ctx context.Context, watchID string, attemptID int64, r AttemptResult) (model.OrderAttempt, error)
	ListAttempts(ctx context.Context, watchID string) ([]model.OrderAttempt, error)

	AppendHistory(ctx context.Context, e model.HistoryEntry) error
	History(ctx context.Context, watchID string) ([]model.HistoryEntry, error)
}

// observable reports whether s can be recorded by SetState. A target never
// moves back to unknown.
func observable(s model.AvailabilityState) bool {
	return s == model.StateAvailable || s == model.StateUnavailable
}
