package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/ovh-sniper/internal/model"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

const targetColumns = `id, plan_code, datacenter, memory, storage, server_name,
	desired_quantity, ordered, active, auto_order, notify_available, notify_unavailable,
	last_known_state, cooldown_until, created_at, updated_at`

const attemptColumns = `watch_id, attempt_id, token, submitted_at, completed_at,
	outcome, reason, provider_order_ref, discarded`

// PGStore is a Store backed by PostgreSQL. Run database.Migrate first.
type PGStore struct {
	pool     *pgxpool.Pool
	validate *validatorv10.Validate
}

// NewPGStore creates a store on an existing pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, validate: newValidator()}
}

// Upsert creates or updates a target.
func (s *PGStore) Upsert(ctx context.Context, t model.WatchTarget) (model.WatchTarget, error) {
	t = normalize(t)
	if err := validateTarget(s.validate, t); err != nil {
		return model.WatchTarget{}, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO watch_targets (id, plan_code, datacenter, memory, storage, server_name,
			desired_quantity, ordered, active, auto_order, notify_available, notify_unavailable,
			last_known_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9 AND $8 < $7, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			server_name        = EXCLUDED.server_name,
			desired_quantity   = EXCLUDED.desired_quantity,
			auto_order         = EXCLUDED.auto_order,
			notify_available   = EXCLUDED.notify_available,
			notify_unavailable = EXCLUDED.notify_unavailable,
			active             = $9 AND watch_targets.ordered < EXCLUDED.desired_quantity,
			updated_at         = now()
		RETURNING `+targetColumns,
		t.ID, t.PlanCode, t.Datacenter, t.Memory, t.Storage, t.ServerName,
		t.DesiredQuantity, t.Ordered, t.Active, t.AutoOrder, t.NotifyAvailable, t.NotifyUnavailable,
		string(t.LastKnownState),
	)
	out, err := scanTarget(row)
	if err != nil {
		return model.WatchTarget{}, fmt.Errorf("upsert target %s: %w", t.ID, err)
	}
	return out, nil
}

// Get returns a target by ID.
func (s *PGStore) Get(ctx context.Context, id string) (model.WatchTarget, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+targetColumns+` FROM watch_targets WHERE id = $1`, id)
	t, err := scanTarget(row)
	if err != nil {
		return model.WatchTarget{}, notFound("target", id, err)
	}
	return t, nil
}

// List returns all targets ordered by creation time.
func (s *PGStore) List(ctx context.Context) ([]model.WatchTarget, error) {
	return s.queryTargets(ctx, `SELECT `+targetColumns+` FROM watch_targets ORDER BY created_at, id`)
}

// ListActive returns the active targets ordered by creation time.
func (s *PGStore) ListActive(ctx context.Context) ([]model.WatchTarget, error) {
	return s.queryTargets(ctx, `SELECT `+targetColumns+` FROM watch_targets WHERE active ORDER BY created_at, id`)
}

func (s *PGStore) queryTargets(ctx context.Context, sql string, args ...any) ([]model.WatchTarget, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()

	var result []model.WatchTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// Delete removes a target and its history. The attempt log is kept.
func (s *PGStore) Delete(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM watch_targets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete target %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM state_history WHERE watch_id = $1`, id); err != nil {
		return fmt.Errorf("delete history %s: %w", id, err)
	}
	return tx.Commit(ctx)
}

// SetState records an observation in one statement. The CTE reads the prior
// value under the row lock taken by the UPDATE.
func (s *PGStore) SetState(ctx context.Context, id string, state model.AvailabilityState) (model.AvailabilityState, bool, error) {
	if !observable(state) {
		return "", false, fmt.Errorf("set state %q: %w", state, ErrInvalidTransition)
	}

	var old string
	var changed bool
	err := s.pool.QueryRow(ctx, `
		WITH prev AS (
			SELECT last_known_state FROM watch_targets WHERE id = $1 FOR UPDATE
		), upd AS (
			UPDATE watch_targets SET last_known_state = $2, updated_at = now()
			WHERE id = $1 AND last_known_state <> $2
			RETURNING id
		)
		SELECT prev.last_known_state, EXISTS (SELECT 1 FROM upd) FROM prev`,
		id, string(state),
	).Scan(&old, &changed)
	if err != nil {
		return "", false, notFound("target", id, err)
	}
	return model.AvailabilityState(old), changed, nil
}

// SetCooldown sets or clears (nil) the target's cooldown.
func (s *PGStore) SetCooldown(ctx context.Context, id string, until *time.Time) error {
	return s.execTarget(ctx, id, `UPDATE watch_targets SET cooldown_until = $2, updated_at = now() WHERE id = $1`, id, until)
}

// Deactivate stops polling and ordering for the target.
func (s *PGStore) Deactivate(ctx context.Context, id string) error {
	return s.execTarget(ctx, id, `UPDATE watch_targets SET active = FALSE, updated_at = now() WHERE id = $1`, id)
}

func (s *PGStore) execTarget(ctx context.Context, id, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update target %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordFulfilled adds n ordered units.
func (s *PGStore) RecordFulfilled(ctx context.Context, id string, n int) (model.WatchTarget, error) {
	if n <= 0 {
		return model.WatchTarget{}, fmt.Errorf("record fulfilled: n must be positive, got %d", n)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE watch_targets SET
			ordered    = ordered + $2,
			active     = active AND ordered + $2 < desired_quantity,
			updated_at = now()
		WHERE id = $1
		RETURNING `+targetColumns, id, n)
	t, err := scanTarget(row)
	if err != nil {
		return model.WatchTarget{}, notFound("target", id, err)
	}
	return t, nil
}

// AppendAttempt opens a pending attempt. The partial unique index on pending
// attempts enforces one in flight per target.
func (s *PGStore) AppendAttempt(ctx context.Context, watchID string, at time.Time) (model.OrderAttempt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.OrderAttempt{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the target row to serialize attempt ID assignment.
	var exists bool
	err = tx.QueryRow(ctx, `SELECT TRUE FROM watch_targets WHERE id = $1 FOR UPDATE`, watchID).Scan(&exists)
	if err != nil {
		return model.OrderAttempt{}, notFound("target", watchID, err)
	}

	var next int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(attempt_id), 0) + 1 FROM order_attempts WHERE watch_id = $1`, watchID,
	).Scan(&next); err != nil {
		return model.OrderAttempt{}, fmt.Errorf("next attempt id: %w", err)
	}

	a := model.OrderAttempt{
		WatchID:     watchID,
		AttemptID:   next,
		Token:       model.AttemptToken(watchID, next),
		SubmittedAt: at,
		Outcome:     model.OutcomePending,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO order_attempts (watch_id, attempt_id, token, submitted_at, outcome)
		VALUES ($1, $2, $3, $4, $5)`,
		a.WatchID, a.AttemptID, a.Token, a.SubmittedAt, string(a.Outcome))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return model.OrderAttempt{}, fmt.Errorf("target %s: %w", watchID, ErrAttemptPending)
		}
		return model.OrderAttempt{}, fmt.Errorf("insert attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.OrderAttempt{}, fmt.Errorf("commit: %w", err)
	}
	return a, nil
}

// CompleteAttempt records the terminal outcome of a pending attempt.
func (s *PGStore) CompleteAttempt(ctx context.Context, watchID string, attemptID int64, r AttemptResult) (model.OrderAttempt, error) {
	if !r.Outcome.Terminal() {
		return model.OrderAttempt{}, fmt.Errorf("complete attempt with outcome %q: %w", r.Outcome, ErrInvalidTransition)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE order_attempts SET
			completed_at = $3, outcome = $4, reason = $5, provider_order_ref = $6, discarded = $7
		WHERE watch_id = $1 AND attempt_id = $2 AND outcome = 'pending'
		RETURNING `+attemptColumns,
		watchID, attemptID, r.CompletedAt, string(r.Outcome), r.Reason, r.ProviderOrderRef, r.Discarded)
	a, err := scanAttempt(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.OrderAttempt{}, fmt.Errorf("complete attempt %s/%d: %w", watchID, attemptID, err)
	}

	// Distinguish a missing attempt from an already completed one.
	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT TRUE FROM order_attempts WHERE watch_id = $1 AND attempt_id = $2`, watchID, attemptID,
	).Scan(&exists)
	if err != nil {
		return model.OrderAttempt{}, notFound("attempt", fmt.Sprintf("%s/%d", watchID, attemptID), err)
	}
	return model.OrderAttempt{}, fmt.Errorf("attempt %s/%d: %w", watchID, attemptID, ErrAttemptCompleted)
}

// ListAttempts returns the attempt log for a watch, oldest first.
func (s *PGStore) ListAttempts(ctx context.Context, watchID string) ([]model.OrderAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM order_attempts WHERE watch_id = $1 ORDER BY attempt_id`, watchID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var result []model.OrderAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// AppendHistory adds a state change and trims older entries.
func (s *PGStore) AppendHistory(ctx context.Context, e model.HistoryEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO state_history (watch_id, at, old_state, new_state, raw)
		VALUES ($1, $2, $3, $4, $5)`,
		e.WatchID, e.At, string(e.OldState), string(e.NewState), e.Raw); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM state_history WHERE watch_id = $1 AND id NOT IN (
			SELECT id FROM state_history WHERE watch_id = $1 ORDER BY id DESC LIMIT $2
		)`, e.WatchID, model.MaxHistory); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return tx.Commit(ctx)
}

// History returns a target's state changes, oldest first.
func (s *PGStore) History(ctx context.Context, watchID string) ([]model.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT watch_id, at, old_state, new_state, raw FROM state_history
		WHERE watch_id = $1 ORDER BY id`, watchID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var result []model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		var oldState, newState string
		if err := rows.Scan(&e.WatchID, &e.At, &oldState, &newState, &e.Raw); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.OldState = model.AvailabilityState(oldState)
		e.NewState = model.AvailabilityState(newState)
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanTarget(row pgx.Row) (model.WatchTarget, error) {
	var t model.WatchTarget
	var state string
	err := row.Scan(
		&t.ID, &t.PlanCode, &t.Datacenter, &t.Memory, &t.Storage, &t.ServerName,
		&t.DesiredQuantity, &t.Ordered, &t.Active, &t.AutoOrder, &t.NotifyAvailable, &t.NotifyUnavailable,
		&state, &t.CooldownUntil, &t.CreatedAt, &t.UpdatedAt,
	)
	t.LastKnownState = model.AvailabilityState(state)
	return t, err
}

func scanAttempt(row pgx.Row) (model.OrderAttempt, error) {
	var a model.OrderAttempt
	var outcome string
	err := row.Scan(
		&a.WatchID, &a.AttemptID, &a.Token, &a.SubmittedAt, &a.CompletedAt,
		&outcome, &a.Reason, &a.ProviderOrderRef, &a.Discarded,
	)
	a.Outcome = model.Outcome(outcome)
	return a, err
}

// notFound maps pgx.ErrNoRows onto ErrNotFound.
func notFound(kind, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", kind, id, err)
}

var _ Store = (*PGStore)(nil)
