package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rickgao/ovh-sniper/internal/api"
	"github.com/rickgao/ovh-sniper/internal/model"
	"github.com/rickgao/ovh-sniper/internal/registry"
)

// completeTries bounds how often an outcome is written before it is left
// for recovery.
const completeTries = 3

// errNoPending means no pending attempt was found to settle.
var errNoPending = errors.New("no pending attempt")

// recoverAll settles the pending attempts of every target. Attempts that
// cannot be settled now stay pending and are retried by the next event.
func (o *Orchestrator) recoverAll(ctx context.Context) int {
	targets, err := o.store.List(ctx)
	if err != nil {
		o.logger.Warn("failed to list targets for attempt recovery", "err", err)
		return 0
	}

	settled := 0
	for _, t := range targets {
		att, err := o.pendingAttempt(ctx, t.ID)
		if errors.Is(err, errNoPending) {
			continue
		}
		if err == nil {
			_, err = o.settle(ctx, t, att)
		}
		if err != nil {
			o.logger.Warn("pending attempt left unsettled", "watch_id", t.ID, "err", err)
			continue
		}
		settled++
	}
	return settled
}

// pendingAttempt returns the newest pending attempt of a target.
func (o *Orchestrator) pendingAttempt(ctx context.Context, id string) (model.OrderAttempt, error) {
	attempts, err := o.store.ListAttempts(ctx, id)
	if err != nil {
		return model.OrderAttempt{}, err
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Outcome == model.OutcomePending {
			return attempts[i], nil
		}
	}
	return model.OrderAttempt{}, errNoPending
}

// settle completes a pending attempt that no submission owns, using the
// provider's cart for its token: a checked-out cart is a placed order, anything
// else was abandoned before checkout. It reports whether the order was placed.
func (o *Orchestrator) settle(ctx context.Context, t model.WatchTarget, att model.OrderAttempt) (bool, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, o.cfg.OrderTimeout)
	res, err := o.submitter.LookupOrder(lookupCtx, att.Token)
	cancel()
	if err != nil {
		return false, fmt.Errorf("look up attempt %d: %w", att.AttemptID, err)
	}

	result := registry.AttemptResult{
		Outcome:     model.OutcomeTransient,
		Reason:      "abandoned before checkout",
		CompletedAt: o.now(),
	}
	if res != nil {
		result.Outcome = model.OutcomeSucceeded
		result.Reason = "recovered after interruption"
		result.ProviderOrderRef = res.OrderRef
	}
	if err := o.completeAttempt(ctx, t.ID, att.AttemptID, result); err != nil {
		return false, err
	}
	o.metrics.OrderAttempt(string(result.Outcome))
	o.logger.Warn("settled interrupted order attempt",
		"watch_id", t.ID,
		"attempt_id", att.AttemptID,
		"outcome", string(result.Outcome),
		"order_ref", result.ProviderOrderRef,
	)
	if res == nil {
		return false, nil
	}

	o.backoff.Reset(t.ID)
	updated, err := o.store.RecordFulfilled(ctx, t.ID, 1)
	if err != nil {
		o.logger.Error("failed to record fulfilled unit", "watch_id", t.ID, "err", err)
		updated = t
	}
	o.notify(model.NotifyOrderSucceeded, updated, orderDetail(res)+" (recovered)", "")
	return true, nil
}

// completeAttempt writes r, retrying store errors. An attempt already
// completed with the same write counts as recorded.
func (o *Orchestrator) completeAttempt(ctx context.Context, watchID string, attemptID int64, r registry.AttemptResult) error {
	delay := o.cfg.RetryDelay
	var err error
	for try := 0; try < completeTries; try++ {
		if try > 0 {
			if serr := sleep(ctx, delay); serr != nil {
				return err
			}
			delay *= 2
		}
		_, err = o.store.CompleteAttempt(ctx, watchID, attemptID, r)
		switch {
		case err == nil, errors.Is(err, registry.ErrAttemptCompleted):
			return nil
		case isGone(err):
			return err
		}
		o.logger.Warn("failed to record attempt outcome",
			"watch_id", watchID,
			"attempt_id", attemptID,
			"try", try+1,
			"err", err,
		)
	}
	return fmt.Errorf("complete attempt %d: %w", attemptID, err)
}

// permitted marks ctx as holding the order token the caller acquired.
func (o *Orchestrator) permitted(ctx context.Context) context.Context {
	if o.gate != nil {
		return api.WithPermit(ctx)
	}
	return ctx
}
