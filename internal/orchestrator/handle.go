package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/rickgao/ovh-sniper/internal/api"
	"github.com/rickgao/ovh-sniper/internal/model"
	"github.com/rickgao/ovh-sniper/internal/registry"
)

// handle processes one event with the target lock held.
func (o *Orchestrator) handle(w *worker, d delivery) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isCancelled() {
		return
	}
	ctx := o.ctx

	t, err := o.store.Get(ctx, w.id)
	if isGone(err) {
		o.Remove(w.id)
		return
	}
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("failed to read watch target", "watch_id", w.id, "err", err)
		}
		return
	}

	switch d.ev.State {
	case model.StateUnavailable:
		if t.NotifyUnavailable && !d.rearm {
			o.notify(model.NotifyUnavailable, t, "", d.ev.Raw)
		}
		return
	case model.StateAvailable:
	default:
		return
	}

	if t.NotifyAvailable && !d.rearm {
		o.notify(model.NotifyAvailable, t, "", d.ev.Raw)
	}
	if !o.eligible(t) {
		return
	}

	version := o.creds.Version()
	if !o.creds.IsValid() {
		o.logger.Warn("credential invalid, skipping order", "watch_id", t.ID, "version", version)
		if !o.park(w, version) {
			o.reportAuth(t, version, "order skipped: credential rejected; update it to resume ordering")
		}
		return
	}
	w.park(0)

	if o.gate != nil {
		dec := o.gate.Acquire(api.ClassOrder)
		if !dec.Granted {
			o.metrics.GateDenied(api.ClassOrder)
			o.logger.Debug("order denied by gate", "watch_id", t.ID, "retry_after", dec.RetryAfter)
			o.rearm(w, dec.RetryAfter)
			return
		}
	}

	o.mu.Lock()
	w.setPhase(PhaseSubmitting)
	w.drain()
	w.stopTimer()
	o.mu.Unlock()
	defer w.setPhase(PhaseIdle)

	att, err := o.store.AppendAttempt(ctx, t.ID, o.now())
	if errors.Is(err, registry.ErrAttemptPending) {
		// No submission of this worker is in flight, so the attempt was
		// interrupted or its outcome was never recorded.
		if !o.resolvePending(w, t) {
			return
		}
		att, err = o.store.AppendAttempt(ctx, t.ID, o.now())
	}
	switch {
	case errors.Is(err, registry.ErrAttemptPending):
		o.logger.Warn("attempt still pending, dropping event", "watch_id", t.ID)
		o.rearm(w, o.cfg.RetryDelay)
		return
	case isGone(err):
		return
	case err != nil:
		o.logger.Warn("failed to open order attempt", "watch_id", t.ID, "err", err)
		return
	}

	o.logger.Info("submitting order",
		"watch_id", t.ID,
		"target", t.DisplayName(),
		"attempt_id", att.AttemptID,
		"token", att.Token,
	)
	o.notify(model.NotifyOrderSubmitted, t, fmt.Sprintf("attempt %d", att.AttemptID), d.ev.Raw)

	res, err := o.submit(w, t, att)
	o.finish(w, t, att, version, res, err)
}

// resolvePending settles the target's stale pending attempt. It reports
// whether a new attempt may be opened.
func (o *Orchestrator) resolvePending(w *worker, t model.WatchTarget) bool {
	ctx := o.permitted(context.WithoutCancel(o.ctx))
	att, err := o.pendingAttempt(ctx, t.ID)
	if errors.Is(err, errNoPending) {
		return true
	}
	var placed bool
	if err == nil {
		placed, err = o.settle(ctx, t, att)
	}
	switch {
	case isGone(err):
		return false
	case err != nil:
		o.logger.Warn("failed to settle pending attempt", "watch_id", t.ID, "err", err)
		o.rearm(w, o.cfg.RetryDelay)
		return false
	case placed:
		w.resetFailures()
		o.rearm(w, 0)
		return false
	}
	return true
}

// park stops ordering on a rejected credential version until Resume. It
// reports whether a rotation already happened, in which case the target is
// re-armed at once.
func (o *Orchestrator) park(w *worker, version uint64) bool {
	w.park(version)
	if !o.creds.IsValid() || !w.unpark(o.creds.Version()) {
		return false
	}
	o.logger.Info("credential replaced during order, re-arming target", "watch_id", w.id)
	o.rearm(w, 0)
	return true
}

// eligible reports whether an available target should be ordered now.
func (o *Orchestrator) eligible(t model.WatchTarget) bool {
	switch {
	case !t.Active:
		o.logger.Debug("target inactive, not ordering", "watch_id", t.ID)
	case !t.AutoOrder:
		o.logger.Debug("target is notify-only", "watch_id", t.ID)
	case t.Remaining() == 0:
		o.logger.Debug("desired quantity reached", "watch_id", t.ID)
	case t.InCooldown(o.now()):
		o.logger.Debug("target in cooldown, not ordering", "watch_id", t.ID, "until", *t.CooldownUntil)
	case t.LastKnownState != model.StateAvailable:
		o.logger.Debug("target no longer available", "watch_id", t.ID, "state", string(t.LastKnownState))
	default:
		return true
	}
	return false
}

// submit places the order, retrying transient errors with the same token.
func (o *Orchestrator) submit(w *worker, t model.WatchTarget, att model.OrderAttempt) (*api.OrderResult, error) {
	req := api.OrderRequest{
		Token:      att.Token,
		PlanCode:   t.PlanCode,
		Datacenter: t.Datacenter,
		Memory:     t.Memory,
		Storage:    t.Storage,
		Quantity:   1,
	}

	// A try on the wire finishes even during shutdown so its outcome is recorded.
	base := context.WithoutCancel(o.ctx)
	if o.gate != nil {
		base = api.WithPermit(base)
	}

	for try := 0; ; try++ {
		ctx, cancel := context.WithTimeout(base, o.cfg.OrderTimeout)
		res, err := o.submitter.SubmitOrder(ctx, req)
		cancel()
		if err == nil {
			return res, nil
		}

		if api.Classify(err) != api.ClassTransient || try >= o.cfg.SubmitRetries || w.isCancelled() {
			return nil, err
		}
		o.logger.Warn("order submission failed, retrying with same token",
			"watch_id", t.ID,
			"attempt_id", att.AttemptID,
			"try", try+1,
			"err", err,
		)
		if werr := o.waitRetry(); werr != nil {
			return nil, err
		}
	}
}

// waitRetry sleeps a jittered retry delay, then takes an order token.
func (o *Orchestrator) waitRetry() error {
	delay := o.cfg.RetryDelay
	if delay > 0 {
		delay = delay/2 + time.Duration(rand.Int64N(int64(delay/2)+1))
	}
	if err := sleep(o.ctx, delay); err != nil {
		return err
	}
	if o.gate == nil {
		return nil
	}
	for {
		dec := o.gate.Acquire(api.ClassOrder)
		if dec.Granted {
			return nil
		}
		o.metrics.GateDenied(api.ClassOrder)
		if err := sleep(o.ctx, dec.RetryAfter); err != nil {
			return err
		}
	}
}

// finish records the attempt outcome and drives the target's next step.
func (o *Orchestrator) finish(w *worker, t model.WatchTarget, att model.OrderAttempt, version uint64, res *api.OrderResult, err error) {
	ctx := context.WithoutCancel(o.ctx)
	outcome, reason := classify(err)
	now := o.now()

	w.applyMu.Lock()
	defer w.applyMu.Unlock()

	discarded := w.isCancelled()
	if !discarded {
		if _, gerr := o.store.Get(ctx, t.ID); isGone(gerr) {
			discarded = true
		}
	}

	result := registry.AttemptResult{
		Outcome:     outcome,
		Reason:      reason,
		Discarded:   discarded,
		CompletedAt: now,
	}
	if res != nil {
		result.ProviderOrderRef = res.OrderRef
	}
	log := o.logger.With("watch_id", t.ID, "attempt_id", att.AttemptID, "outcome", string(outcome))
	if cerr := o.completeAttempt(ctx, t.ID, att.AttemptID, result); cerr != nil {
		if isGone(cerr) {
			discarded = true
		} else if !discarded {
			// The attempt stays pending and is settled from the provider's
			// cart on the next event, which applies the outcome once.
			log.Error("outcome not recorded, attempt left pending", "err", cerr)
			w.recordOutcome(model.OutcomePending, att.AttemptID)
			o.rearm(w, o.cfg.RetryDelay)
			return
		}
	}
	o.metrics.OrderAttempt(string(outcome))
	w.recordOutcome(outcome, att.AttemptID)

	if discarded {
		log.Warn("target removed during submission, outcome discarded", "reason", reason)
		if outcome == model.OutcomeSucceeded {
			o.notify(model.NotifyOrderSucceeded, t, orderDetail(res)+" (target removed)", "")
		} else {
			o.notify(model.NotifyOrderFailed, t, reason+" (target removed)", "")
		}
		return
	}

	switch outcome {
	case model.OutcomeSucceeded:
		log.Info("order placed", "order_ref", result.ProviderOrderRef, "reused_cart", res.Reused)
		o.backoff.Reset(t.ID)
		w.resetFailures()

		updated, rerr := o.store.RecordFulfilled(ctx, t.ID, 1)
		if rerr != nil {
			log.Error("failed to record fulfilled unit", "err", rerr)
			o.notify(model.NotifyOrderSucceeded, t, orderDetail(res), "")
			return
		}
		o.notify(model.NotifyOrderSucceeded, updated, orderDetail(res), "")
		if !updated.Active {
			log.Info("desired quantity reached, target deactivated", "ordered", updated.Ordered)
			return
		}
		if updated.Remaining() > 0 && updated.LastKnownState == model.StateAvailable {
			o.rearm(w, 0)
		}

	case model.OutcomeRateLimited:
		until := o.backoff.Next(t.ID, api.RetryAfter(err))
		if serr := o.store.SetCooldown(ctx, t.ID, &until); serr != nil {
			log.Warn("failed to set cooldown", "err", serr)
		}
		log.Warn("order rate limited", "cooldown_until", until)
		o.notify(model.NotifyRateLimited, t, "cooldown until "+until.UTC().Format(time.RFC3339), "")
		o.rearm(w, until.Sub(now))

	case model.OutcomeTransient:
		log.Warn("order gave up after transient errors", "reason", reason)
		o.rearm(w, o.cfg.RetryDelay)

	default:
		if api.Classify(err) == api.ClassAuth {
			log.Error("order unauthorized", "err", err)
			o.creds.Invalidate(version)
			if !o.park(w, version) {
				o.reportAuth(t, version, "order unauthorized; update the credential to resume")
			}
			return
		}

		n := w.addFailure()
		log.Warn("order rejected", "reason", reason, "consecutive_failures", n)
		o.notify(model.NotifyOrderFailed, t, reason, "")

		if o.cfg.FailureThreshold > 0 && n >= o.cfg.FailureThreshold {
			until := now.Add(o.cfg.FailureCooldown)
			if serr := o.store.SetCooldown(ctx, t.ID, &until); serr != nil {
				log.Warn("failed to set cooldown", "err", serr)
			}
			w.resetFailures()
			log.Warn("failure threshold reached, cooling down", "cooldown_until", until)
			o.rearm(w, o.cfg.FailureCooldown)
			return
		}
		o.rearm(w, o.cfg.RetryDelay)
	}
}

// classify maps a submission error to an attempt outcome and reason.
func classify(err error) (model.Outcome, string) {
	if err == nil {
		return model.OutcomeSucceeded, ""
	}
	switch api.Classify(err) {
	case api.ClassRateLimited:
		return model.OutcomeRateLimited, reasonOf(err)
	case api.ClassAuth:
		return model.OutcomeFailed, "unauthorized"
	case api.ClassTransient, api.ClassCanceled, api.ClassDenied:
		return model.OutcomeTransient, reasonOf(err)
	default:
		return model.OutcomeFailed, reasonOf(err)
	}
}

// reasonOf prefers the provider's message over the wrapped error chain.
func reasonOf(err error) string {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}

func orderDetail(res *api.OrderResult) string {
	if res == nil {
		return ""
	}
	parts := []string{"order " + res.OrderRef}
	if res.Price != "" {
		parts = append(parts, res.Price)
	}
	if res.URL != "" {
		parts = append(parts, res.URL)
	}
	return strings.Join(parts, " ")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
