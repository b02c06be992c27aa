package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rickgao/ovh-sniper/internal/model"
)

// delivery is one mailbox entry. Re-arms are synthetic events the worker
// schedules for itself; they do not repeat the availability notification.
type delivery struct {
	ev    model.AvailabilityEvent
	rearm bool
}

// worker is one target's state machine.
type worker struct {
	id      string
	mailbox chan delivery
	cancel  context.CancelFunc

	// mu is held while one event is handled, submission included.
	mu sync.Mutex

	// applyMu orders outcome application against cancellation.
	applyMu sync.Mutex

	state       sync.Mutex
	ph          Phase
	cancelled   bool
	failures    int
	lastOutcome model.Outcome
	lastAttempt int64
	timer       *time.Timer
	rearmAt     time.Time
	parkedAt    uint64 // credential version that stopped ordering, 0 = none
}

func newWorker(id string, cancel context.CancelFunc) *worker {
	return &worker{
		id:      id,
		mailbox: make(chan delivery, 1),
		cancel:  cancel,
		ph:      PhaseIdle,
	}
}

func (w *worker) phase() Phase {
	w.state.Lock()
	defer w.state.Unlock()
	return w.ph
}

// setPhase moves the worker between idle and submitting. A cancelled worker
// stays cancelled.
func (w *worker) setPhase(p Phase) {
	w.state.Lock()
	defer w.state.Unlock()
	if !w.cancelled {
		w.ph = p
	}
}

func (w *worker) isCancelled() bool {
	w.state.Lock()
	defer w.state.Unlock()
	return w.cancelled
}

// markCancelled stops scheduling. It waits for an outcome being applied, so
// no target mutation starts after it returns.
func (w *worker) markCancelled() {
	w.applyMu.Lock()
	w.state.Lock()
	w.cancelled = true
	w.ph = PhaseCancelled
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.state.Unlock()
	w.applyMu.Unlock()

	w.cancel()
}

// drain empties the mailbox.
func (w *worker) drain() {
	select {
	case <-w.mailbox:
	default:
	}
}

// schedule replaces any pending re-arm with fn after d.
func (w *worker) schedule(d time.Duration, at time.Time, fn func()) {
	w.state.Lock()
	defer w.state.Unlock()

	if w.cancelled {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.rearmAt = at
	w.timer = time.AfterFunc(d, func() {
		w.state.Lock()
		w.rearmAt = time.Time{}
		w.state.Unlock()
		fn()
	})
}

func (w *worker) stopTimer() {
	w.state.Lock()
	defer w.state.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
		w.rearmAt = time.Time{}
	}
}

func (w *worker) recordOutcome(o model.Outcome, attemptID int64) {
	w.state.Lock()
	defer w.state.Unlock()
	w.lastOutcome = o
	w.lastAttempt = attemptID
}

// addFailure counts one more consecutive rejection.
func (w *worker) addFailure() int {
	w.state.Lock()
	defer w.state.Unlock()
	w.failures++
	return w.failures
}

func (w *worker) resetFailures() {
	w.state.Lock()
	defer w.state.Unlock()
	w.failures = 0
}

// park records that ordering stopped on credential version v.
func (w *worker) park(v uint64) {
	w.state.Lock()
	defer w.state.Unlock()
	w.parkedAt = v
}

// unpark clears the park if the credential moved past it.
func (w *worker) unpark(current uint64) bool {
	w.state.Lock()
	defer w.state.Unlock()
	if w.cancelled || w.parkedAt == 0 || w.parkedAt == current {
		return false
	}
	w.parkedAt = 0
	return true
}

func (w *worker) snapshot() WorkerStatus {
	w.state.Lock()
	defer w.state.Unlock()
	return WorkerStatus{
		WatchID:             w.id,
		Phase:               w.ph,
		ConsecutiveFailures: w.failures,
		LastOutcome:         w.lastOutcome,
		LastAttempt:         w.lastAttempt,
		RearmAt:             w.rearmAt,
		AuthParked:          w.parkedAt != 0,
	}
}
