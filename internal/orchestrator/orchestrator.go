package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/ovh-sniper/internal/api"
	"github.com/rickgao/ovh-sniper/internal/metrics"
	"github.com/rickgao/ovh-sniper/internal/model"
	"github.com/rickgao/ovh-sniper/internal/ratelimit"
	"github.com/rickgao/ovh-sniper/internal/registry"
)

// Submitter places orders with the provider. LookupOrder returns nil when
// no order was checked out for the token.
type Submitter interface {
	SubmitOrder(ctx context.Context, req api.OrderRequest) (*api.OrderResult, error)
	LookupOrder(ctx context.Context, token string) (*api.OrderResult, error)
}

// Gate is the order-class rate limit.
type Gate interface {
	Acquire(class string) ratelimit.Decision
}

// Credentials is the view of the credential store the orchestrator needs.
type Credentials interface {
	Version() uint64
	Invalidate(version uint64) bool
	IsValid() bool
}

// Notifier receives notifications. It must not block.
type Notifier interface {
	Notify(n model.Notification)
}

// Config holds orchestrator configuration.
type Config struct {
	OrderTimeout     time.Duration // Bound on one submission try
	SubmitRetries    int           // Extra tries with the same token on transient errors
	RetryDelay       time.Duration // Pause before retrying, and before re-arming after a failure
	FailureThreshold int           // Consecutive rejections before a cooldown
	FailureCooldown  time.Duration
	BackoffBase      time.Duration // Rate-limit cooldown start
	BackoffCeiling   time.Duration // Rate-limit cooldown cap
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		OrderTimeout:     20 * time.Second,
		SubmitRetries:    2,
		RetryDelay:       2 * time.Second,
		FailureThreshold: 3,
		FailureCooldown:  5 * time.Minute,
		BackoffBase:      30 * time.Second,
		BackoffCeiling:   30 * time.Minute,
	}
}

// Phase is a worker's position in the order state machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSubmitting Phase = "submitting"
	PhaseCancelled  Phase = "cancelled"
)

// WorkerStatus is the orchestrator's view of one target.
type WorkerStatus struct {
	WatchID             string        `json:"watch_id"`
	Phase               Phase         `json:"phase"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastOutcome         model.Outcome `json:"last_outcome,omitempty"`
	LastAttempt         int64         `json:"last_attempt,omitempty"`
	RearmAt             time.Time     `json:"rearm_at,omitempty"`
	AuthParked          bool          `json:"auth_parked"`
}

// Orchestrator runs one order worker per watch target.
type Orchestrator struct {
	cfg       Config
	submitter Submitter
	gate      Gate
	store     registry.Store
	creds     Credentials
	notifier  Notifier
	backoff   *ratelimit.Backoff
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	workers map[string]*worker

	authNotified uint64 // credential version last reported as rejected, guarded by mu

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Orchestrator. gate may be nil when the submitter
// enforces the order limit itself. backoff is the per-target cooldown
// controller shared with the poller; nil builds one from cfg.
func New(cfg Config, submitter Submitter, gate Gate, store registry.Store, creds Credentials, notifier Notifier, backoff *ratelimit.Backoff, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:       cfg,
		submitter: submitter,
		gate:      gate,
		store:     store,
		creds:     creds,
		notifier:  notifier,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		backoff:   backoff,
		workers:   make(map[string]*worker),
	}
	if o.backoff == nil {
		o.backoff = ratelimit.NewBackoff(cfg.BackoffBase, cfg.BackoffCeiling).WithClock(func() time.Time { return o.now() })
	}
	return o
}

// Start settles attempts left pending by a previous run, then enables event
// handling. Events offered before Start are dropped.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	settled := o.recoverAll(o.ctx)

	o.logger.Info("order orchestrator started",
		"order_timeout", o.cfg.OrderTimeout,
		"submit_retries", o.cfg.SubmitRetries,
		"failure_threshold", o.cfg.FailureThreshold,
		"recovered_attempts", settled,
	)
	return nil
}

// Stop cancels every worker and waits for in-flight submissions to be recorded.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	for _, w := range o.workers {
		w.stopTimer()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("order orchestrator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Offer hands an availability event to the target's worker. It never blocks.
func (o *Orchestrator) Offer(ev model.AvailabilityEvent) {
	o.deliver(delivery{ev: ev})
}

// deliver puts d in the target's mailbox, replacing an event not yet picked up.
func (o *Orchestrator) deliver(d delivery) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ctx == nil || o.ctx.Err() != nil {
		o.logger.Debug("orchestrator not running, dropping event", "watch_id", d.ev.WatchID)
		return
	}

	w, ok := o.workers[d.ev.WatchID]
	if !ok {
		w = o.startLocked(d.ev.WatchID)
	}

	// Re-arms come from the worker itself and queue behind the current submission.
	if !d.rearm && w.phase() == PhaseSubmitting {
		o.logger.Debug("submission in progress, dropping event",
			"watch_id", d.ev.WatchID,
			"state", string(d.ev.State),
		)
		return
	}

	select {
	case old := <-w.mailbox:
		o.logger.Debug("replacing pending event",
			"watch_id", d.ev.WatchID,
			"old_state", string(old.ev.State),
			"new_state", string(d.ev.State),
		)
	default:
	}
	w.mailbox <- d
}

// Remove cancels the target's worker. A submission in flight completes and
// is recorded as discarded.
func (o *Orchestrator) Remove(id string) {
	o.mu.Lock()
	w, ok := o.workers[id]
	if ok {
		delete(o.workers, id)
	}
	o.mu.Unlock()

	if !ok {
		return
	}
	w.markCancelled()
	o.backoff.Forget(id)
	o.logger.Info("order worker cancelled", "watch_id", id)
}

// Sync removes workers whose targets no longer exist in the registry.
func (o *Orchestrator) Sync(ctx context.Context) error {
	targets, err := o.store.List(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		known[t.ID] = struct{}{}
	}

	o.mu.Lock()
	var gone []string
	for id := range o.workers {
		if _, ok := known[id]; !ok {
			gone = append(gone, id)
		}
	}
	o.mu.Unlock()

	for _, id := range gone {
		o.Remove(id)
	}
	return nil
}

// Resume re-arms the workers that stopped ordering on a rejected credential,
// once a valid replacement is installed. It returns the number re-armed.
func (o *Orchestrator) Resume() int {
	if !o.creds.IsValid() {
		return 0
	}
	version := o.creds.Version()

	o.mu.Lock()
	workers := make([]*worker, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w)
	}
	o.mu.Unlock()

	n := 0
	for _, w := range workers {
		if w.unpark(version) {
			o.logger.Info("credential replaced, re-arming target", "watch_id", w.id, "version", version)
			o.rearm(w, 0)
			n++
		}
	}
	return n
}

// Status returns every worker's state, sorted by ID.
func (o *Orchestrator) Status() []WorkerStatus {
	o.mu.Lock()
	workers := make([]*worker, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w)
	}
	o.mu.Unlock()

	result := make([]WorkerStatus, 0, len(workers))
	for _, w := range workers {
		result = append(result, w.snapshot())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].WatchID < result[j].WatchID })
	return result
}

// startLocked launches a worker for id (caller must hold o.mu).
func (o *Orchestrator) startLocked(id string) *worker {
	ctx, cancel := context.WithCancel(o.ctx)
	w := newWorker(id, cancel)
	o.workers[id] = w

	o.wg.Add(1)
	go o.run(ctx, w)
	return w
}

// run is one target's worker loop.
func (o *Orchestrator) run(ctx context.Context, w *worker) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return
		case d := <-w.mailbox:
			o.handle(w, d)
		}
	}
}

// rearm schedules a synthetic available event for the target after d.
func (o *Orchestrator) rearm(w *worker, d time.Duration) {
	w.schedule(d, o.now().Add(d), func() {
		o.deliver(delivery{
			ev: model.AvailabilityEvent{
				WatchID:    w.id,
				State:      model.StateAvailable,
				ObservedAt: o.now(),
			},
			rearm: true,
		})
	})
}

// reportAuth notifies a rejected credential once per version.
func (o *Orchestrator) reportAuth(t model.WatchTarget, version uint64, detail string) {
	o.mu.Lock()
	if o.authNotified == version {
		o.mu.Unlock()
		return
	}
	o.authNotified = version
	o.mu.Unlock()

	o.notify(model.NotifyAuthFailed, t, detail, "")
}

func (o *Orchestrator) notify(kind model.NotificationKind, t model.WatchTarget, detail, raw string) {
	snap := t
	o.notifier.Notify(model.Notification{
		Kind:      kind,
		WatchID:   t.ID,
		Detail:    detail,
		Timestamp: o.now(),
		Target:    &snap,
		Raw:       raw,
	})
}

func isGone(err error) bool {
	return errors.Is(err, registry.ErrNotFound)
}
