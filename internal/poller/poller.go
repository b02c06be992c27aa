package poller

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/ovh-sniper/internal/api"
	"github.com/rickgao/ovh-sniper/internal/metrics"
	"github.com/rickgao/ovh-sniper/internal/model"
	"github.com/rickgao/ovh-sniper/internal/ratelimit"
	"github.com/rickgao/ovh-sniper/internal/registry"
)

// Checker queries the provider for one target.
type Checker interface {
	CheckAvailability(ctx context.Context, t model.WatchTarget) (api.Observation, error)
}

// Credentials is the view of the credential store the poller needs.
type Credentials interface {
	Version() uint64
	Invalidate(version uint64) bool
	IsValid() bool
}

// EventSink receives availability changes.
type EventSink interface {
	Offer(ev model.AvailabilityEvent)
}

// Notifier receives notifications. It must not block.
type Notifier interface {
	Notify(n model.Notification)
}

// Config holds poller configuration.
type Config struct {
	Interval          time.Duration // Base poll interval per target (default: 60s)
	Jitter            time.Duration // Random extra delay [0, Jitter) per cycle
	Timeout           time.Duration // Per-cycle timeout including client retries
	ReconcileInterval time.Duration // How often the active set is re-read
	BackoffBase       time.Duration // Error backoff start
	BackoffCeiling    time.Duration // Error backoff cap
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          60 * time.Second,
		Jitter:            5 * time.Second,
		Timeout:           10 * time.Second,
		ReconcileInterval: 30 * time.Second,
		BackoffBase:       30 * time.Second,
		BackoffCeiling:    30 * time.Minute,
	}
}

// TargetStatus is the poller's view of one scheduled target.
type TargetStatus struct {
	WatchID   string    `json:"watch_id"`
	LastCheck time.Time `json:"last_check,omitempty"`
	NextCheck time.Time `json:"next_check,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Paused    bool      `json:"paused"`
}

// runner is one target's schedule.
type runner struct {
	cancel context.CancelFunc

	// Guarded by Poller.mu.
	status      TargetStatus
	pausedAtVer uint64 // credential version that was rejected, 0 = not paused
}

// Poller polls the availability of every active watch target.
type Poller struct {
	cfg      Config
	checker  Checker
	store    registry.Store
	creds    Credentials
	events   EventSink
	notifier Notifier
	backoff  *ratelimit.Backoff
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	runners map[string]*runner

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller. backoff is the per-target cooldown controller
// shared with the orchestrator; nil builds one from cfg.
func New(cfg Config, checker Checker, store registry.Store, creds Credentials, events EventSink, notifier Notifier, backoff *ratelimit.Backoff, m *metrics.Metrics, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		cfg:      cfg,
		checker:  checker,
		store:    store,
		creds:    creds,
		events:   events,
		notifier: notifier,
		backoff:  backoff,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		runners:  make(map[string]*runner),
	}
	if p.backoff == nil {
		p.backoff = ratelimit.NewBackoff(cfg.BackoffBase, cfg.BackoffCeiling).WithClock(func() time.Time { return p.now() })
	}
	return p
}

// Start begins the supervisor loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.supervise()

	p.logger.Info("availability poller started",
		"interval", p.cfg.Interval,
		"jitter", p.cfg.Jitter,
		"reconcile_interval", p.cfg.ReconcileInterval,
	)

	return nil
}

// Stop gracefully shuts down the poller and all target schedules.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("availability poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the schedule state of every running target, sorted by ID.
func (p *Poller) Status() []TargetStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]TargetStatus, 0, len(p.runners))
	for _, r := range p.runners {
		result = append(result, r.status)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].WatchID < result[j].WatchID })
	return result
}

// Reconcile starts schedules for new active targets and stops schedules for
// targets that are no longer active.
func (p *Poller) Reconcile(ctx context.Context) error {
	active, err := p.store.ListActive(ctx)
	if err != nil {
		return err
	}

	want := make(map[string]struct{}, len(active))
	for _, t := range active {
		want[t.ID] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for id, r := range p.runners {
		if _, ok := want[id]; !ok {
			r.cancel()
			delete(p.runners, id)
			p.backoff.Forget(id)
			p.logger.Info("stopped polling target", "watch_id", id)
		}
	}
	for id := range want {
		if _, ok := p.runners[id]; ok {
			continue
		}
		p.startLocked(id)
	}

	p.metrics.SetActiveTargets(len(p.runners))
	return nil
}

// supervise reconciles the active set on an interval.
func (p *Poller) supervise() {
	defer p.wg.Done()

	interval := p.cfg.ReconcileInterval
	if interval <= 0 {
		interval = DefaultConfig().ReconcileInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.Reconcile(p.ctx); err != nil && p.ctx.Err() == nil {
			p.logger.Warn("failed to reconcile watch targets", "err", err)
		}

		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// startLocked launches a schedule for id (caller must hold p.mu).
func (p *Poller) startLocked(id string) {
	ctx, cancel := context.WithCancel(p.ctx)
	r := &runner{
		cancel: cancel,
		status: TargetStatus{WatchID: id},
	}
	p.runners[id] = r

	p.wg.Add(1)
	go p.runTarget(ctx, id, r)

	p.logger.Info("started polling target", "watch_id", id)
}

// runTarget is one target's polling loop.
func (p *Poller) runTarget(ctx context.Context, id string, r *runner) {
	defer p.wg.Done()
	defer p.forget(id, r)

	timer := time.NewTimer(p.jitter())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		delay, stop := p.cycle(ctx, id, r)
		if stop {
			return
		}

		p.mu.Lock()
		r.status.NextCheck = p.now().Add(delay)
		p.mu.Unlock()

		timer.Reset(delay)
	}
}

// forget removes r from the runner set if it is still the current runner for id.
func (p *Poller) forget(id string, r *runner) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.runners[id] == r {
		delete(p.runners, id)
		p.backoff.Forget(id)
		p.metrics.SetActiveTargets(len(p.runners))
	}
}

// nextDelay returns the regular interval plus jitter.
func (p *Poller) nextDelay() time.Duration {
	return p.cfg.Interval + p.jitter()
}

func (p *Poller) jitter() time.Duration {
	if p.cfg.Jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(p.cfg.Jitter)))
}

// cycle runs one poll of target id. It returns the delay until the next cycle
// and whether the schedule should end.
func (p *Poller) cycle(ctx context.Context, id string, r *runner) (time.Duration, bool) {
	t, err := p.store.Get(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		p.logger.Info("watch target removed, stopping schedule", "watch_id", id)
		return 0, true
	}
	if err != nil {
		if ctx.Err() != nil {
			return 0, true
		}
		p.logger.Warn("failed to read watch target", "watch_id", id, "err", err)
		return p.nextDelay(), false
	}
	if !t.Active {
		p.logger.Info("watch target inactive, stopping schedule", "watch_id", id)
		return 0, true
	}

	now := p.now()
	if t.InCooldown(now) {
		wait := t.CooldownUntil.Sub(now)
		p.logger.Debug("watch target in cooldown", "watch_id", id, "until", *t.CooldownUntil)
		return max(wait, p.cfg.Interval) + p.jitter(), false
	}

	version := p.creds.Version()
	if p.paused(r, version) {
		return p.nextDelay(), false
	}

	cycleCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	obs, err := p.checker.CheckAvailability(cycleCtx, t)
	cancel()

	p.mu.Lock()
	r.status.LastCheck = p.now()
	if err != nil {
		r.status.LastError = err.Error()
	} else {
		r.status.LastError = ""
	}
	p.mu.Unlock()

	if err != nil {
		return p.handleError(ctx, t, r, version, err)
	}

	p.metrics.Poll(metrics.PollOK)
	p.backoff.Reset(id)
	p.record(ctx, t, obs)
	return p.nextDelay(), false
}

// paused reports whether the target is waiting for a credential rotation.
func (p *Poller) paused(r *runner, version uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r.pausedAtVer != 0 && r.pausedAtVer != version {
		p.logger.Info("credential rotated, resuming target", "watch_id", r.status.WatchID, "version", version)
		r.pausedAtVer = 0
	}
	if r.pausedAtVer == 0 && !p.creds.IsValid() {
		r.pausedAtVer = version
	}
	r.status.Paused = r.pausedAtVer != 0
	return r.status.Paused
}

func (p *Poller) handleError(ctx context.Context, t model.WatchTarget, r *runner, version uint64, err error) (time.Duration, bool) {
	switch api.Classify(err) {
	case api.ClassCanceled:
		if ctx.Err() != nil {
			return 0, true
		}
		return p.nextDelay(), false

	case api.ClassDenied:
		// Local gate: no provider call was made.
		p.metrics.Poll(metrics.PollDenied)
		p.metrics.GateDenied(api.ClassAvailability)
		wait := api.RetryAfter(err)
		p.logger.Debug("availability check denied by gate", "watch_id", t.ID, "retry_after", wait)
		return wait + p.jitter(), false

	case api.ClassRateLimited:
		p.metrics.Poll(metrics.PollRateLimited)
		until := p.backoff.Next(t.ID, api.RetryAfter(err))
		p.logger.Warn("availability check rate limited",
			"watch_id", t.ID,
			"retry_after", api.RetryAfter(err),
			"until", until,
		)
		return max(until.Sub(p.now()), p.cfg.Interval), false

	case api.ClassAuth:
		p.metrics.Poll(metrics.PollAuth)
		p.mu.Lock()
		r.pausedAtVer = version
		r.status.Paused = true
		p.mu.Unlock()

		if p.creds.Invalidate(version) {
			p.logger.Error("credential rejected by provider, pausing targets",
				"version", version,
				"err", err,
			)
			p.notifier.Notify(model.Notification{
				Kind:      model.NotifyAuthFailed,
				WatchID:   t.ID,
				Detail:    "availability check unauthorized; update the credential to resume",
				Timestamp: p.now(),
				Target:    &t,
			})
		}
		return p.nextDelay(), false

	default:
		p.metrics.Poll(metrics.PollError)
		until := p.backoff.Next(t.ID, 0)
		p.logger.Warn("availability check failed",
			"watch_id", t.ID,
			"target", t.DisplayName(),
			"err", err,
		)
		return max(until.Sub(p.now()), p.cfg.Interval), false
	}
}

// record stores an observation and emits an event on change.
func (p *Poller) record(ctx context.Context, t model.WatchTarget, obs api.Observation) {
	old, changed, err := p.store.SetState(ctx, t.ID, obs.State)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			p.logger.Warn("failed to record availability", "watch_id", t.ID, "err", err)
		}
		return
	}
	if !changed {
		return
	}

	now := p.now()
	p.metrics.StateChange(string(obs.State))
	if err := p.store.AppendHistory(ctx, model.HistoryEntry{
		WatchID:  t.ID,
		At:       now,
		OldState: old,
		NewState: obs.State,
		Raw:      obs.Raw,
	}); err != nil && !errors.Is(err, registry.ErrNotFound) {
		p.logger.Warn("failed to append history", "watch_id", t.ID, "err", err)
	}

	p.logger.Info("availability changed",
		"watch_id", t.ID,
		"target", t.DisplayName(),
		"from", string(old),
		"to", string(obs.State),
		"raw", obs.Raw,
	)

	// The first observation of a target that is out of stock is not news.
	if old == model.StateUnknown && obs.State == model.StateUnavailable {
		return
	}

	p.events.Offer(model.AvailabilityEvent{
		WatchID:    t.ID,
		State:      obs.State,
		ObservedAt: now,
		Raw:        obs.Raw,
	})
}
