package poller

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/ovh-sniper/internal/api"
	"github.com/rickgao/ovh-sniper/internal/model"
)

// CatalogLister lists the whole availability catalog.
type CatalogLister interface {
	GetAvailabilities(ctx context.Context, planCode string) ([]api.Availability, error)
}

// CatalogConfig holds catalog watcher configuration.
type CatalogConfig struct {
	Interval time.Duration // How often the catalog is listed (default: 10m)
	Timeout  time.Duration // Per-listing timeout
}

// DefaultCatalogConfig returns sensible defaults.
func DefaultCatalogConfig() CatalogConfig {
	return CatalogConfig{
		Interval: 10 * time.Minute,
		Timeout:  30 * time.Second,
	}
}

// CatalogWatcher reports plan codes that appear in the catalog.
type CatalogWatcher struct {
	cfg      CatalogConfig
	lister   CatalogLister
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	known  map[string]struct{}
	seeded bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCatalogWatcher creates a catalog watcher.
func NewCatalogWatcher(cfg CatalogConfig, lister CatalogLister, notifier Notifier, logger *slog.Logger) *CatalogWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogWatcher{
		cfg:      cfg,
		lister:   lister,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		known:    make(map[string]struct{}),
	}
}

// Start begins the listing loop.
func (w *CatalogWatcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.run()

	w.logger.Info("catalog watcher started", "interval", w.cfg.Interval)
	return nil
}

// Stop gracefully shuts down the watcher.
func (w *CatalogWatcher) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("catalog watcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *CatalogWatcher) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.checkOnce()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.checkOnce()
		}
	}
}

func (w *CatalogWatcher) checkOnce() {
	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.Timeout)
	defer cancel()

	if _, err := w.Check(ctx); err != nil && w.ctx.Err() == nil {
		w.logger.Warn("catalog check failed",
			"class", api.Classify(err).String(),
			"err", err,
		)
	}
}

// Check lists the catalog once and returns the plan codes that are new since
// the previous listing. The first successful listing only seeds the known set.
func (w *CatalogWatcher) Check(ctx context.Context) ([]string, error) {
	entries, err := w.lister.GetAvailabilities(ctx, "")
	if err != nil {
		return nil, err
	}

	// First entry per plan code describes it in the notification.
	current := make(map[string]api.Availability)
	for _, e := range entries {
		if e.PlanCode == "" {
			continue
		}
		if _, ok := current[e.PlanCode]; !ok {
			current[e.PlanCode] = e
		}
	}

	w.mu.Lock()
	if !w.seeded {
		w.known = toSet(current)
		w.seeded = true
		w.mu.Unlock()
		w.logger.Info("catalog seeded", "plan_codes", len(current))
		return nil, nil
	}

	var added []string
	for code := range current {
		if _, ok := w.known[code]; !ok {
			added = append(added, code)
		}
	}
	w.known = toSet(current)
	w.mu.Unlock()

	sort.Strings(added)
	for _, code := range added {
		e := current[code]
		w.notifier.Notify(model.Notification{
			Kind:      model.NotifyNewServer,
			Detail:    e.FQN,
			Timestamp: w.now(),
			Target: &model.WatchTarget{
				PlanCode:   e.PlanCode,
				ServerName: e.Server,
				Memory:     e.Memory,
				Storage:    e.Storage,
			},
		})
	}
	if len(added) > 0 {
		w.logger.Info("new plan codes listed", "count", len(added), "plan_codes", added)
	}
	return added, nil
}

// Known returns the number of plan codes seen on the last listing.
func (w *CatalogWatcher) Known() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.known)
}

func toSet(m map[string]api.Availability) map[string]struct{} {
	s := make(map[string]struct{}, len(m))
	for k := range m {
		s[k] = struct{}{}
	}
	return s
}
