package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/ovh-sniper/internal/api"
	"github.com/rickgao/ovh-sniper/internal/auth"
	"github.com/rickgao/ovh-sniper/internal/config"
	"github.com/rickgao/ovh-sniper/internal/metrics"
	"github.com/rickgao/ovh-sniper/internal/notify"
	"github.com/rickgao/ovh-sniper/internal/orchestrator"
	"github.com/rickgao/ovh-sniper/internal/poller"
	"github.com/rickgao/ovh-sniper/internal/ratelimit"
	"github.com/rickgao/ovh-sniper/internal/registry"
)

// app holds the wired components of a running sniper.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	creds      *auth.Store
	gate       *ratelimit.Gate
	backoff    *ratelimit.Backoff
	clients    []*api.Client
	store      registry.Store
	pool       *pgxpool.Pool
	dispatcher *notify.Dispatcher
	poller     *poller.Poller
	orch       *orchestrator.Orchestrator
	catalog    *poller.CatalogWatcher
}

// newApp wires every component from cfg. Nothing is started.
func newApp(cfg *config.Config, store registry.Store, pool *pgxpool.Pool, logger *slog.Logger) (*app, error) {
	cred, err := auth.LoadCredentials(cfg.API.AppKey, cfg.API.AppSecret, cfg.API.ConsumerKey, cfg.API.SiteSecret)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		creds:   auth.NewStore(cred),
		gate:    newGate(cfg.RateLimits),
		backoff: ratelimit.NewBackoff(cfg.Backoff.Base, cfg.Backoff.Ceiling),
		store:   store,
		pool:    pool,
	}

	a.dispatcher = notify.NewDispatcher(notify.DispatcherConfig{
		MaxPending: cfg.Notify.MaxPending,
		Timeout:    cfg.Notify.Timeout,
	}, newSink(cfg.Notify, logger), a.metrics, logger.With("component", "notify"))

	// One breaker per endpoint class, shared by both clients.
	breakers := newBreakers(cfg.API.Breaker, logger)
	clientOpts := func(retry api.ClientOption) []api.ClientOption {
		opts := []api.ClientOption{
			api.WithTimeout(cfg.API.Timeout),
			api.WithLogger(logger.With("component", "api")),
			api.WithGate(a.gate),
			api.WithOrderOptions(api.OrderOptions{
				Subsidiary:  cfg.API.Subsidiary,
				Product:     cfg.Orchestrator.Product,
				Duration:    cfg.Orchestrator.Duration,
				PricingMode: cfg.Orchestrator.PricingMode,
				AutoPay:     cfg.Orchestrator.AutoPay,
				OS:          api.DefaultOrderOptions().OS,
			}),
			retry,
		}
		for class, cb := range breakers {
			opts = append(opts, api.WithBreaker(class, cb))
		}
		return opts
	}

	// Client retries are the poller's per-cycle attempts.
	pollClient := api.NewClient(cfg.API.Endpoint, a.creds,
		clientOpts(api.WithRetries(max(cfg.Poller.MaxAttempts-1, 0), cfg.Poller.RetryBackoff))...)
	// The orchestrator retries submissions itself, with the same token.
	orderClient := api.NewClient(cfg.API.Endpoint, a.creds,
		clientOpts(api.WithRetries(0, cfg.API.RetryBackoff))...)

	a.clients = []*api.Client{pollClient, orderClient}

	a.orch = orchestrator.New(orchestrator.Config{
		OrderTimeout:     cfg.Orchestrator.OrderTimeout,
		SubmitRetries:    cfg.Orchestrator.SubmitRetries,
		RetryDelay:       cfg.Orchestrator.RetryDelay,
		FailureThreshold: cfg.Orchestrator.FailureThreshold,
		FailureCooldown:  cfg.Orchestrator.FailureCooldown,
		BackoffBase:      cfg.Backoff.Base,
		BackoffCeiling:   cfg.Backoff.Ceiling,
	}, orderClient, a.gate, store, a.creds, a.dispatcher, a.backoff, a.metrics, logger.With("component", "orchestrator"))

	a.poller = poller.New(poller.Config{
		Interval:          cfg.Poller.Interval,
		Jitter:            cfg.Poller.Jitter,
		Timeout:           cfg.Poller.Timeout,
		ReconcileInterval: cfg.Poller.ReconcileInterval,
		BackoffBase:       cfg.Backoff.Base,
		BackoffCeiling:    cfg.Backoff.Ceiling,
	}, pollClient, store, a.creds, a.orch, a.dispatcher, a.backoff, a.metrics, logger.With("component", "poller"))

	if cfg.Catalog.Enabled {
		a.catalog = poller.NewCatalogWatcher(poller.CatalogConfig{
			Interval: cfg.Catalog.Interval,
			Timeout:  cfg.Poller.Timeout,
		}, pollClient, a.dispatcher, logger.With("component", "catalog"))
	}

	return a, nil
}

// syncTime fetches the provider clock offset for every client.
func (a *app) syncTime(ctx context.Context) (int64, error) {
	var offset int64
	for _, c := range a.clients {
		if err := c.SyncTime(ctx); err != nil {
			return 0, err
		}
		offset, _ = c.TimeOffset()
	}
	return offset, nil
}

// start launches components in dependency order.
func (a *app) start(ctx context.Context) error {
	a.dispatcher.Start(ctx)
	if err := a.orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	if err := a.poller.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	if a.catalog != nil {
		if err := a.catalog.Start(ctx); err != nil {
			return fmt.Errorf("start catalog watcher: %w", err)
		}
	}
	return nil
}

// stop shuts components down in reverse order.
func (a *app) stop(ctx context.Context) {
	if a.catalog != nil {
		if err := a.catalog.Stop(ctx); err != nil {
			a.logger.Warn("catalog watcher stop", "err", err)
		}
	}
	if err := a.poller.Stop(ctx); err != nil {
		a.logger.Warn("poller stop", "err", err)
	}
	if err := a.orch.Stop(ctx); err != nil {
		a.logger.Warn("orchestrator stop", "err", err)
	}
	if err := a.dispatcher.Stop(ctx); err != nil {
		a.logger.Warn("notification dispatcher stop", "err", err)
	}
}

// reloadCredential installs a new credential if it differs from the current one.
func (a *app) reloadCredential(cfg *config.Config) error {
	cred, err := auth.LoadCredentials(cfg.API.AppKey, cfg.API.AppSecret, cfg.API.ConsumerKey, cfg.API.SiteSecret)
	if err != nil {
		return err
	}
	if cred == a.creds.Get().Credential && a.creds.IsValid() {
		a.logger.Info("credential unchanged")
		return nil
	}
	version := a.creds.Update(cred)
	resumed := a.orch.Resume()
	a.logger.Info("credential reloaded", "version", version, "credential", cred, "resumed_targets", resumed)
	return nil
}

func newGate(limits map[string]config.RateLimitConfig) *ratelimit.Gate {
	m := make(map[string]ratelimit.Limit, len(limits))
	for class, l := range limits {
		m[class] = ratelimit.Limit{RPS: l.RPS, Burst: l.Burst}
	}
	return ratelimit.NewGate(m)
}

func newBreakers(cfg config.BreakerConfig, logger *slog.Logger) map[string]api.CircuitBreaker {
	if !cfg.Enabled {
		return nil
	}
	bc := api.BreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		MinRequests:      cfg.MinRequests,
		Interval:         cfg.Interval,
		RecoveryTime:     cfg.RecoveryTime,
		HalfOpenRequests: cfg.HalfOpenRequests,
	}
	classes := []string{api.ClassAvailability, api.ClassOrder, api.ClassCatalog, api.ClassTime}
	breakers := make(map[string]api.CircuitBreaker, len(classes))
	for _, class := range classes {
		breakers[class] = api.NewBreaker("ovh-"+class, bc, logger)
	}
	return breakers
}

// newSink builds the notification fan-out. The log sink is always present.
func newSink(cfg config.NotifyConfig, logger *slog.Logger) notify.Sink {
	sinks := notify.Multi{notify.NewLogSink(logger.With("component", "notify"))}

	if cfg.Telegram.Enabled() {
		sinks = append(sinks, notify.NewTelegramSink(notify.TelegramConfig{
			BotToken: cfg.Telegram.BotToken,
			ChatID:   cfg.Telegram.ChatID,
			APIURL:   cfg.Telegram.APIURL,
		}, nil))
	}
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		sinks = append(sinks, notify.NewWebhookSink(notify.WebhookConfig{
			URL:    hook.URL,
			Secret: hook.Secret,
			Events: hook.Events,
		}, nil))
	}
	return sinks
}

// credentialStatus is the redacted view served on /status.
type credentialStatus struct {
	Version    uint64 `json:"version"`
	Valid      bool   `json:"valid"`
	Credential string `json:"credential"`
}

func (a *app) credentialStatus() credentialStatus {
	snap := a.creds.Get()
	return credentialStatus{
		Version:    snap.Version,
		Valid:      a.creds.IsValid(),
		Credential: snap.Credential.String(),
	}
}
