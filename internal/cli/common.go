package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/ovh-sniper/internal/config"
	"github.com/rickgao/ovh-sniper/internal/database"
	"github.com/rickgao/ovh-sniper/internal/model"
	"github.com/rickgao/ovh-sniper/internal/registry"
)

// loadConfig loads the env file and the validated config.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	if err := config.LoadEnvFile(opts.envFile); err != nil {
		return nil, err
	}
	return config.LoadAndValidate(opts.configPath)
}

// newLogger builds the process logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// openStore returns the configured registry. The returned close func is never nil.
func openStore(ctx context.Context, cfg *config.Config, migrate bool, logger *slog.Logger) (registry.Store, *pgxpool.Pool, func(), error) {
	db := cfg.Database.Postgres
	if !db.Enabled() {
		logger.Info("using in-memory watch registry")
		return registry.NewMemoryStore(), nil, func() {}, nil
	}

	logger.Info("connecting to database",
		"host", db.Host,
		"port", db.Port,
		"database", db.Name,
	)
	pool, err := database.Connect(ctx, db)
	if err != nil {
		return nil, nil, func() {}, err
	}
	if migrate {
		applied, err := database.Migrate(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, func() {}, fmt.Errorf("migrate: %w", err)
		}
		if applied > 0 {
			logger.Info("database migrated", "applied", applied)
		}
	}
	return registry.NewPGStore(pool), pool, pool.Close, nil
}

// requireDatabase opens the PostgreSQL registry for commands that must share
// state with a running daemon.
func requireDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (registry.Store, func(), error) {
	if !cfg.Database.Postgres.Enabled() {
		return nil, nil, fmt.Errorf("database.postgres.host or url is not set; watch commands need the shared registry")
	}
	store, _, closeFn, err := openStore(ctx, cfg, true, logger)
	if err != nil {
		return nil, nil, err
	}
	return store, closeFn, nil
}

// targetsFromConfig converts a configured watch into one registry target
// per datacenter it covers.
func targetsFromConfig(w config.WatchConfig) []model.WatchTarget {
	base := model.WatchTarget{
		PlanCode:          w.PlanCode,
		Memory:            w.Memory,
		Storage:           w.Storage,
		ServerName:        w.ServerName,
		DesiredQuantity:   w.Quantity,
		Active:            true,
		AutoOrder:         true,
		NotifyAvailable:   true,
		NotifyUnavailable: w.NotifyUnavailable,
	}
	if w.AutoOrder != nil {
		base.AutoOrder = *w.AutoOrder
	}
	if w.NotifyAvailable != nil {
		base.NotifyAvailable = *w.NotifyAvailable
	}

	zones := w.Zones()
	targets := make([]model.WatchTarget, 0, len(zones))
	for _, dc := range zones {
		t := base
		t.Datacenter = dc
		targets = append(targets, t)
	}
	return targets
}

// upsertWatch stores every target a configured watch expands to.
func upsertWatch(ctx context.Context, store registry.Store, w config.WatchConfig) ([]model.WatchTarget, error) {
	var saved []model.WatchTarget
	for _, t := range targetsFromConfig(w) {
		got, err := store.Upsert(ctx, t)
		if err != nil {
			return saved, fmt.Errorf("%s: %w", t.DisplayName(), err)
		}
		saved = append(saved, got)
	}
	return saved, nil
}

// seedWatches upserts the configured watches.
func seedWatches(ctx context.Context, store registry.Store, watches []config.WatchConfig, logger *slog.Logger) error {
	for i, w := range watches {
		saved, err := upsertWatch(ctx, store, w)
		if err != nil {
			return fmt.Errorf("watches[%d]: %w", i, err)
		}
		for _, t := range saved {
			logger.Info("watch target configured",
				"watch_id", t.ID,
				"target", t.DisplayName(),
				"quantity", t.DesiredQuantity,
				"auto_order", t.AutoOrder,
			)
		}
	}
	return nil
}

// clearTargets removes every target and reports how many were removed.
func clearTargets(ctx context.Context, store registry.Store) (int, error) {
	targets, err := store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range targets {
		err := store.Delete(ctx, t.ID)
		if errors.Is(err, registry.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("remove %s: %w", t.ID, err)
		}
		n++
	}
	return n, nil
}
