package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/ovh-sniper/internal/version"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the availability poller and order orchestrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(parent context.Context, opts *rootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	logger.Info("starting ovh-sniper",
		"version", version.Version,
		"commit", version.Commit,
		"config", opts.configPath,
		"instance_id", cfg.Instance.ID,
		"endpoint", cfg.API.Endpoint,
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, pool, closeStore, err := openStore(ctx, cfg, true, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := seedWatches(ctx, store, cfg.Watches, logger); err != nil {
		return err
	}

	a, err := newApp(cfg, store, pool, logger)
	if err != nil {
		return err
	}

	// Provider clock first, so the first signed calls are not rejected for skew.
	if offset, err := a.syncTime(ctx); err != nil {
		logger.Warn("failed to sync provider time, using local clock", "err", err)
	} else {
		logger.Info("provider time synced", "offset_seconds", offset)
	}

	if err := a.start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.stop(stopCtx)
		return err
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newStatusRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting status server", "port", cfg.Metrics.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.watchReload(gctx, opts)
	})

	g.Go(func() error {
		return a.syncWorkers(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown", "err", err)
		}
		a.stop(shutdownCtx)
		return nil
	})

	logger.Info("ovh-sniper running",
		"status_url", fmt.Sprintf("http://localhost:%d/status", cfg.Metrics.Port),
	)

	err = g.Wait()
	logger.Info("ovh-sniper stopped")
	return err
}

// watchReload re-reads the credential from config on SIGHUP.
func (a *app) watchReload(ctx context.Context, opts *rootOptions) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			a.logger.Info("received SIGHUP, reloading credential")
			cfg, err := loadConfig(opts)
			if err != nil {
				a.logger.Error("failed to reload config", "err", err)
				continue
			}
			if err := a.reloadCredential(cfg); err != nil {
				a.logger.Error("failed to reload credential", "err", err)
			}
		}
	}
}

// syncWorkers drops order workers for targets removed from the registry,
// which other processes may do through the watch commands.
func (a *app) syncWorkers(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Poller.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.orch.Sync(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("failed to sync order workers", "err", err)
			}
		}
	}
}
