package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/rickgao/ovh-sniper/internal/config"
	"github.com/rickgao/ovh-sniper/internal/model"
	"github.com/rickgao/ovh-sniper/internal/registry"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Manage watch targets in the shared registry",
	}
	cmd.AddCommand(
		newWatchAddCmd(opts),
		newWatchListCmd(opts),
		newWatchRemoveCmd(opts),
		newWatchClearCmd(opts),
		newWatchAttemptsCmd(opts),
		newWatchHistoryCmd(opts),
	)
	return cmd
}

// withStore runs fn against the PostgreSQL registry.
func withStore(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, store registry.Store) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	// Keep command output clean; only warnings reach the terminal.
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, closeFn, err := requireDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, store)
}

func newWatchAddCmd(opts *rootOptions) *cobra.Command {
	var (
		w                 config.WatchConfig
		notifyOnly        bool
		noNotifyAvailable bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update a watch target in each given datacenter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			autoOrder := !notifyOnly
			notifyAvailable := !noNotifyAvailable
			w.AutoOrder = &autoOrder
			w.NotifyAvailable = &notifyAvailable
			return withStore(cmd, opts, func(ctx context.Context, store registry.Store) error {
				saved, err := upsertWatch(ctx, store, w)
				for _, t := range saved {
					fmt.Fprintf(cmd.OutOrStdout(), "watching %s as %s\n", t.DisplayName(), t.ID)
				}
				return err
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&w.PlanCode, "plan", "", "OVH plan code, e.g. 24ska01")
	f.StringSliceVar(&w.Datacenters, "dc", nil, "datacenters, e.g. gra,rbx; all known datacenters when omitted")
	f.StringVar(&w.Memory, "memory", "", "memory option plan code")
	f.StringVar(&w.Storage, "storage", "", "storage option plan code")
	f.StringVar(&w.ServerName, "name", "", "friendly name for notifications")
	f.IntVar(&w.Quantity, "quantity", 1, "servers to order per datacenter")
	f.BoolVar(&notifyOnly, "notify-only", false, "notify on availability without ordering")
	f.BoolVar(&w.NotifyUnavailable, "notify-unavailable", false, "also notify when the server sells out")
	f.BoolVar(&noNotifyAvailable, "no-notify-available", false, "do not notify when the server becomes available")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func newWatchListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List watch targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, store registry.Store) error {
				targets, err := store.List(ctx)
				if err != nil {
					return err
				}
				renderTargets(cmd.OutOrStdout(), targets)
				return nil
			})
		},
	}
}

func newWatchRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove ID",
		Short: "Remove a watch target; a running daemon discards any order in flight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, store registry.Store) error {
				if err := store.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			})
		},
	}
}

func newWatchClearCmd(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every watch target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to remove every watch target without --yes")
			}
			return withStore(cmd, opts, func(ctx context.Context, store registry.Store) error {
				n, err := clearTargets(ctx, store)
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d targets\n", n)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm removing every target")
	return cmd
}

func newWatchAttemptsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "attempts ID",
		Short: "Show the order attempt log of a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, store registry.Store) error {
				attempts, err := store.ListAttempts(ctx, args[0])
				if err != nil {
					return err
				}
				renderAttempts(cmd.OutOrStdout(), attempts)
				return nil
			})
		},
	}
}

func newWatchHistoryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history ID",
		Short: "Show the availability history of a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, store registry.Store) error {
				history, err := store.History(ctx, args[0])
				if err != nil {
					return err
				}
				renderHistory(cmd.OutOrStdout(), history)
				return nil
			})
		},
	}
}

func renderTargets(w io.Writer, targets []model.WatchTarget) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Target", "Options", "State", "Active", "Mode", "Ordered", "Cooldown"})
	for _, t := range targets {
		mode := "order"
		if !t.AutoOrder {
			mode = "notify"
		}
		tw.AppendRow(table.Row{
			t.ID,
			t.DisplayName(),
			t.OptionsDisplay(),
			string(t.LastKnownState),
			t.Active,
			mode,
			fmt.Sprintf("%d/%d", t.Ordered, t.DesiredQuantity),
			formatTime(t.CooldownUntil),
		})
	}
	tw.Render()
}

func renderAttempts(w io.Writer, attempts []model.OrderAttempt) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"#", "Submitted", "Completed", "Outcome", "Order", "Reason", "Discarded"})
	for _, a := range attempts {
		tw.AppendRow(table.Row{
			a.AttemptID,
			a.SubmittedAt.UTC().Format(time.RFC3339),
			formatTime(a.CompletedAt),
			string(a.Outcome),
			a.ProviderOrderRef,
			a.Reason,
			a.Discarded,
		})
	}
	tw.Render()
}

func renderHistory(w io.Writer, history []model.HistoryEntry) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"At", "From", "To", "Raw"})
	for _, h := range history {
		tw.AppendRow(table.Row{
			h.At.UTC().Format(time.RFC3339),
			string(h.OldState),
			string(h.NewState),
			h.Raw,
		})
	}
	tw.Render()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
