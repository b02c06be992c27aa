package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rickgao/ovh-sniper/internal/database"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if !cfg.Database.Postgres.Enabled() {
				return fmt.Errorf("database.postgres.host or url is not set")
			}
			logger := newLogger(cfg.Log.Level)

			pool, err := database.Connect(cmd.Context(), cfg.Database.Postgres)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := database.Migrate(cmd.Context(), pool, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
			return nil
		},
	}
}
