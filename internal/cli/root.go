// Package cli implements the ovh-sniper command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	envFile    string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "ovh-sniper",
		Short:         "Watch OVH dedicated server availability and order on restock",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "configs/sniper.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional KEY=VALUE file loaded before the config")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newWatchCmd(opts),
		newSealCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the CLI.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
