package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rickgao/ovh-sniper/internal/config"
	"github.com/rickgao/ovh-sniper/internal/cryptoutils"
)

func newSealCmd(opts *rootOptions) *cobra.Command {
	var siteSecret string

	cmd := &cobra.Command{
		Use:   "seal VALUE",
		Short: "Encrypt a secret with the site secret for use in the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := resolveSiteSecret(opts, siteSecret)
			if secret == "" {
				return errors.New("site secret is required: pass --site-secret, set SITE_SECRET or api.site_secret")
			}
			sealed, err := cryptoutils.Seal(args[0], secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), config.SealedPrefix+sealed)
			return nil
		},
	}

	cmd.Flags().StringVar(&siteSecret, "site-secret", "", "site secret (default: api.site_secret or $SITE_SECRET)")
	return cmd
}

// resolveSiteSecret prefers the flag, then the config file, then $SITE_SECRET.
func resolveSiteSecret(opts *rootOptions, flag string) string {
	if flag != "" {
		return flag
	}
	if err := config.LoadEnvFile(opts.envFile); err == nil {
		if cfg, err := config.Load(opts.configPath); err == nil && cfg.API.SiteSecret != "" {
			return cfg.API.SiteSecret
		}
	}
	return os.Getenv("SITE_SECRET")
}
