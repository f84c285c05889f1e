package main

import (
	"fmt"

	"github.com/STTM-NSU/trading-gateway/internal/oauth"
	"github.com/spf13/cobra"
)

func newAuthURLCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "auth-url",
		Short: "Print the URL where access to trading accounts is granted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, sync, err := setup(opts)
			if err != nil {
				return err
			}
			defer sync()

			if cfg.Broker.RedirectURL == "" {
				return fmt.Errorf("broker.redirect_url is not configured")
			}
			fmt.Fprintln(cmd.OutOrStdout(), oauth.AuthURL(cfg.Broker))
			return nil
		},
	}
}
