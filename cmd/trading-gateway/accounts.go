package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/STTM-NSU/trading-gateway/internal/broker/session"
	"github.com/STTM-NSU/trading-gateway/internal/oauth"
	"github.com/spf13/cobra"
)

func newAccountsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List trading accounts reachable with the stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, l, sync, err := setup(opts)
			if err != nil {
				return err
			}
			defer sync()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			st, err := openStore(ctx, cfg.Storage)
			if err != nil {
				return err
			}
			defer st.Close()

			tokens := oauth.NewTokens(cfg.Broker, st, l)
			sessions := session.NewManager(cfg.Broker, session.NewDialer(cfg.Broker, l), tokens, l)

			accounts, err := sessions.Accounts(ctx)
			if err != nil {
				return fmt.Errorf("%w: can't list accounts", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ACCOUNT\tLOGIN\tLIVE\tBROKER")
			for _, a := range accounts {
				fmt.Fprintf(w, "%d\t%d\t%t\t%s\n", a.CtidTraderAccountID, a.TraderLogin, a.IsLive, a.BrokerTitleShort)
			}
			return w.Flush()
		},
	}
}
