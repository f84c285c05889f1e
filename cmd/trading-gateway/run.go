package main

import (
	"context"
	"fmt"

	"github.com/STTM-NSU/trading-gateway/internal/api"
	"github.com/STTM-NSU/trading-gateway/internal/approval"
	"github.com/STTM-NSU/trading-gateway/internal/broker/account"
	"github.com/STTM-NSU/trading-gateway/internal/broker/executor"
	"github.com/STTM-NSU/trading-gateway/internal/broker/instrument"
	"github.com/STTM-NSU/trading-gateway/internal/broker/md"
	"github.com/STTM-NSU/trading-gateway/internal/broker/session"
	"github.com/STTM-NSU/trading-gateway/internal/config"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/STTM-NSU/trading-gateway/internal/notify"
	"github.com/STTM-NSU/trading-gateway/internal/oauth"
	"github.com/STTM-NSU/trading-gateway/internal/portfolio"
	"github.com/STTM-NSU/trading-gateway/internal/risk"
	"github.com/STTM-NSU/trading-gateway/internal/server"
	"github.com/STTM-NSU/trading-gateway/internal/supervisor"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the broker and serve the control API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, l, sync, err := setup(opts)
			if err != nil {
				return err
			}
			defer sync()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			return run(ctx, cfg, l)
		},
	}
}

func run(ctx context.Context, cfg config.GatewayConfig, l logger.Logger) error {
	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			l.Errorf("%s: can't close store", err)
		}
	}()

	bus := notify.NewBus()
	publisher := notify.Fanout{bus}
	var approvalNotifier notify.ApprovalNotifier = notify.Nop{}
	if cfg.Notify.WebhookURL != "" {
		webhook := notify.NewWebhook(cfg.Notify, l)
		defer webhook.Close()
		publisher = append(publisher, webhook)
		approvalNotifier = webhook
	}

	tokens := oauth.NewTokens(cfg.Broker, st, l)
	sessions := session.NewManager(cfg.Broker, session.NewDialer(cfg.Broker, l), tokens, l)
	catalog := instrument.NewCatalog(cfg.Instruments, st, l)

	prices := md.NewStream(cfg.MarketData, catalog, publisher, l)

	ledger := portfolio.NewPortfolio(st, l)
	gateway := executor.NewGateway(cfg.Broker, sessions, catalog, ledger, st, l)
	accountStream := account.NewStream(cfg.Account, st, catalog, ledger, prices, prices, gateway, publisher, l)

	sizer := risk.NewSizer(cfg.Risk, catalog, ledger, l)
	guard := risk.NewGuard(cfg.Risk, ledger, st, l)
	approvals := approval.NewManager(cfg.Approval, cfg.Risk, sizer, guard, prices, gateway, approvalNotifier, publisher, l)

	sup := supervisor.New(cfg.Supervisor, sessions, catalog, prices, accountStream, l)

	gin.SetMode(gin.ReleaseMode)
	handler := api.New(sup, prices, catalog, ledger, approvals, tokens, l)
	httpServer := server.NewHTTPServer(ctx, cfg.HTTPPort, handler)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		l.Infof("serving http on :%s", cfg.HTTPPort)
		return httpServer.Run(gctx)
	})
	g.Go(func() error {
		logAlerts(gctx, bus, l)
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: gateway stopped", err)
	}
	l.Infof("gateway stopped")
	return nil
}

// logAlerts mirrors margin and stop-out alerts into the log.
func logAlerts(ctx context.Context, bus *notify.Bus, l logger.Logger) {
	l = logger.Component(l, "alerts")
	warnings, cancelWarnings := bus.Subscribe(notify.MarginWarning, 64)
	defer cancelWarnings()
	alerts, cancelAlerts := bus.Subscribe(notify.Alert, 64)
	defer cancelAlerts()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-warnings:
			l.Warnf("%s %s: %+v", e.Topic, e.Key, e.Payload)
		case e := <-alerts:
			l.Errorf("%s %s: %+v", e.Topic, e.Key, e.Payload)
		}
	}
}
