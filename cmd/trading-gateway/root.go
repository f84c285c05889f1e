package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/STTM-NSU/trading-gateway/internal/config"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const _cfgFilePathDefault = "./configs/gateway.yaml"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "trading-gateway",
		Short:        "Broker connectivity engine for a supervised FX trading assistant",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", _cfgFilePathDefault, "path to the YAML config file")

	cmd.AddCommand(
		newRunCmd(opts),
		newAccountsCmd(opts),
		newAuthURLCmd(opts),
	)
	return cmd
}

// setup loads .env and the config file and builds the logger. The returned
// func flushes the logger.
func setup(opts *rootOptions) (config.GatewayConfig, logger.Logger, func(), error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("can't detect .env file")
	}

	cfg, err := config.LoadGatewayConfig(opts.configPath)
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("%w: can't load gateway cfg", err)
	}

	zapLogger, loggerSync, err := logger.NewZapLogger(logger.ParseLevel(cfg.LogLevel))
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("%w: can't init logger", err)
	}
	return cfg, zapLogger, loggerSync, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
