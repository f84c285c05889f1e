package main

import (
	"context"
	"fmt"

	"github.com/STTM-NSU/trading-gateway/internal/config"
	"github.com/STTM-NSU/trading-gateway/internal/postgres"
	"github.com/STTM-NSU/trading-gateway/internal/store"
)

func openStore(ctx context.Context, kind config.StorageKind) (store.Store, error) {
	if kind == config.Memory {
		return store.NewMemory(), nil
	}

	db, err := postgres.NewDB(ctx, postgres.NewConfigFromEnv().Setup())
	if err != nil {
		return nil, fmt.Errorf("%w: can't open store", err)
	}
	return store.NewPostgres(db), nil
}
