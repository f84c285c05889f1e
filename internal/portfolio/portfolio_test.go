package portfolio

import (
	"context"
	"testing"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/STTM-NSU/trading-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedContract(string) float64 { return 100_000 }

func TestRecompute(t *testing.T) {
	t.Parallel()
	p := NewPortfolio(store.NewMemory(), logger.NewNop())
	p.SetAccount(model.Account{AccountID: 1, Balance: 10_000, Leverage: 100})

	p.UpsertPosition(model.Position{BrokerPositionID: 1, Instrument: "EURUSD", Volume: 0.1, EntryPrice: 1.1, UnrealizedPnL: -50, Status: model.PositionOpen})
	p.UpsertPosition(model.Position{BrokerPositionID: 2, Instrument: "EURUSD", Volume: 0.2, EntryPrice: 1.2, UnrealizedPnL: 20, Status: model.PositionOpen})

	a := p.Recompute(fixedContract)
	assert.InDelta(t, -30, a.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 9_970, a.Equity, 1e-9)
	assert.InDelta(t, 110+240, a.Margin, 1e-9)
	assert.InDelta(t, 9_970-350, a.FreeMargin, 1e-9)
	assert.InDelta(t, 9_970.0/350*100, a.MarginLevel, 1e-9)
	assert.InDelta(t, 0.3, p.OpenVolume(), 1e-12)

	p.UpsertPosition(model.Position{BrokerPositionID: 1, Status: model.PositionClosed})
	p.UpsertPosition(model.Position{BrokerPositionID: 2, Status: model.PositionClosed})
	a = p.Recompute(fixedContract)
	assert.Zero(t, a.Margin)
	assert.Zero(t, a.MarginLevel)
	assert.InDelta(t, 10_000, a.Equity, 1e-9)
}

func TestOrdersKeepOnlyPending(t *testing.T) {
	t.Parallel()
	p := NewPortfolio(store.NewMemory(), logger.NewNop())

	p.UpsertOrder(model.Order{BrokerOrderID: 2, Status: model.OrderPending})
	p.UpsertOrder(model.Order{BrokerOrderID: 1, Status: model.OrderPending})
	require.Len(t, p.Orders(), 2)
	assert.Equal(t, int64(1), p.Orders()[0].BrokerOrderID)

	p.UpsertOrder(model.Order{BrokerOrderID: 1, Status: model.OrderFilled})
	assert.Len(t, p.Orders(), 1)
}

func TestLoadAndFlush(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Now()
	require.NoError(t, mem.SavePosition(ctx, model.Position{BrokerPositionID: 1, AccountID: 7, Instrument: "EURUSD", Status: model.PositionOpen, OpenTime: now}))
	require.NoError(t, mem.SavePosition(ctx, model.Position{BrokerPositionID: 2, AccountID: 7, Instrument: "GBPUSD", Status: model.PositionClosed}))
	require.NoError(t, mem.SaveOrder(ctx, model.Order{BrokerOrderID: 3, AccountID: 7, Status: model.OrderPending}))

	p := NewPortfolio(mem, logger.NewNop())
	exists, err := p.LoadFromDB(ctx, 7)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Len(t, p.Positions(), 1)
	assert.Len(t, p.PositionsFor("eurusd"), 1)
	assert.Len(t, p.Orders(), 1)

	p.UpdateBalance(500)
	require.NoError(t, p.FlushToDB(ctx))

	exists, err = p.LoadFromDB(ctx, 7)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 500.0, p.Account().Balance)
}
