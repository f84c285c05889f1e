package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/broker/instrument"
	"github.com/STTM-NSU/trading-gateway/internal/broker/openapi"
	"github.com/STTM-NSU/trading-gateway/internal/broker/openapi/openapitest"
	"github.com/STTM-NSU/trading-gateway/internal/broker/session"
	"github.com/STTM-NSU/trading-gateway/internal/config"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/STTM-NSU/trading-gateway/internal/portfolio"
	"github.com/STTM-NSU/trading-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const _accountID = 1001

var _eurusd = model.Instrument{ID: 1, Name: "EURUSD", Digits: 5, ContractSize: 100_000}

type catalog struct{}

func (catalog) Instrument(name string) (model.Instrument, error) {
	if name == _eurusd.Name {
		return _eurusd, nil
	}
	return model.Instrument{}, fmt.Errorf("%w: %s", instrument.NotFoundError, name)
}

type sessions struct{ s *session.Session }

func (s sessions) Current() *session.Session { return s.s }

type fixture struct {
	gw     *Gateway
	srv    *openapitest.Server
	store  *store.Memory
	ledger *portfolio.Portfolio
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	srv := openapitest.NewServer()
	conn, err := srv.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	st := store.NewMemory()
	ledger := portfolio.NewPortfolio(st, logger.NewNop())
	ledger.SetAccount(model.Account{AccountID: _accountID})

	gw := NewGateway(config.BrokerConfig{RequestTimeout: timeout},
		sessions{&session.Session{Conn: conn, AccountID: _accountID}}, catalog{}, ledger, st, logger.NewNop())
	return &fixture{gw: gw, srv: srv, store: st, ledger: ledger}
}

func decodeOrder(t *testing.T, req openapi.Message) openapi.NewOrder {
	var body openapi.NewOrder
	require.NoError(t, req.Decode(&body))
	return body
}

func filled(body openapi.NewOrder, positionID int64) openapi.Execution {
	return openapi.Execution{
		CtidTraderAccountID: _accountID,
		ExecutionType:       openapi.OrderFilled,
		Order: &openapi.Order{OrderID: 501, OrderType: body.OrderType, OrderStatus: openapi.OrderStatusFilled,
			TradeData: openapi.TradeData{SymbolID: body.SymbolID, Volume: body.Volume, TradeSide: body.TradeSide, Label: body.Label}},
		Position: &openapi.Position{PositionID: positionID, PositionStatus: openapi.PositionStatusOpen,
			TradeData: openapi.TradeData{SymbolID: body.SymbolID, Volume: body.Volume, TradeSide: body.TradeSide}},
	}
}

var _buy = model.OrderRequest{Instrument: "EURUSD", Direction: model.Buy, Volume: 0.1}

func TestPlaceMarketFillFirst(t *testing.T) {
	f := newFixture(t, time.Second)
	f.srv.Handle(openapi.NewOrderReq, func(s *openapitest.Server, req openapi.Message) {
		body := decodeOrder(t, req)
		s.Push(openapi.ExecutionEvent, filled(body, 77))
		s.Push(openapi.OrderErrorEvent, openapi.OrderError{ErrorCode: "MARKET_CLOSED", PositionID: 77})
	})

	res := f.gw.PlaceMarket(context.Background(), _buy)

	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, int64(501), res.OrderID)
	assert.Equal(t, int64(77), res.PositionID)
	assert.Empty(t, res.Warning)

	sent := decodeOrder(t, f.srv.Received(openapi.NewOrderReq)[0])
	assert.Equal(t, int64(1_000_000), sent.Volume)
	assert.Equal(t, openapi.OrderTypeMarket, sent.OrderType)
	assert.Equal(t, openapi.TradeSideBuy, sent.TradeSide)
	assert.Contains(t, sent.Label, _labelPrefix)
}

func TestPlaceMarketErrorFirst(t *testing.T) {
	f := newFixture(t, time.Second)
	f.srv.Handle(openapi.NewOrderReq, func(s *openapitest.Server, req openapi.Message) {
		body := decodeOrder(t, req)
		s.Reply(req, openapi.OrderErrorEvent, openapi.OrderError{ErrorCode: "NOT_ENOUGH_MONEY", Description: "insufficient funds"})
		s.Push(openapi.ExecutionEvent, filled(body, 78))
	})

	res := f.gw.PlaceMarket(context.Background(), _buy)

	assert.False(t, res.Success)
	assert.Equal(t, "NOT_ENOUGH_MONEY", res.ErrorCode)
	assert.Equal(t, "insufficient funds", res.ErrorMessage)
}

func TestOrdersArePacedByConnection(t *testing.T) {
	srv := openapitest.NewServer()
	srv.PaceRequests(20)
	srv.Handle(openapi.NewOrderReq, func(s *openapitest.Server, req openapi.Message) {
		s.Push(openapi.ExecutionEvent, filled(decodeOrder(t, req), 90))
	})
	conn, err := srv.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	st := store.NewMemory()
	ledger := portfolio.NewPortfolio(st, logger.NewNop())
	ledger.SetAccount(model.Account{AccountID: _accountID})
	gw := NewGateway(config.BrokerConfig{RequestTimeout: time.Second},
		sessions{&session.Session{Conn: conn, AccountID: _accountID}}, catalog{}, ledger, st, logger.NewNop())

	start := time.Now()
	for i := 0; i < 4; i++ {
		res := gw.PlaceMarket(context.Background(), _buy)
		require.True(t, res.Success, res.ErrorMessage)
	}
	// three 50ms intervals between four sends
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
	assert.Len(t, srv.Received(openapi.NewOrderReq), 4)
}

func TestPlaceTimeout(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)

	start := time.Now()
	res := f.gw.PlaceMarket(context.Background(), _buy)

	assert.False(t, res.Success)
	assert.Equal(t, CodeTimeout, res.ErrorCode)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPlaceMarketProtectionPartialSuccess(t *testing.T) {
	f := newFixture(t, time.Second)
	f.srv.Handle(openapi.NewOrderReq, func(s *openapitest.Server, req openapi.Message) {
		body := decodeOrder(t, req)
		assert.Zero(t, body.StopLoss)
		s.Reply(req, openapi.ExecutionEvent, filled(body, 79))
	})
	f.srv.Handle(openapi.AmendPositionSLTPReq, func(s *openapitest.Server, req openapi.Message) {
		s.Fail(req, "TRADING_BAD_STOPS", "stop loss too close")
	})

	req := _buy
	req.StopLoss = 1.0950
	req.TakeProfit = 1.1100
	res := f.gw.PlaceMarket(context.Background(), req)

	require.True(t, res.Success)
	assert.Equal(t, int64(79), res.PositionID)
	assert.Contains(t, res.Warning, "TRADING_BAD_STOPS")
}

func TestPlaceMarketWithProtection(t *testing.T) {
	f := newFixture(t, time.Second)
	f.srv.Handle(openapi.NewOrderReq, func(s *openapitest.Server, req openapi.Message) {
		s.Reply(req, openapi.ExecutionEvent, filled(decodeOrder(t, req), 80))
	})
	f.srv.Handle(openapi.AmendPositionSLTPReq, func(s *openapitest.Server, req openapi.Message) {
		var body openapi.AmendPositionSLTP
		_ = req.Decode(&body)
		s.Push(openapi.ExecutionEvent, openapi.Execution{
			ExecutionType: openapi.OrderReplaced,
			Position:      &openapi.Position{PositionID: body.PositionID, StopLoss: body.StopLoss, TakeProfit: body.TakeProfit},
		})
	})

	req := _buy
	req.StopLoss = 1.095004
	res := f.gw.PlaceMarket(context.Background(), req)

	require.True(t, res.Success)
	assert.Empty(t, res.Warning)

	var amend openapi.AmendPositionSLTP
	require.NoError(t, f.srv.Received(openapi.AmendPositionSLTPReq)[0].Decode(&amend))
	assert.Equal(t, int64(80), amend.PositionID)
	assert.Equal(t, 1.095, amend.StopLoss)
}

func TestPlaceLimit(t *testing.T) {
	f := newFixture(t, time.Second)
	f.srv.Handle(openapi.NewOrderReq, func(s *openapitest.Server, req openapi.Message) {
		body := decodeOrder(t, req)
		s.Push(openapi.ExecutionEvent, openapi.Execution{
			ExecutionType: openapi.OrderAccepted,
			Order: &openapi.Order{OrderID: 601, OrderType: body.OrderType, OrderStatus: openapi.OrderStatusAccepted,
				LimitPrice: body.LimitPrice, TradeData: openapi.TradeData{SymbolID: body.SymbolID, Label: body.Label}},
		})
	})

	req := model.OrderRequest{Instrument: "EURUSD", Direction: model.Sell, Volume: 0.5, Price: 1.1234, StopLoss: 1.13}
	res := f.gw.PlaceLimit(context.Background(), req)

	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, int64(601), res.OrderID)

	sent := decodeOrder(t, f.srv.Received(openapi.NewOrderReq)[0])
	assert.Equal(t, 1.1234, sent.LimitPrice)
	assert.Equal(t, 1.13, sent.StopLoss)
	assert.Equal(t, openapi.TradeSideSell, sent.TradeSide)
}

func TestPlaceValidation(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	res := f.gw.PlaceLimit(ctx, _buy)
	assert.Equal(t, CodeInvalidRequest, res.ErrorCode)

	res = f.gw.PlaceMarket(ctx, model.OrderRequest{Instrument: "EURUSD", Direction: "up", Volume: 1})
	assert.Equal(t, CodeInvalidRequest, res.ErrorCode)

	res = f.gw.PlaceMarket(ctx, model.OrderRequest{Instrument: "NOPE", Direction: model.Buy, Volume: 1})
	assert.Equal(t, CodeSymbolNotFound, res.ErrorCode)

	assert.Empty(t, f.srv.Received(openapi.NewOrderReq))
}

func TestNotConnected(t *testing.T) {
	gw := NewGateway(config.BrokerConfig{}, sessions{}, catalog{}, portfolio.NewPortfolio(store.NewMemory(), logger.NewNop()),
		store.NewMemory(), logger.NewNop())

	res := gw.PlaceMarket(context.Background(), _buy)
	assert.Equal(t, CodeNotConnected, res.ErrorCode)
	assert.Equal(t, CodeNotConnected, gw.Cancel(context.Background(), 1).ErrorCode)
}

func TestCloseUsesPositionVolume(t *testing.T) {
	f := newFixture(t, time.Second)
	f.ledger.UpsertPosition(model.Position{BrokerPositionID: 90, Instrument: "EURUSD", Direction: model.Buy,
		Volume: 0.3, EntryPrice: 1.1, Status: model.PositionOpen})
	f.srv.Handle(openapi.ClosePositionReq, func(s *openapitest.Server, req openapi.Message) {
		s.Push(openapi.ExecutionEvent, openapi.Execution{
			ExecutionType: openapi.OrderFilled,
			Order:         &openapi.Order{OrderID: 901, ClosingOrder: true},
			Position:      &openapi.Position{PositionID: 90, PositionStatus: openapi.PositionStatusClosed},
		})
	})

	res := f.gw.Close(context.Background(), 90)

	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, int64(901), res.OrderID)

	var body openapi.ClosePosition
	require.NoError(t, f.srv.Received(openapi.ClosePositionReq)[0].Decode(&body))
	assert.Equal(t, int64(3_000_000), body.Volume)

	assert.Equal(t, CodePositionNotFound, f.gw.Close(context.Background(), 91).ErrorCode)
}

func TestModifyPersistsProtection(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	pos := model.Position{BrokerPositionID: 95, AccountID: _accountID, Instrument: "EURUSD", Direction: model.Buy,
		Volume: 1, EntryPrice: 1.1, Status: model.PositionOpen}
	f.ledger.UpsertPosition(pos)
	require.NoError(t, f.store.SavePosition(ctx, pos))

	f.srv.Handle(openapi.AmendPositionSLTPReq, func(s *openapitest.Server, req openapi.Message) {
		s.Reply(req, openapi.ExecutionEvent, openapi.Execution{
			ExecutionType: openapi.OrderReplaced,
			Position:      &openapi.Position{PositionID: 95},
		})
	})

	res := f.gw.Modify(ctx, 95, 1.09, 1.12)
	require.True(t, res.Success, res.ErrorMessage)

	stored, err := f.store.GetPosition(ctx, 95)
	require.NoError(t, err)
	assert.Equal(t, 1.09, stored.StopLoss)
	assert.Equal(t, 1.12, stored.TakeProfit)

	local, _ := f.ledger.Position(95)
	assert.Equal(t, 1.09, local.StopLoss)
}

func TestCancelRejectedByOrderID(t *testing.T) {
	f := newFixture(t, time.Second)
	f.srv.Handle(openapi.CancelOrderReq, func(s *openapitest.Server, req openapi.Message) {
		s.Push(openapi.OrderErrorEvent, openapi.OrderError{ErrorCode: "OA_ORDER_NOT_FOUND", OrderID: 333})
	})

	res := f.gw.Cancel(context.Background(), 333)
	assert.False(t, res.Success)
	assert.Equal(t, "OA_ORDER_NOT_FOUND", res.ErrorCode)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	o := model.Order{BrokerOrderID: 334, AccountID: _accountID, Instrument: "EURUSD", Type: model.Limit, Status: model.OrderPending}
	require.NoError(t, f.store.SaveOrder(ctx, o))
	f.ledger.UpsertOrder(o)

	f.srv.Handle(openapi.CancelOrderReq, func(s *openapitest.Server, req openapi.Message) {
		s.Reply(req, openapi.ExecutionEvent, openapi.Execution{
			ExecutionType: openapi.OrderCancelled,
			Order:         &openapi.Order{OrderID: 334, OrderStatus: openapi.OrderStatusCancelled},
		})
	})

	res := f.gw.Cancel(ctx, 334)
	require.True(t, res.Success, res.ErrorMessage)

	stored, err := f.store.GetOrder(ctx, 334)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, stored.Status)
	assert.Empty(t, f.ledger.Orders())
}
