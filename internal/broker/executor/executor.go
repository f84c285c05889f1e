package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/broker/openapi"
	"github.com/STTM-NSU/trading-gateway/internal/broker/session"
	"github.com/STTM-NSU/trading-gateway/internal/config"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/STTM-NSU/trading-gateway/internal/store"
	"github.com/STTM-NSU/trading-gateway/internal/tools"
	"github.com/google/uuid"
)

const (
	_labelPrefix = "trading-gateway-"
)

// Result codes produced locally, next to the broker's own error codes.
const (
	CodeNotConnected     = "NOT_CONNECTED"
	CodeTimeout          = "REQUEST_TIMEOUT"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeSymbolNotFound   = "SYMBOL_NOT_FOUND"
	CodePositionNotFound = "POSITION_NOT_FOUND"
	CodeInternal         = "INTERNAL_ERROR"
)

type Sessions interface {
	Current() *session.Session
}

type Catalog interface {
	Instrument(name string) (model.Instrument, error)
}

// Ledger is the in-memory view of open positions and pending orders.
type Ledger interface {
	Position(id int64) (model.Position, bool)
	UpdatePosition(id int64, fn func(pos *model.Position)) (model.Position, bool)
	UpsertOrder(o model.Order)
}

type Store interface {
	GetPosition(ctx context.Context, id int64) (model.Position, error)
	InTx(ctx context.Context, fn func(tx store.Tx) error) error
}

// Gateway places, amends, closes and cancels orders. Every operation returns
// a definite model.OrderResult; failures are never returned as errors.
type Gateway struct {
	sessions Sessions
	catalog  Catalog
	ledger   Ledger
	store    Store
	logger   logger.Logger

	timeout time.Duration
}

func NewGateway(cfg config.BrokerConfig, sessions Sessions, catalog Catalog, ledger Ledger, st Store, l logger.Logger) *Gateway {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		sessions: sessions,
		catalog:  catalog,
		ledger:   ledger,
		store:    st,
		logger:   logger.Component(l, "executor"),
		timeout:  timeout,
	}
}

func (g *Gateway) PlaceMarket(ctx context.Context, req model.OrderRequest) model.OrderResult {
	return g.place(ctx, model.Market, req)
}

func (g *Gateway) PlaceLimit(ctx context.Context, req model.OrderRequest) model.OrderResult {
	return g.place(ctx, model.Limit, req)
}

func (g *Gateway) PlaceStop(ctx context.Context, req model.OrderRequest) model.OrderResult {
	return g.place(ctx, model.Stop, req)
}

func (g *Gateway) session() (*session.Session, bool) {
	s := g.sessions.Current()
	return s, s.Alive()
}

func (g *Gateway) place(ctx context.Context, typ model.OrderType, req model.OrderRequest) model.OrderResult {
	if !req.Direction.Valid() {
		return model.Failed(CodeInvalidRequest, fmt.Sprintf("unknown direction %q", req.Direction))
	}
	if req.Volume <= 0 {
		return model.Failed(CodeInvalidRequest, "volume must be positive")
	}
	if typ != model.Market && req.Price <= 0 {
		return model.Failed(CodeInvalidRequest, fmt.Sprintf("%s order needs a price", typ))
	}

	instr, err := g.catalog.Instrument(req.Instrument)
	if err != nil {
		return model.Failed(CodeSymbolNotFound, err.Error())
	}

	sess, ok := g.session()
	if !ok {
		return model.Failed(CodeNotConnected, "no live broker session")
	}

	label := req.Label
	if label == "" {
		label = _labelPrefix + uuid.NewString()
	}

	order := openapi.NewOrder{
		CtidTraderAccountID: sess.AccountID,
		SymbolID:            instr.ID,
		OrderType:           toOpenAPIOrderType(typ),
		TradeSide:           toTradeSide(req.Direction),
		Volume:              tools.LotsToVolume(req.Volume, instr.ContractSize),
		Label:               label,
		Comment:             req.Comment,
	}
	switch typ {
	case model.Limit:
		order.LimitPrice = tools.RoundPrice(req.Price, instr.Digits)
	case model.Stop:
		order.StopPrice = tools.RoundPrice(req.Price, instr.Digits)
	}
	// Absolute protection levels are only accepted on pending orders; a
	// market position is amended once it exists.
	if typ != model.Market {
		order.StopLoss = tools.RoundPrice(req.StopLoss, instr.Digits)
		order.TakeProfit = tools.RoundPrice(req.TakeProfit, instr.Digits)
	}

	expect := openapi.OrderAccepted
	if typ == model.Market {
		expect = openapi.OrderFilled
	}
	match := func(id string, m openapi.Message, ev openapi.Execution) bool {
		if m.ClientMsgID == id && ev.ExecutionType == expect {
			return true
		}
		if ev.Order == nil || ev.Order.TradeData.SymbolID != instr.ID || ev.Order.TradeData.Label != label {
			return false
		}
		if typ == model.Market {
			return ev.ExecutionType == openapi.OrderFilled || ev.ExecutionType == openapi.OrderPartialFill
		}
		return ev.ExecutionType == expect
	}

	ev, err := g.roundTrip(ctx, sess, openapi.NewOrderReq, order, match, func(openapi.OrderError) bool { return false })
	if err != nil {
		return g.failure(fmt.Sprintf("place %s %s %s", typ, req.Direction, instr.Name), err)
	}

	res := model.OrderResult{Success: true, OrderID: orderIDOf(ev), PositionID: positionIDOf(ev)}
	g.logger.Infof("%s %s %.2f %s placed: order %d position %d", typ, req.Direction, req.Volume, instr.Name, res.OrderID, res.PositionID)

	if typ == model.Market && (req.StopLoss > 0 || req.TakeProfit > 0) && res.PositionID != 0 {
		sl := tools.RoundPrice(req.StopLoss, instr.Digits)
		tp := tools.RoundPrice(req.TakeProfit, instr.Digits)
		if amend := g.amend(ctx, sess, res.PositionID, sl, tp); !amend.Success {
			res.Warning = fmt.Sprintf("order filled but protection was not set: %s %s", amend.ErrorCode, amend.ErrorMessage)
			g.logger.Warnf("position %d: %s", res.PositionID, res.Warning)
		} else {
			g.persistProtection(ctx, res.PositionID, sl, tp)
		}
	}
	return res
}

func (g *Gateway) failure(op string, err error) model.OrderResult {
	var berr *openapi.BrokerError
	switch {
	case errors.As(err, &berr):
		g.logger.Warnf("%s rejected: %s", op, berr)
		return model.Failed(berr.Code, berr.Description)
	case errors.Is(err, openapi.ErrRequestTimeout):
		g.logger.Warnf("%s timed out", op)
		return model.Failed(CodeTimeout, err.Error())
	case errors.Is(err, openapi.ErrTransient), errors.Is(err, openapi.ErrClosed):
		g.logger.Warnf("%s: %s: connection lost", op, err)
		return model.Failed(CodeNotConnected, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return model.Failed(CodeTimeout, err.Error())
	default:
		g.logger.Errorf("%s: %s", op, err)
		return model.Failed(CodeInternal, err.Error())
	}
}

func toTradeSide(d model.Direction) int {
	if d == model.Sell {
		return openapi.TradeSideSell
	}
	return openapi.TradeSideBuy
}

func toOpenAPIOrderType(t model.OrderType) int {
	switch t {
	case model.Limit:
		return openapi.OrderTypeLimit
	case model.Stop:
		return openapi.OrderTypeStop
	default:
		return openapi.OrderTypeMarket
	}
}

func orderIDOf(ev openapi.Execution) int64 {
	switch {
	case ev.Order != nil:
		return ev.Order.OrderID
	case ev.Deal != nil:
		return ev.Deal.OrderID
	}
	return 0
}

func positionIDOf(ev openapi.Execution) int64 {
	switch {
	case ev.Position != nil && ev.Position.PositionID != 0:
		return ev.Position.PositionID
	case ev.Deal != nil && ev.Deal.PositionID != 0:
		return ev.Deal.PositionID
	case ev.Order != nil:
		return ev.Order.PositionID
	}
	return 0
}
