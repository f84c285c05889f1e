package approval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/broker/instrument"
	"github.com/STTM-NSU/trading-gateway/internal/config"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/STTM-NSU/trading-gateway/internal/notify"
	"github.com/google/uuid"
)

const _pricePoll = 20 * time.Millisecond

var (
	ErrInvalidRequest = errors.New("invalid order request")
	ErrNoPrice        = errors.New("no current price")
	ErrRiskReward     = errors.New("risk:reward below minimum")
)

type Sizer interface {
	Size(symbol string, riskPercent, entry, stopLoss float64) (float64, error)
}

type Guard interface {
	Validate(ctx context.Context, symbol string, volume float64, direction model.Direction) error
}

type Prices interface {
	CurrentPrice(name string) (model.PriceTick, bool)
	Subscribe(ctx context.Context, name string) error
}

type Executor interface {
	PlaceMarket(ctx context.Context, req model.OrderRequest) model.OrderResult
}

// Request is a trade idea waiting to be sized and approved. A zero
// EntryPrice means the current market price.
type Request struct {
	Symbol      string          `json:"symbol"`
	Direction   model.Direction `json:"direction"`
	EntryPrice  float64         `json:"entry_price,omitempty"`
	StopLoss    float64         `json:"stop_loss"`
	TakeProfit  float64         `json:"take_profit,omitempty"`
	RiskPercent float64         `json:"risk_percent,omitempty"`
}

// Manager keeps prepared orders until a human approves or rejects them or
// they expire.
type Manager struct {
	ttl           time.Duration
	minRiskReward float64
	riskPercent   float64
	priceWait     time.Duration

	sizer     Sizer
	guard     Guard
	prices    Prices
	executor  Executor
	notifier  notify.ApprovalNotifier
	publisher notify.Publisher
	logger    logger.Logger
	now       func() time.Time

	pending sync.Map // token -> model.PreparedOrder
}

func NewManager(
	cfg config.ApprovalConfig,
	riskCfg config.RiskConfig,
	sizer Sizer,
	guard Guard,
	prices Prices,
	executor Executor,
	notifier notify.ApprovalNotifier,
	publisher notify.Publisher,
	l logger.Logger) *Manager {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if publisher == nil {
		publisher = notify.Nop{}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Manager{
		ttl:           ttl,
		minRiskReward: riskCfg.MinRiskReward,
		riskPercent:   riskCfg.DefaultRiskPercent,
		priceWait:     cfg.PriceWait,
		sizer:         sizer,
		guard:         guard,
		prices:        prices,
		executor:      executor,
		notifier:      notifier,
		publisher:     publisher,
		logger:        logger.Component(l, "approval"),
		now:           time.Now,
	}
}

// currentPrice subscribes symbol and waits up to priceWait for its first
// quote. Only an unknown symbol is an error.
func (m *Manager) currentPrice(ctx context.Context, symbol string) (model.PriceTick, bool, error) {
	if err := m.prices.Subscribe(ctx, symbol); err != nil {
		if errors.Is(err, instrument.NotFoundError) {
			return model.PriceTick{}, false, err
		}
		m.logger.Warnf("%s: can't subscribe to %s", err, symbol)
	}
	if tick, ok := m.prices.CurrentPrice(symbol); ok || m.priceWait <= 0 {
		return tick, ok, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.priceWait)
	defer cancel()
	t := time.NewTicker(_pricePoll)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return model.PriceTick{}, false, nil
		case <-t.C:
			if tick, ok := m.prices.CurrentPrice(symbol); ok {
				return tick, true, nil
			}
		}
	}
}

// Prepare sizes and validates req and parks it under a fresh approval token.
func (m *Manager) Prepare(ctx context.Context, req Request) (model.PreparedOrder, error) {
	if req.Symbol == "" || !req.Direction.Valid() {
		return model.PreparedOrder{}, fmt.Errorf("%w: symbol and direction are required", ErrInvalidRequest)
	}
	if req.StopLoss <= 0 {
		return model.PreparedOrder{}, fmt.Errorf("%w: stop loss is required", ErrInvalidRequest)
	}
	if req.RiskPercent <= 0 {
		req.RiskPercent = m.riskPercent
	}

	entry := req.EntryPrice
	if entry <= 0 {
		tick, ok, err := m.currentPrice(ctx, req.Symbol)
		if err != nil {
			return model.PreparedOrder{}, err
		}
		if !ok {
			return model.PreparedOrder{}, fmt.Errorf("%w: %s", ErrNoPrice, req.Symbol)
		}
		entry = tick.Ask
		if req.Direction == model.Sell {
			entry = tick.Bid
		}
	}

	if err := checkSides(req, entry); err != nil {
		return model.PreparedOrder{}, err
	}
	if req.TakeProfit > 0 && m.minRiskReward > 0 {
		rr := math.Abs(req.TakeProfit-entry) / math.Abs(entry-req.StopLoss)
		if rr < m.minRiskReward {
			return model.PreparedOrder{}, fmt.Errorf("%w: %.2f < %.2f", ErrRiskReward, rr, m.minRiskReward)
		}
	}

	volume, err := m.sizer.Size(req.Symbol, req.RiskPercent, entry, req.StopLoss)
	if err != nil {
		return model.PreparedOrder{}, fmt.Errorf("%w: can't size order", err)
	}
	if err := m.guard.Validate(ctx, req.Symbol, volume, req.Direction); err != nil {
		return model.PreparedOrder{}, fmt.Errorf("%w: order rejected by risk limits", err)
	}

	now := m.now().UTC()
	order := model.PreparedOrder{
		Symbol:        req.Symbol,
		Direction:     req.Direction,
		Volume:        volume,
		EntryPrice:    entry,
		StopLoss:      req.StopLoss,
		TakeProfit:    req.TakeProfit,
		RiskPercent:   req.RiskPercent,
		ApprovalToken: uuid.NewString(),
		PreparedAt:    now,
		ExpiresAt:     now.Add(m.ttl),
	}
	m.pending.Store(order.ApprovalToken, order)

	if err := m.notifier.RequestApproval(ctx, order); err != nil {
		m.logger.Warnf("%s: can't request approval for %s", err, order.ApprovalToken)
	}
	m.logger.Infof("prepared %s %.2f %s, token %s", order.Direction, order.Volume, order.Symbol, order.ApprovalToken)
	return order, nil
}

// checkSides rejects a stop loss or take profit on the wrong side of entry.
func checkSides(req Request, entry float64) error {
	sign := req.Direction.Sign()
	if (entry-req.StopLoss)*sign <= 0 {
		return fmt.Errorf("%w: stop loss %.5f is on the wrong side of entry %.5f", ErrInvalidRequest, req.StopLoss, entry)
	}
	if req.TakeProfit > 0 && (req.TakeProfit-entry)*sign <= 0 {
		return fmt.Errorf("%w: take profit %.5f is on the wrong side of entry %.5f", ErrInvalidRequest, req.TakeProfit, entry)
	}
	return nil
}

// Approve executes the order parked under token. It reports false when the
// token is unknown or expired; an expired token is discarded either way.
func (m *Manager) Approve(ctx context.Context, token string) (model.OrderResult, bool) {
	v, ok := m.pending.LoadAndDelete(token)
	if !ok {
		return model.OrderResult{}, false
	}
	order := v.(model.PreparedOrder)
	if order.Expired(m.now()) {
		m.logger.Infof("approval %s expired at %s", token, order.ExpiresAt.Format(time.RFC3339))
		return model.OrderResult{}, false
	}

	res := m.executor.PlaceMarket(ctx, model.OrderRequest{
		Instrument: order.Symbol,
		Direction:  order.Direction,
		Volume:     order.Volume,
		StopLoss:   order.StopLoss,
		TakeProfit: order.TakeProfit,
		Comment:    "approved " + token,
	})
	if res.Success {
		m.logger.Infof("approved order %s executed: position %d", token, res.PositionID)
	} else {
		m.logger.Warnf("approved order %s failed: %s %s", token, res.ErrorCode, res.ErrorMessage)
	}
	m.publisher.Publish(notify.NewEvent(notify.TradeExecuted, token, notify.TradeReport{Order: order, Result: res}))
	return res, true
}

// Reject drops the order parked under token and reports whether it was there.
func (m *Manager) Reject(token string) bool {
	if _, ok := m.pending.LoadAndDelete(token); ok {
		m.logger.Infof("approval %s rejected", token)
		return true
	}
	return false
}

// ListPending returns live prepared orders, most recent first. Expired ones
// are removed on the way.
func (m *Manager) ListPending() []model.PreparedOrder {
	now := m.now()
	var out []model.PreparedOrder
	m.pending.Range(func(k, v any) bool {
		order := v.(model.PreparedOrder)
		if order.Expired(now) {
			m.pending.Delete(k)
			return true
		}
		out = append(out, order)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PreparedAt.After(out[j].PreparedAt) })
	return out
}
