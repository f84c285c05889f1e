package portfolio

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/STTM-NSU/trading-gateway/internal/model"
)

// Portfolio is the in-memory ledger of one trading account: balances, open
// positions and pending orders.
type Portfolio struct {
	store  Store
	logger logger.Logger

	mu sync.RWMutex

	account   model.Account
	positions map[int64]model.Position // open only
	orders    map[int64]model.Order    // pending only
}

func NewPortfolio(store Store, l logger.Logger) *Portfolio {
	return &Portfolio{
		store:     store,
		logger:    logger.Component(l, "portfolio"),
		positions: make(map[int64]model.Position),
		orders:    make(map[int64]model.Order),
	}
}

func (p *Portfolio) AccountID() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.account.AccountID
}

func (p *Portfolio) Account() model.Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.account
}

// SetAccount replaces the broker-reported fields and keeps the derived ones.
func (p *Portfolio) SetAccount(a model.Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a.AccountID != p.account.AccountID {
		p.positions = make(map[int64]model.Position)
		p.orders = make(map[int64]model.Order)
	}
	p.account = a
}

func (p *Portfolio) UpdateBalance(balance float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.account.Balance = balance
}

func (p *Portfolio) Position(id int64) (model.Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[id]
	return pos, ok
}

// Positions returns open positions, oldest first.
func (p *Portfolio) Positions() []model.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenTime.Equal(out[j].OpenTime) {
			return out[i].BrokerPositionID < out[j].BrokerPositionID
		}
		return out[i].OpenTime.Before(out[j].OpenTime)
	})
	return out
}

func (p *Portfolio) PositionsFor(instrument string) []model.Position {
	var out []model.Position
	for _, pos := range p.Positions() {
		if strings.EqualFold(pos.Instrument, instrument) {
			out = append(out, pos)
		}
	}
	return out
}

// UpsertPosition stores an open position or drops a closed one.
func (p *Portfolio) UpsertPosition(pos model.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos.IsClosed() {
		delete(p.positions, pos.BrokerPositionID)
		return
	}
	p.positions[pos.BrokerPositionID] = pos
}

// UpdatePosition applies fn to the open position id. Positions that are not
// open are left alone.
func (p *Portfolio) UpdatePosition(id int64, fn func(pos *model.Position)) (model.Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[id]
	if !ok {
		return pos, false
	}
	fn(&pos)
	p.positions[id] = pos
	return pos, true
}

func (p *Portfolio) RemovePosition(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, id)
}

func (p *Portfolio) Orders() []model.Order {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.Order, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerOrderID < out[j].BrokerOrderID })
	return out
}

// UpsertOrder keeps pending orders and forgets terminal ones.
func (p *Portfolio) UpsertOrder(o model.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o.Status != model.OrderPending {
		delete(p.orders, o.BrokerOrderID)
		return
	}
	p.orders[o.BrokerOrderID] = o
}

func (p *Portfolio) OpenVolume() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var v float64
	for _, pos := range p.positions {
		v += pos.Volume
	}
	return v
}

// Recompute derives equity, used margin, free margin and margin level from
// the open positions. contractSize maps an instrument name to its contract size.
func (p *Portfolio) Recompute(contractSize func(string) float64) model.Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	leverage := p.account.Leverage
	if leverage <= 0 {
		leverage = 1
	}

	var pnl, margin float64
	for _, pos := range p.positions {
		pnl += pos.UnrealizedPnL
		margin += pos.Volume * contractSize(pos.Instrument) * pos.EntryPrice / leverage
	}

	a := &p.account
	a.UnrealizedPnL = pnl
	a.Equity = a.Balance + pnl
	a.Margin = margin
	a.FreeMargin = a.Equity - margin
	a.MarginLevel = 0
	if margin > 0 {
		a.MarginLevel = a.Equity / margin * 100
	}
	a.UpdatedAt = time.Now().UTC()

	return *a
}
