package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/model"
)

// Memory keeps everything in process. Transactions work on a copy that
// replaces the live state only when fn succeeds.
type Memory struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	positions   map[int64]model.Position
	orders      map[int64]model.Order
	deals       map[int64]model.Deal
	accounts    map[int64]model.Account
	instruments map[int64]model.Instrument
	risk        *model.RiskSettings
	token       *model.Token
}

func NewMemory() *Memory {
	return &Memory{data: &memData{
		positions:   make(map[int64]model.Position),
		orders:      make(map[int64]model.Order),
		deals:       make(map[int64]model.Deal),
		accounts:    make(map[int64]model.Account),
		instruments: make(map[int64]model.Instrument),
	}}
}

func (d *memData) clone() *memData {
	c := &memData{
		positions:   maps.Clone(d.positions),
		orders:      maps.Clone(d.orders),
		deals:       maps.Clone(d.deals),
		accounts:    maps.Clone(d.accounts),
		instruments: maps.Clone(d.instruments),
	}
	if d.risk != nil {
		r := *d.risk
		c.risk = &r
	}
	if d.token != nil {
		t := *d.token
		c.token = &t
	}
	return c
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	draft := m.data.clone()
	if err := fn(draft); err != nil {
		return err
	}
	m.data = draft
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// SetRiskSettings installs a settings record, as an operator would.
func (m *Memory) SetRiskSettings(s model.RiskSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.risk = &s
}

func (m *Memory) GetPosition(ctx context.Context, id int64) (model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.GetPosition(ctx, id)
}

func (m *Memory) SavePosition(ctx context.Context, p model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SavePosition(ctx, p)
}

func (m *Memory) ListPositions(ctx context.Context, accountID int64, status model.PositionStatus) ([]model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListPositions(ctx, accountID, status)
}

func (m *Memory) ClosedPositionsBetween(ctx context.Context, accountID int64, from, to time.Time) ([]model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ClosedPositionsBetween(ctx, accountID, from, to)
}

func (m *Memory) GetOrder(ctx context.Context, id int64) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.GetOrder(ctx, id)
}

func (m *Memory) SaveOrder(ctx context.Context, o model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveOrder(ctx, o)
}

func (m *Memory) ListOrders(ctx context.Context, accountID int64, status model.OrderStatus) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListOrders(ctx, accountID, status)
}

func (m *Memory) SaveDeal(ctx context.Context, d model.Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveDeal(ctx, d)
}

func (m *Memory) LoadAccount(ctx context.Context, accountID int64) (model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.LoadAccount(ctx, accountID)
}

func (m *Memory) SaveAccount(ctx context.Context, a model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveAccount(ctx, a)
}

func (m *Memory) UpsertInstruments(ctx context.Context, instruments []model.Instrument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpsertInstruments(ctx, instruments)
}

func (m *Memory) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListInstruments(ctx)
}

func (m *Memory) LoadRiskSettings(ctx context.Context) (model.RiskSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.LoadRiskSettings(ctx)
}

func (m *Memory) LoadToken(ctx context.Context) (model.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.LoadToken(ctx)
}

func (m *Memory) SaveToken(ctx context.Context, t model.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveToken(ctx, t)
}

func (d *memData) GetPosition(_ context.Context, id int64) (model.Position, error) {
	p, ok := d.positions[id]
	if !ok {
		return p, ErrNotFound
	}
	return p, nil
}

func (d *memData) SavePosition(_ context.Context, p model.Position) error {
	d.positions[p.BrokerPositionID] = p
	return nil
}

func (d *memData) ListPositions(_ context.Context, accountID int64, status model.PositionStatus) ([]model.Position, error) {
	var out []model.Position
	for _, p := range d.positions {
		if p.AccountID == accountID && p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, nil
}

func (d *memData) ClosedPositionsBetween(_ context.Context, accountID int64, from, to time.Time) ([]model.Position, error) {
	var out []model.Position
	for _, p := range d.positions {
		if p.AccountID != accountID || p.Status != model.PositionClosed || p.CloseTime == nil {
			continue
		}
		if p.CloseTime.Before(from) || p.CloseTime.After(to) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CloseTime.Before(*out[j].CloseTime) })
	return out, nil
}

func (d *memData) GetOrder(_ context.Context, id int64) (model.Order, error) {
	o, ok := d.orders[id]
	if !ok {
		return o, ErrNotFound
	}
	return o, nil
}

func (d *memData) SaveOrder(_ context.Context, o model.Order) error {
	d.orders[o.BrokerOrderID] = o
	return nil
}

func (d *memData) ListOrders(_ context.Context, accountID int64, status model.OrderStatus) ([]model.Order, error) {
	var out []model.Order
	for _, o := range d.orders {
		if o.AccountID == accountID && o.Status == status {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerOrderID < out[j].BrokerOrderID })
	return out, nil
}

func (d *memData) SaveDeal(_ context.Context, deal model.Deal) error {
	if _, ok := d.deals[deal.BrokerDealID]; !ok {
		d.deals[deal.BrokerDealID] = deal
	}
	return nil
}

func (d *memData) LoadAccount(_ context.Context, accountID int64) (model.Account, error) {
	a, ok := d.accounts[accountID]
	if !ok {
		return a, ErrNotFound
	}
	return a, nil
}

func (d *memData) SaveAccount(_ context.Context, a model.Account) error {
	d.accounts[a.AccountID] = a
	return nil
}

func (d *memData) UpsertInstruments(_ context.Context, instruments []model.Instrument) error {
	for _, i := range instruments {
		d.instruments[i.ID] = i
	}
	return nil
}

func (d *memData) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	out := slices.Collect(maps.Values(d.instruments))
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *memData) LoadRiskSettings(_ context.Context) (model.RiskSettings, error) {
	if d.risk == nil {
		return model.RiskSettings{}, ErrNotFound
	}
	return *d.risk, nil
}

func (d *memData) LoadToken(_ context.Context) (model.Token, error) {
	if d.token == nil {
		return model.Token{}, ErrNotFound
	}
	return *d.token, nil
}

func (d *memData) SaveToken(_ context.Context, t model.Token) error {
	d.token = &t
	return nil
}
