package portfolio

import (
	"context"
	"errors"
	"fmt"

	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/STTM-NSU/trading-gateway/internal/store"
)

type Store interface {
	LoadAccount(ctx context.Context, accountID int64) (model.Account, error)
	SaveAccount(ctx context.Context, a model.Account) error
	ListPositions(ctx context.Context, accountID int64, status model.PositionStatus) ([]model.Position, error)
	ListOrders(ctx context.Context, accountID int64, status model.OrderStatus) ([]model.Order, error)
}

// LoadFromDB restores the ledger of accountID. It reports whether the
// account was known to the store.
func (p *Portfolio) LoadFromDB(ctx context.Context, accountID int64) (bool, error) {
	var exists bool

	account, err := p.store.LoadAccount(ctx, accountID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		account = model.Account{AccountID: accountID}
	case err != nil:
		return exists, fmt.Errorf("%w: can't query account", err)
	default:
		exists = true
	}

	positions, err := p.store.ListPositions(ctx, accountID, model.PositionOpen)
	if err != nil {
		return exists, fmt.Errorf("%w: can't query open positions", err)
	}

	orders, err := p.store.ListOrders(ctx, accountID, model.OrderPending)
	if err != nil {
		return exists, fmt.Errorf("%w: can't query pending orders", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.account = account
	p.positions = make(map[int64]model.Position, len(positions))
	for _, pos := range positions {
		p.positions[pos.BrokerPositionID] = pos
	}
	p.orders = make(map[int64]model.Order, len(orders))
	for _, o := range orders {
		p.orders[o.BrokerOrderID] = o
	}

	return exists, nil
}

func (p *Portfolio) FlushToDB(ctx context.Context) error {
	a := p.Account()
	if a.AccountID == 0 {
		return nil
	}
	if err := p.store.SaveAccount(ctx, a); err != nil {
		return fmt.Errorf("%w: can't update account", err)
	}
	return nil
}
