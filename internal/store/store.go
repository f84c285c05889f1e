package store

import (
	"context"
	"errors"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/model"
)

var ErrNotFound = errors.New("not found")

// Tx is the set of load/save operations available both directly on a Store
// and inside a transaction.
type Tx interface {
	GetPosition(ctx context.Context, id int64) (model.Position, error)
	SavePosition(ctx context.Context, p model.Position) error
	ListPositions(ctx context.Context, accountID int64, status model.PositionStatus) ([]model.Position, error)
	ClosedPositionsBetween(ctx context.Context, accountID int64, from, to time.Time) ([]model.Position, error)

	GetOrder(ctx context.Context, id int64) (model.Order, error)
	SaveOrder(ctx context.Context, o model.Order) error
	ListOrders(ctx context.Context, accountID int64, status model.OrderStatus) ([]model.Order, error)

	SaveDeal(ctx context.Context, d model.Deal) error

	LoadAccount(ctx context.Context, accountID int64) (model.Account, error)
	SaveAccount(ctx context.Context, a model.Account) error

	UpsertInstruments(ctx context.Context, instruments []model.Instrument) error
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	LoadRiskSettings(ctx context.Context) (model.RiskSettings, error)

	LoadToken(ctx context.Context) (model.Token, error)
	SaveToken(ctx context.Context, t model.Token) error
}

type Store interface {
	Tx
	// InTx runs fn atomically: either every write made through tx is kept or none is.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
