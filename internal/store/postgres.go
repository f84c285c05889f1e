package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

const (
	_queryPosition        = "SELECT * FROM positions WHERE broker_position_id = $1"
	_queryPositions       = "SELECT * FROM positions WHERE account_id = $1 AND status = $2 ORDER BY open_time"
	_queryClosedPositions = "SELECT * FROM positions WHERE account_id = $1 AND status = 'closed' AND close_time BETWEEN $2 AND $3 ORDER BY close_time"
	_queryOrder           = "SELECT * FROM orders WHERE broker_order_id = $1"
	_queryOrders          = "SELECT * FROM orders WHERE account_id = $1 AND status = $2 ORDER BY updated_at"
	_queryAccount         = "SELECT * FROM accounts WHERE account_id = $1"
	_queryInstruments     = "SELECT * FROM instruments ORDER BY name"
	_queryRiskSettings    = "SELECT * FROM risk_settings ORDER BY id DESC LIMIT 1"
	_queryToken           = "SELECT access_token, refresh_token, expires_at FROM oauth_tokens ORDER BY updated_at DESC LIMIT 1"
)

const (
	_upsertPosition = `INSERT INTO positions (
								broker_position_id, account_id, instrument, direction, volume,
								entry_price, stop_loss, take_profit, current_price, unrealized_pnl,
								swap, commission, status, open_time, close_time, close_price, realized_pnl
							) VALUES (
								:broker_position_id, :account_id, :instrument, :direction, :volume,
								:entry_price, :stop_loss, :take_profit, :current_price, :unrealized_pnl,
								:swap, :commission, :status, :open_time, :close_time, :close_price, :realized_pnl
							)
							ON CONFLICT (broker_position_id)
							DO UPDATE SET
								account_id = EXCLUDED.account_id,
								instrument = EXCLUDED.instrument,
								direction = EXCLUDED.direction,
								volume = EXCLUDED.volume,
								entry_price = EXCLUDED.entry_price,
								stop_loss = EXCLUDED.stop_loss,
								take_profit = EXCLUDED.take_profit,
								current_price = EXCLUDED.current_price,
								unrealized_pnl = EXCLUDED.unrealized_pnl,
								swap = EXCLUDED.swap,
								commission = EXCLUDED.commission,
								status = EXCLUDED.status,
								open_time = EXCLUDED.open_time,
								close_time = EXCLUDED.close_time,
								close_price = EXCLUDED.close_price,
								realized_pnl = EXCLUDED.realized_pnl;`
	_upsertOrder = `INSERT INTO orders (
								broker_order_id, account_id, position_id, instrument, type, direction, volume,
								limit_price, stop_price, stop_loss, take_profit, status, updated_at
							) VALUES (
								:broker_order_id, :account_id, :position_id, :instrument, :type, :direction, :volume,
								:limit_price, :stop_price, :stop_loss, :take_profit, :status, :updated_at
							)
							ON CONFLICT (broker_order_id)
							DO UPDATE SET
								position_id = EXCLUDED.position_id,
								instrument = EXCLUDED.instrument,
								type = EXCLUDED.type,
								direction = EXCLUDED.direction,
								volume = EXCLUDED.volume,
								limit_price = EXCLUDED.limit_price,
								stop_price = EXCLUDED.stop_price,
								stop_loss = EXCLUDED.stop_loss,
								take_profit = EXCLUDED.take_profit,
								status = EXCLUDED.status,
								updated_at = EXCLUDED.updated_at;`
	_insertDeal = `INSERT INTO deals (
								broker_deal_id, order_id, position_id, account_id, instrument, direction, volume,
								execution_price, commission, gross_profit, swap, closed_volume, executed_at
							) VALUES (
								:broker_deal_id, :order_id, :position_id, :account_id, :instrument, :direction, :volume,
								:execution_price, :commission, :gross_profit, :swap, :closed_volume, :executed_at
							)
							ON CONFLICT (broker_deal_id) DO NOTHING;`
	_upsertAccount = `INSERT INTO accounts (
								account_id, trader_login, balance, equity, margin, free_margin,
								margin_level, unrealized_pnl, leverage, currency, updated_at
							) VALUES (
								:account_id, :trader_login, :balance, :equity, :margin, :free_margin,
								:margin_level, :unrealized_pnl, :leverage, :currency, :updated_at
							)
							ON CONFLICT (account_id)
							DO UPDATE SET
								trader_login = EXCLUDED.trader_login,
								balance = EXCLUDED.balance,
								equity = EXCLUDED.equity,
								margin = EXCLUDED.margin,
								free_margin = EXCLUDED.free_margin,
								margin_level = EXCLUDED.margin_level,
								unrealized_pnl = EXCLUDED.unrealized_pnl,
								leverage = EXCLUDED.leverage,
								currency = EXCLUDED.currency,
								updated_at = EXCLUDED.updated_at;`
	_upsertInstrument = `INSERT INTO instruments (
								broker_id, name, digits, pip_position, contract_size, min_volume, max_volume,
								volume_step, base_asset_id, quote_asset_id, base_currency, quote_currency, active
							) VALUES (
								:broker_id, :name, :digits, :pip_position, :contract_size, :min_volume, :max_volume,
								:volume_step, :base_asset_id, :quote_asset_id, :base_currency, :quote_currency, :active
							)
							ON CONFLICT (broker_id)
							DO UPDATE SET
								name = EXCLUDED.name,
								digits = EXCLUDED.digits,
								pip_position = EXCLUDED.pip_position,
								contract_size = EXCLUDED.contract_size,
								min_volume = EXCLUDED.min_volume,
								max_volume = EXCLUDED.max_volume,
								volume_step = EXCLUDED.volume_step,
								base_asset_id = EXCLUDED.base_asset_id,
								quote_asset_id = EXCLUDED.quote_asset_id,
								base_currency = EXCLUDED.base_currency,
								quote_currency = EXCLUDED.quote_currency,
								active = EXCLUDED.active;`
	_insertToken = `INSERT INTO oauth_tokens (access_token, refresh_token, expires_at, updated_at)
							VALUES ($1, $2, $3, now());`
)

type Postgres struct {
	db *sqlx.DB
	pgQueries
}

// pgQueries runs against either the pool or an open transaction.
type pgQueries struct {
	q sqlx.ExtContext
}

func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db, pgQueries: pgQueries{q: db}}
}

func (p *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: can't begin tx", err)
	}

	if err := fn(pgQueries{q: tx}); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return fmt.Errorf("%w: can't rollback tx after %w", rerr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: can't commit tx", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (p pgQueries) GetPosition(ctx context.Context, id int64) (model.Position, error) {
	var pos model.Position
	if err := sqlx.GetContext(ctx, p.q, &pos, _queryPosition, id); err != nil {
		return pos, notFound(err)
	}
	return pos, nil
}

func (p pgQueries) SavePosition(ctx context.Context, pos model.Position) error {
	if _, err := sqlx.NamedExecContext(ctx, p.q, _upsertPosition, pos); err != nil {
		return fmt.Errorf("%w: can't upsert position %d", err, pos.BrokerPositionID)
	}
	return nil
}

func (p pgQueries) ListPositions(ctx context.Context, accountID int64, status model.PositionStatus) ([]model.Position, error) {
	var positions []model.Position
	if err := sqlx.SelectContext(ctx, p.q, &positions, _queryPositions, accountID, status); err != nil {
		return nil, fmt.Errorf("%w: can't query positions", err)
	}
	return positions, nil
}

func (p pgQueries) ClosedPositionsBetween(ctx context.Context, accountID int64, from, to time.Time) ([]model.Position, error) {
	var positions []model.Position
	if err := sqlx.SelectContext(ctx, p.q, &positions, _queryClosedPositions, accountID, from, to); err != nil {
		return nil, fmt.Errorf("%w: can't query closed positions", err)
	}
	return positions, nil
}

func (p pgQueries) GetOrder(ctx context.Context, id int64) (model.Order, error) {
	var o model.Order
	if err := sqlx.GetContext(ctx, p.q, &o, _queryOrder, id); err != nil {
		return o, notFound(err)
	}
	return o, nil
}

func (p pgQueries) SaveOrder(ctx context.Context, o model.Order) error {
	if _, err := sqlx.NamedExecContext(ctx, p.q, _upsertOrder, o); err != nil {
		return fmt.Errorf("%w: can't upsert order %d", err, o.BrokerOrderID)
	}
	return nil
}

func (p pgQueries) ListOrders(ctx context.Context, accountID int64, status model.OrderStatus) ([]model.Order, error) {
	var orders []model.Order
	if err := sqlx.SelectContext(ctx, p.q, &orders, _queryOrders, accountID, status); err != nil {
		return nil, fmt.Errorf("%w: can't query orders", err)
	}
	return orders, nil
}

func (p pgQueries) SaveDeal(ctx context.Context, d model.Deal) error {
	if _, err := sqlx.NamedExecContext(ctx, p.q, _insertDeal, d); err != nil {
		return fmt.Errorf("%w: can't insert deal %d", err, d.BrokerDealID)
	}
	return nil
}

func (p pgQueries) LoadAccount(ctx context.Context, accountID int64) (model.Account, error) {
	var a model.Account
	if err := sqlx.GetContext(ctx, p.q, &a, _queryAccount, accountID); err != nil {
		return a, notFound(err)
	}
	return a, nil
}

func (p pgQueries) SaveAccount(ctx context.Context, a model.Account) error {
	if _, err := sqlx.NamedExecContext(ctx, p.q, _upsertAccount, a); err != nil {
		return fmt.Errorf("%w: can't upsert account %d", err, a.AccountID)
	}
	return nil
}

func (p pgQueries) UpsertInstruments(ctx context.Context, instruments []model.Instrument) error {
	for _, i := range instruments {
		if _, err := sqlx.NamedExecContext(ctx, p.q, _upsertInstrument, i); err != nil {
			return fmt.Errorf("%w: can't upsert instrument %s", err, i.Name)
		}
	}
	return nil
}

func (p pgQueries) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	var instruments []model.Instrument
	if err := sqlx.SelectContext(ctx, p.q, &instruments, _queryInstruments); err != nil {
		return nil, fmt.Errorf("%w: can't query instruments", err)
	}
	return instruments, nil
}

func (p pgQueries) LoadRiskSettings(ctx context.Context) (model.RiskSettings, error) {
	var row struct {
		ID int64 `db:"id"`
		model.RiskSettings
	}
	if err := sqlx.GetContext(ctx, p.q, &row, _queryRiskSettings); err != nil {
		return model.RiskSettings{}, notFound(err)
	}
	return row.RiskSettings, nil
}

func (p pgQueries) LoadToken(ctx context.Context) (model.Token, error) {
	var t model.Token
	if err := sqlx.GetContext(ctx, p.q, &t, _queryToken); err != nil {
		return t, notFound(err)
	}
	return t, nil
}

func (p pgQueries) SaveToken(ctx context.Context, t model.Token) error {
	if _, err := p.q.ExecContext(ctx, _insertToken, t.AccessToken, t.RefreshToken, t.ExpiresAt); err != nil {
		return fmt.Errorf("%w: can't insert token", err)
	}
	return nil
}
