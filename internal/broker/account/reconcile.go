package account

import (
	"context"
	"fmt"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/broker/openapi"
	"github.com/STTM-NSU/trading-gateway/internal/broker/session"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/STTM-NSU/trading-gateway/internal/store"
)

// Reconcile pulls account details and the open positions and pending orders
// from the broker and makes the store and ledger match them. Local open
// positions unknown to the broker are closed, local pending orders unknown to
// it are cancelled.
func (s *Stream) Reconcile(ctx context.Context, sess *session.Session) error {
	if s.portfolio.AccountID() != sess.AccountID {
		exists, err := s.portfolio.LoadFromDB(ctx, sess.AccountID)
		if err != nil {
			return fmt.Errorf("%w: can't restore account %d", err, sess.AccountID)
		}
		if exists {
			s.logger.Infof("restored account %d from store", sess.AccountID)
		}
	}

	var trader openapi.TraderInfo
	if err := sess.Conn.Request(ctx, openapi.TraderReq, openapi.AccountRequest{CtidTraderAccountID: sess.AccountID},
		openapi.TraderRes, &trader); err != nil {
		return fmt.Errorf("%w: can't get trader", err)
	}

	var snapshot openapi.Reconcile
	if err := sess.Conn.Request(ctx, openapi.ReconcileReq, openapi.AccountRequest{CtidTraderAccountID: sess.AccountID},
		openapi.ReconcileRes, &snapshot); err != nil {
		return fmt.Errorf("%w: can't reconcile", err)
	}

	if trader.Trader.MoneyDigits > 0 {
		s.moneyDigits.Store(int32(trader.Trader.MoneyDigits))
	}

	var ch changes
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		return s.reconcile(ctx, tx, sess.AccountID, snapshot, &ch)
	})
	if err != nil {
		return fmt.Errorf("%w: can't apply reconciliation", err)
	}

	for _, pos := range ch.positions {
		s.portfolio.UpsertPosition(pos)
	}
	for _, o := range ch.orders {
		s.portfolio.UpsertOrder(o)
	}
	s.syncSubscriptions(ctx, ch.instruments())

	if trader.Trader.CtidTraderAccountID == 0 {
		trader.Trader.CtidTraderAccountID = sess.AccountID
	}
	if trader.Trader.TraderLogin == 0 {
		trader.Trader.TraderLogin = sess.TraderLogin
	}
	s.applyTrader(ctx, trader.Trader)

	s.logger.Infof("reconciled account %d: %d open positions, %d pending orders",
		sess.AccountID, len(snapshot.Position), len(snapshot.Order))
	return nil
}

func (s *Stream) reconcile(ctx context.Context, tx store.Tx, accountID int64, snapshot openapi.Reconcile, ch *changes) error {
	live := make(map[int64]struct{}, len(snapshot.Position))
	for i := range snapshot.Position {
		in := s.position(accountID, &snapshot.Position[i])
		live[in.BrokerPositionID] = struct{}{}

		rec, found, err := s.loadPosition(ctx, tx, in.BrokerPositionID)
		if err != nil {
			return err
		}
		if found && rec.IsClosed() {
			s.logger.Warnf("broker reports closed position %d as open, keeping it closed", rec.BrokerPositionID)
			continue
		}
		if found {
			in.CurrentPrice = rec.CurrentPrice
			in.UnrealizedPnL = rec.UnrealizedPnL
			if in.Instrument == "" {
				in.Instrument = rec.Instrument
			}
		}
		in.Status = model.PositionOpen
		if err := tx.SavePosition(ctx, in); err != nil {
			return fmt.Errorf("%w: can't save position %d", err, in.BrokerPositionID)
		}
		ch.positions = append(ch.positions, in)
	}

	open, err := tx.ListPositions(ctx, accountID, model.PositionOpen)
	if err != nil {
		return fmt.Errorf("%w: can't list open positions", err)
	}
	now := s.now().UTC()
	for _, rec := range open {
		if _, ok := live[rec.BrokerPositionID]; ok {
			continue
		}
		rec.Status = model.PositionClosed
		rec.CloseTime = &now
		rec.ClosePrice = rec.CurrentPrice
		rec.RealizedPnL = rec.UnrealizedPnL
		rec.UnrealizedPnL = 0
		if err := tx.SavePosition(ctx, rec); err != nil {
			return fmt.Errorf("%w: can't close position %d", err, rec.BrokerPositionID)
		}
		s.logger.Infof("position %d is gone at the broker, marked closed", rec.BrokerPositionID)
		ch.positions = append(ch.positions, rec)
	}

	pending := make(map[int64]struct{}, len(snapshot.Order))
	for i := range snapshot.Order {
		o := s.order(accountID, &snapshot.Order[i])
		o.Status = model.OrderPending
		pending[o.BrokerOrderID] = struct{}{}
		if err := tx.SaveOrder(ctx, o); err != nil {
			return fmt.Errorf("%w: can't save order %d", err, o.BrokerOrderID)
		}
		ch.orders = append(ch.orders, o)
	}

	local, err := tx.ListOrders(ctx, accountID, model.OrderPending)
	if err != nil {
		return fmt.Errorf("%w: can't list pending orders", err)
	}
	for _, o := range local {
		if _, ok := pending[o.BrokerOrderID]; ok {
			continue
		}
		o.Status = model.OrderCancelled
		o.UpdatedAt = now
		if err := tx.SaveOrder(ctx, o); err != nil {
			return fmt.Errorf("%w: can't cancel order %d", err, o.BrokerOrderID)
		}
		ch.orders = append(ch.orders, o)
	}
	return nil
}

// RunResync reconciles every interval until ctx is done or the session ends.
// Failed passes are logged and retried on the next tick.
func (s *Stream) RunResync(ctx context.Context, sess *session.Session, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			return nil
		case <-t.C:
			if err := s.Reconcile(ctx, sess); err != nil {
				s.logger.Warnf("%s: periodic reconciliation failed", err)
			}
		}
	}
}
