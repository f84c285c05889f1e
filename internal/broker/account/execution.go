package account

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/STTM-NSU/trading-gateway/internal/broker/openapi"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/STTM-NSU/trading-gateway/internal/notify"
	"github.com/STTM-NSU/trading-gateway/internal/store"
	"github.com/STTM-NSU/trading-gateway/internal/tools"
)

// changes collects what a committed transaction altered so the in-memory
// ledger and subscribers are updated only after the store accepted it.
type changes struct {
	positions []model.Position
	orders    []model.Order
	deals     []model.Deal
}

// HandleExecution applies one execution event of accountID.
func (s *Stream) HandleExecution(ctx context.Context, accountID int64, ev openapi.Execution) {
	var (
		ch  changes
		err error
	)

	switch ev.ExecutionType {
	case openapi.OrderFilled, openapi.OrderPartialFill:
		err = s.store.InTx(ctx, func(tx store.Tx) error {
			return s.applyFill(ctx, tx, accountID, ev, &ch)
		})
	case openapi.OrderAccepted, openapi.OrderReplaced:
		err = s.store.InTx(ctx, func(tx store.Tx) error {
			return s.applyOrderUpdate(ctx, tx, accountID, ev, &ch)
		})
	case openapi.OrderCancelled, openapi.OrderExpired, openapi.OrderRejected:
		err = s.store.InTx(ctx, func(tx store.Tx) error {
			return s.applyOrderTerminal(ctx, tx, accountID, ev, &ch)
		})
	case openapi.Swap:
		err = s.store.InTx(ctx, func(tx store.Tx) error {
			return s.applySwap(ctx, tx, ev, &ch)
		})
	case openapi.DepositWithdraw, openapi.BonusDepositWithdraw:
		s.applyBalance(ctx, ev)
		return
	case openapi.OrderCancelRejected:
		s.logger.Warnf("cancel rejected for order %d: %s", orderID(ev), ev.ErrorCode)
		return
	default:
		s.logger.Debugf("ignoring execution type %d", ev.ExecutionType)
		return
	}

	if err != nil {
		s.logger.Errorf("%s: can't apply execution %d", err, ev.ExecutionType)
		return
	}
	s.commit(ctx, ch)
}

func orderID(ev openapi.Execution) int64 {
	if ev.Order != nil {
		return ev.Order.OrderID
	}
	return 0
}

func (s *Stream) commit(ctx context.Context, ch changes) {
	for _, pos := range ch.positions {
		s.portfolio.UpsertPosition(pos)
		s.publisher.Publish(notify.NewEvent(notify.PositionUpdate, strconv.FormatInt(pos.BrokerPositionID, 10), pos))
	}
	for _, o := range ch.orders {
		s.portfolio.UpsertOrder(o)
	}
	for _, d := range ch.deals {
		s.publisher.Publish(notify.NewEvent(notify.TradeExecuted, strconv.FormatInt(d.BrokerDealID, 10), d))
	}
	if len(ch.positions) > 0 {
		s.recompute(ctx)
		// off the event loop: a spot request can't complete while dispatch waits on us
		go s.syncSubscriptions(context.WithoutCancel(ctx), ch.instruments())
	}
}

func positionID(ev openapi.Execution) int64 {
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

// isClosing reports whether a fill ends its position. A close detail on a
// position the broker still reports open is a partial close.
func isClosing(ev openapi.Execution) bool {
	if ev.Position != nil && ev.Position.PositionStatus == openapi.PositionStatusClosed {
		return true
	}
	if ev.Deal == nil || ev.Deal.ClosePositionDetail == nil {
		return false
	}
	return ev.Position == nil || ev.Position.PositionStatus != openapi.PositionStatusOpen || ev.Position.TradeData.Volume == 0
}

func (s *Stream) loadPosition(ctx context.Context, tx store.Tx, id int64) (model.Position, bool, error) {
	pos, err := tx.GetPosition(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return model.Position{BrokerPositionID: id}, false, nil
	case err != nil:
		return pos, false, fmt.Errorf("%w: can't load position %d", err, id)
	}
	return pos, true, nil
}

func (s *Stream) applyFill(ctx context.Context, tx store.Tx, accountID int64, ev openapi.Execution, ch *changes) error {
	id := positionID(ev)
	if id == 0 {
		return errors.New("fill without position id")
	}

	rec, _, err := s.loadPosition(ctx, tx, id)
	if err != nil {
		return err
	}
	if rec.IsClosed() {
		s.logger.Warnf("position %d is already closed, ignoring fill", id)
		return nil
	}
	rec.AccountID = accountID

	var incoming model.Position
	if ev.Position != nil {
		incoming = s.position(accountID, ev.Position)
	}

	if isClosing(ev) {
		s.closePosition(&rec, incoming, ev)
	} else {
		s.mergeOpen(&rec, incoming, ev)
	}

	if err := tx.SavePosition(ctx, rec); err != nil {
		return fmt.Errorf("%w: can't save position %d", err, id)
	}
	ch.positions = append(ch.positions, rec)

	if ev.Order != nil {
		o := s.order(accountID, ev.Order)
		if ev.ExecutionType == openapi.OrderFilled {
			o.Status = model.OrderFilled
		}
		if o.PositionID == 0 {
			o.PositionID = id
		}
		if err := tx.SaveOrder(ctx, o); err != nil {
			return fmt.Errorf("%w: can't save order %d", err, o.BrokerOrderID)
		}
		ch.orders = append(ch.orders, o)
	}

	if ev.Deal != nil {
		d := s.deal(accountID, ev.Deal)
		if d.Instrument == "" {
			d.Instrument = rec.Instrument
		}
		if err := tx.SaveDeal(ctx, d); err != nil {
			return fmt.Errorf("%w: can't save deal %d", err, d.BrokerDealID)
		}
		ch.deals = append(ch.deals, d)
	}
	return nil
}

// mergeOpen never lets a zero volume or price in the event wipe a known value.
func (s *Stream) mergeOpen(rec *model.Position, in model.Position, ev openapi.Execution) {
	rec.Status = model.PositionOpen
	if ev.Position != nil {
		if in.Instrument != "" {
			rec.Instrument = in.Instrument
		}
		if ev.Position.TradeData.TradeSide != 0 {
			rec.Direction = in.Direction
		}
		if in.Volume > 0 {
			rec.Volume = in.Volume
		}
		if in.EntryPrice > 0 {
			rec.EntryPrice = in.EntryPrice
		}
		rec.StopLoss = in.StopLoss
		rec.TakeProfit = in.TakeProfit
		rec.Swap = in.Swap
		rec.Commission = in.Commission
		if !in.OpenTime.IsZero() {
			rec.OpenTime = in.OpenTime
		}
	}

	if d := ev.Deal; d != nil {
		if rec.Instrument == "" {
			rec.Instrument = s.instrumentName(d.SymbolID)
		}
		if rec.Direction == "" {
			rec.Direction = direction(d.TradeSide)
		}
		if rec.EntryPrice == 0 {
			rec.EntryPrice = d.ExecutionPrice
		}
		if rec.Volume == 0 {
			filled := d.FilledVolume
			if filled == 0 {
				filled = d.Volume
			}
			rec.Volume = s.lots(d.SymbolID, filled)
		}
		if rec.OpenTime.IsZero() {
			rec.OpenTime = tools.TimeFromMillis(d.ExecutionTimestamp)
		}
	}
	if rec.OpenTime.IsZero() {
		rec.OpenTime = s.now().UTC()
	}
}

// closePosition marks rec closed and backfills only the fields it never learned.
func (s *Stream) closePosition(rec *model.Position, in model.Position, ev openapi.Execution) {
	rec.Status = model.PositionClosed
	rec.UnrealizedPnL = 0

	if rec.Instrument == "" {
		rec.Instrument = in.Instrument
	}
	if rec.Direction == "" {
		rec.Direction = in.Direction
	}
	if rec.Volume == 0 {
		rec.Volume = in.Volume
	}
	if rec.EntryPrice == 0 {
		rec.EntryPrice = in.EntryPrice
	}
	if rec.OpenTime.IsZero() {
		rec.OpenTime = in.OpenTime
	}

	closeTime := s.now().UTC()
	if d := ev.Deal; d != nil {
		if t := tools.TimeFromMillis(d.ExecutionTimestamp); !t.IsZero() {
			closeTime = t
		}
		rec.ClosePrice = d.ExecutionPrice
		if rec.Instrument == "" {
			rec.Instrument = s.instrumentName(d.SymbolID)
		}
		if c := d.ClosePositionDetail; c != nil {
			rec.RealizedPnL = s.realized(d)
			if rec.EntryPrice == 0 {
				rec.EntryPrice = c.EntryPrice
			}
			if rec.Volume == 0 {
				rec.Volume = s.lots(d.SymbolID, c.ClosedVolume)
			}
		}
	}
	if rec.ClosePrice == 0 {
		rec.ClosePrice = rec.CurrentPrice
	}
	rec.CloseTime = &closeTime
}

func (s *Stream) applyOrderUpdate(ctx context.Context, tx store.Tx, accountID int64, ev openapi.Execution, ch *changes) error {
	if ev.Order != nil {
		o := s.order(accountID, ev.Order)
		if o.Status != model.OrderFilled {
			o.Status = model.OrderPending
		}
		// Market orders are accepted on their way to a fill and never rest.
		if o.Type != model.Market {
			if err := tx.SaveOrder(ctx, o); err != nil {
				return fmt.Errorf("%w: can't save order %d", err, o.BrokerOrderID)
			}
			ch.orders = append(ch.orders, o)
		}
	}

	// An amendment of protective levels arrives as a replaced order carrying the position.
	if ev.Position == nil || ev.Position.PositionID == 0 {
		return nil
	}
	rec, found, err := s.loadPosition(ctx, tx, ev.Position.PositionID)
	if err != nil {
		return err
	}
	if !found || rec.IsClosed() {
		return nil
	}
	rec.StopLoss = ev.Position.StopLoss
	rec.TakeProfit = ev.Position.TakeProfit
	if err := tx.SavePosition(ctx, rec); err != nil {
		return fmt.Errorf("%w: can't save position %d", err, rec.BrokerPositionID)
	}
	ch.positions = append(ch.positions, rec)
	return nil
}

func (s *Stream) applyOrderTerminal(ctx context.Context, tx store.Tx, accountID int64, ev openapi.Execution, ch *changes) error {
	if ev.Order == nil {
		return nil
	}
	o := s.order(accountID, ev.Order)
	switch ev.ExecutionType {
	case openapi.OrderCancelled:
		o.Status = model.OrderCancelled
	case openapi.OrderExpired:
		o.Status = model.OrderExpired
	case openapi.OrderRejected:
		o.Status = model.OrderRejected
	}
	if err := tx.SaveOrder(ctx, o); err != nil {
		return fmt.Errorf("%w: can't save order %d", err, o.BrokerOrderID)
	}
	ch.orders = append(ch.orders, o)
	return nil
}

func (s *Stream) applySwap(ctx context.Context, tx store.Tx, ev openapi.Execution, ch *changes) error {
	if ev.Position == nil {
		return nil
	}
	rec, found, err := s.loadPosition(ctx, tx, ev.Position.PositionID)
	if err != nil {
		return err
	}
	if !found || rec.IsClosed() {
		return nil
	}
	rec.Swap = tools.MoneyFromRaw(ev.Position.Swap, s.digits(ev.Position.MoneyDigits))
	if err := tx.SavePosition(ctx, rec); err != nil {
		return fmt.Errorf("%w: can't save position %d", err, rec.BrokerPositionID)
	}
	ch.positions = append(ch.positions, rec)
	return nil
}

func (s *Stream) applyBalance(ctx context.Context, ev openapi.Execution) {
	if ev.DepositWithdraw == nil {
		return
	}
	balance := tools.MoneyFromRaw(ev.DepositWithdraw.Balance, s.digits(ev.DepositWithdraw.MoneyDigits))
	s.portfolio.UpdateBalance(balance)
	s.logger.Infof("balance changed to %.2f", balance)
	s.recompute(ctx)
}

func (s *Stream) applyTrader(ctx context.Context, t openapi.Trader) {
	if t.MoneyDigits > 0 {
		s.moneyDigits.Store(int32(t.MoneyDigits))
	}
	a := s.portfolio.Account()
	a.Balance = tools.MoneyFromRaw(t.Balance, s.digits(t.MoneyDigits))
	if t.LeverageInCents > 0 {
		a.Leverage = float64(t.LeverageInCents) / 100
	}
	if t.TraderLogin != 0 {
		a.TraderLogin = t.TraderLogin
	}
	if name := s.catalog.AssetName(t.DepositAssetID); name != "" {
		a.Currency = name
	}
	if t.CtidTraderAccountID != 0 && a.AccountID == 0 {
		a.AccountID = t.CtidTraderAccountID
	}
	s.portfolio.SetAccount(a)
	s.recompute(ctx)
}
