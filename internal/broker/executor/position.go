package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/STTM-NSU/trading-gateway/internal/broker/openapi"
	"github.com/STTM-NSU/trading-gateway/internal/broker/session"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/STTM-NSU/trading-gateway/internal/store"
	"github.com/STTM-NSU/trading-gateway/internal/tools"
)

// Modify replaces the stop-loss and take-profit of an open position. Zero
// removes the level.
func (g *Gateway) Modify(ctx context.Context, positionID int64, stopLoss, takeProfit float64) model.OrderResult {
	sess, ok := g.session()
	if !ok {
		return model.Failed(CodeNotConnected, "no live broker session")
	}

	pos, err := g.position(ctx, positionID)
	if err != nil {
		return model.Failed(CodePositionNotFound, err.Error())
	}
	if instr, err := g.catalog.Instrument(pos.Instrument); err == nil {
		stopLoss = tools.RoundPrice(stopLoss, instr.Digits)
		takeProfit = tools.RoundPrice(takeProfit, instr.Digits)
	}

	res := g.amend(ctx, sess, positionID, stopLoss, takeProfit)
	if res.Success {
		g.persistProtection(ctx, positionID, stopLoss, takeProfit)
	}
	return res
}

func (g *Gateway) amend(ctx context.Context, sess *session.Session, positionID int64, stopLoss, takeProfit float64) model.OrderResult {
	req := openapi.AmendPositionSLTP{
		CtidTraderAccountID: sess.AccountID,
		PositionID:          positionID,
		StopLoss:            stopLoss,
		TakeProfit:          takeProfit,
	}
	match := func(id string, m openapi.Message, ev openapi.Execution) bool {
		if ev.ExecutionType != openapi.OrderReplaced {
			return false
		}
		return m.ClientMsgID == id || (ev.Position != nil && ev.Position.PositionID == positionID)
	}
	matchError := func(e openapi.OrderError) bool { return e.PositionID == positionID }

	ev, err := g.roundTrip(ctx, sess, openapi.AmendPositionSLTPReq, req, match, matchError)
	if err != nil {
		return g.failure(fmt.Sprintf("amend position %d", positionID), err)
	}
	return model.OrderResult{Success: true, OrderID: orderIDOf(ev), PositionID: positionID}
}

// Close closes the whole volume of an open position.
func (g *Gateway) Close(ctx context.Context, positionID int64) model.OrderResult {
	sess, ok := g.session()
	if !ok {
		return model.Failed(CodeNotConnected, "no live broker session")
	}

	pos, err := g.position(ctx, positionID)
	if err != nil {
		return model.Failed(CodePositionNotFound, err.Error())
	}
	instr, err := g.catalog.Instrument(pos.Instrument)
	if err != nil {
		return model.Failed(CodeSymbolNotFound, err.Error())
	}

	req := openapi.ClosePosition{
		CtidTraderAccountID: sess.AccountID,
		PositionID:          positionID,
		Volume:              tools.LotsToVolume(pos.Volume, instr.ContractSize),
	}
	match := func(id string, m openapi.Message, ev openapi.Execution) bool {
		if ev.ExecutionType != openapi.OrderFilled {
			return false
		}
		return m.ClientMsgID == id || positionIDOf(ev) == positionID
	}
	matchError := func(e openapi.OrderError) bool { return e.PositionID == positionID }

	ev, err := g.roundTrip(ctx, sess, openapi.ClosePositionReq, req, match, matchError)
	if err != nil {
		return g.failure(fmt.Sprintf("close position %d", positionID), err)
	}
	g.logger.Infof("position %d closed", positionID)
	return model.OrderResult{Success: true, OrderID: orderIDOf(ev), PositionID: positionID}
}

// Cancel withdraws a pending order.
func (g *Gateway) Cancel(ctx context.Context, orderID int64) model.OrderResult {
	sess, ok := g.session()
	if !ok {
		return model.Failed(CodeNotConnected, "no live broker session")
	}

	req := openapi.CancelOrder{CtidTraderAccountID: sess.AccountID, OrderID: orderID}
	match := func(id string, m openapi.Message, ev openapi.Execution) bool {
		if ev.ExecutionType != openapi.OrderCancelled {
			return false
		}
		return m.ClientMsgID == id || (ev.Order != nil && ev.Order.OrderID == orderID)
	}
	matchError := func(e openapi.OrderError) bool { return e.OrderID == orderID }

	if _, err := g.roundTrip(ctx, sess, openapi.CancelOrderReq, req, match, matchError); err != nil {
		return g.failure(fmt.Sprintf("cancel order %d", orderID), err)
	}

	g.persistCancel(ctx, orderID)
	return model.OrderResult{Success: true, OrderID: orderID}
}

func (g *Gateway) position(ctx context.Context, id int64) (model.Position, error) {
	if pos, ok := g.ledger.Position(id); ok {
		return pos, nil
	}
	pos, err := g.store.GetPosition(ctx, id)
	if err != nil {
		return pos, fmt.Errorf("%w: can't find position %d", err, id)
	}
	if pos.IsClosed() {
		return pos, fmt.Errorf("position %d is closed", id)
	}
	return pos, nil
}

// persistProtection mirrors new protection levels locally. Failures are
// logged only: the next reconciliation repairs them.
func (g *Gateway) persistProtection(ctx context.Context, positionID int64, stopLoss, takeProfit float64) {
	g.ledger.UpdatePosition(positionID, func(pos *model.Position) {
		pos.StopLoss = stopLoss
		pos.TakeProfit = takeProfit
	})

	err := g.store.InTx(ctx, func(tx store.Tx) error {
		pos, err := tx.GetPosition(ctx, positionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if pos.IsClosed() {
			return nil
		}
		pos.StopLoss = stopLoss
		pos.TakeProfit = takeProfit
		return tx.SavePosition(ctx, pos)
	})
	if err != nil {
		g.logger.Warnf("%s: can't persist protection of position %d", err, positionID)
	}
}

func (g *Gateway) persistCancel(ctx context.Context, orderID int64) {
	var cancelled *model.Order
	err := g.store.InTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		o.Status = model.OrderCancelled
		cancelled = &o
		return tx.SaveOrder(ctx, o)
	})
	if err != nil {
		g.logger.Warnf("%s: can't persist cancellation of order %d", err, orderID)
		return
	}
	if cancelled != nil {
		g.ledger.UpsertOrder(*cancelled)
	}
}
