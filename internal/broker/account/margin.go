package account

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/STTM-NSU/trading-gateway/internal/notify"
	"github.com/STTM-NSU/trading-gateway/internal/store"
)

const _pnlIntervalDefault = 2 * time.Second

// OnTick revalues the open positions of the tick's instrument. Each position
// is revalued at most once per P&L interval.
func (s *Stream) OnTick(ctx context.Context, tick model.PriceTick) {
	positions := s.portfolio.PositionsFor(tick.Instrument)
	if len(positions) == 0 {
		return
	}

	cs := s.catalog.ContractSizeByName(tick.Instrument)
	var updated bool
	for _, pos := range positions {
		if !s.pnlDue(pos.BrokerPositionID) {
			continue
		}

		price := tick.Bid
		if pos.Direction == model.Sell {
			price = tick.Ask
		}
		pnl := (price - pos.EntryPrice) * pos.Volume * cs * pos.Direction.Sign()

		next, ok := s.portfolio.UpdatePosition(pos.BrokerPositionID, func(p *model.Position) {
			p.CurrentPrice = price
			p.UnrealizedPnL = pnl
		})
		if !ok {
			continue
		}
		if err := s.persistValuation(ctx, next); err != nil {
			s.logger.Warnf("%s: can't persist valuation", err)
		}
		s.publisher.Publish(notify.NewEvent(notify.PositionUpdate, strconv.FormatInt(next.BrokerPositionID, 10), next))
		updated = true
	}

	if updated {
		s.recompute(ctx)
	}
}

func (s *Stream) pnlDue(id int64) bool {
	interval := s.cfg.PnLInterval
	if interval <= 0 {
		interval = _pnlIntervalDefault
	}

	now := s.now()
	s.pnlMu.Lock()
	defer s.pnlMu.Unlock()
	if last, ok := s.lastPnL[id]; ok && now.Sub(last) < interval {
		return false
	}
	s.lastPnL[id] = now
	return true
}

// persistValuation writes the new price and P&L unless the stored record has
// meanwhile been closed.
func (s *Stream) persistValuation(ctx context.Context, pos model.Position) error {
	return s.store.InTx(ctx, func(tx store.Tx) error {
		rec, found, err := s.loadPosition(ctx, tx, pos.BrokerPositionID)
		if err != nil {
			return err
		}
		if !found || rec.IsClosed() {
			return nil
		}
		rec.CurrentPrice = pos.CurrentPrice
		rec.UnrealizedPnL = pos.UnrealizedPnL
		if err := tx.SavePosition(ctx, rec); err != nil {
			return fmt.Errorf("%w: can't save position %d", err, rec.BrokerPositionID)
		}
		return nil
	})
}

// recompute refreshes the account figures, persists and publishes them and
// kicks off a margin evaluation.
func (s *Stream) recompute(ctx context.Context) {
	a := s.portfolio.Recompute(s.catalog.ContractSizeByName)
	if a.AccountID != 0 {
		if err := s.store.SaveAccount(ctx, a); err != nil {
			s.logger.Warnf("%s: can't save account", err)
		}
	}
	s.publisher.Publish(notify.NewEvent(notify.AccountUpdate, strconv.FormatInt(a.AccountID, 10), a))
	go s.EvaluateMargin(context.WithoutCancel(ctx))
}

type marginAction int

const (
	marginNone marginAction = iota
	marginCall
	marginStopOut
)

// EvaluateMargin compares the margin level with the stop-out and margin-call
// thresholds. Concurrent and too frequent evaluations are skipped, and at most
// one liquidation runs at a time.
func (s *Stream) EvaluateMargin(ctx context.Context) {
	action, account, positions := s.marginDecision()

	switch action {
	case marginCall:
		alert := notify.MarginAlert{
			Kind:        notify.MarginCall,
			MarginLevel: account.MarginLevel,
			Equity:      account.Equity,
			Margin:      account.Margin,
			Message:     fmt.Sprintf("margin level %.2f%% is below %.2f%%", account.MarginLevel, s.cfg.MarginCallLevel),
		}
		s.logger.Warnln(alert.Message)
		s.publisher.Publish(notify.NewEvent(notify.MarginWarning, notify.MarginCall, alert))
	case marginStopOut:
		s.stopOut(ctx, account, positions)
	}
}

func (s *Stream) marginDecision() (marginAction, model.Account, []model.Position) {
	if !s.evalMu.TryLock() {
		return marginNone, model.Account{}, nil
	}
	defer s.evalMu.Unlock()

	now := s.now()
	if !s.lastEval.IsZero() && now.Sub(s.lastEval) < s.cfg.MarginCheckInterval {
		return marginNone, model.Account{}, nil
	}
	s.lastEval = now

	positions := s.portfolio.Positions()
	account := s.portfolio.Account()
	if len(positions) == 0 || account.Margin <= 0 {
		return marginNone, account, nil
	}

	level := account.Equity / account.Margin * 100
	account.MarginLevel = level
	switch {
	case level <= s.cfg.StopOutLevel:
		return marginStopOut, account, positions
	case level <= s.cfg.MarginCallLevel:
		if !s.lastWarning.IsZero() && now.Sub(s.lastWarning) < s.cfg.MarginWarningCooldown {
			return marginNone, account, nil
		}
		s.lastWarning = now
		return marginCall, account, positions
	}
	return marginNone, account, nil
}

func (s *Stream) stopOut(ctx context.Context, account model.Account, positions []model.Position) {
	if !s.stopOutActive.CompareAndSwap(false, true) {
		return
	}
	defer s.stopOutActive.Store(false)

	worst := positions[0]
	for _, pos := range positions[1:] {
		if pos.UnrealizedPnL < worst.UnrealizedPnL {
			worst = pos
		}
	}

	alert := notify.MarginAlert{
		Kind:        notify.StopOut,
		MarginLevel: account.MarginLevel,
		Equity:      account.Equity,
		Margin:      account.Margin,
		PositionID:  worst.BrokerPositionID,
		Message: fmt.Sprintf("stop-out at margin level %.2f%%: closing position %d (%s, P&L %.2f)",
			account.MarginLevel, worst.BrokerPositionID, worst.Instrument, worst.UnrealizedPnL),
	}
	s.logger.Errorln(alert.Message)
	s.publisher.Publish(notify.NewEvent(notify.MarginWarning, notify.StopOut, alert))

	if s.closer == nil {
		s.logger.Errorf("no closer configured, position %d stays open", worst.BrokerPositionID)
		return
	}
	res := s.closer.Close(ctx, worst.BrokerPositionID)
	if !res.Success {
		s.logger.Errorf("stop-out close of position %d failed: %s %s", worst.BrokerPositionID, res.ErrorCode, res.ErrorMessage)
		return
	}
	s.logger.Infof("stop-out closed position %d", worst.BrokerPositionID)
}
