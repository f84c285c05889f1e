package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/config"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/STTM-NSU/trading-gateway/internal/store"
)

type Rule string

const (
	RuleMaxOpenPositions      Rule = "max-open-positions"
	RuleMaxTotalVolume        Rule = "max-total-volume"
	RuleMaxPositionsPerSymbol Rule = "max-positions-per-symbol"
	RuleMaxDailyLoss          Rule = "max-daily-loss"
	RuleCorrelatedExposure    Rule = "correlated-exposure"
)

// ValidationError is the first limit a proposed trade breaks.
type ValidationError struct {
	Rule   Rule
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Reason)
}

type Store interface {
	LoadRiskSettings(ctx context.Context) (model.RiskSettings, error)
	ClosedPositionsBetween(ctx context.Context, accountID int64, from, to time.Time) ([]model.Position, error)
}

// Guard checks proposed trades against exposure limits before anything is
// sent to the broker.
type Guard struct {
	cfg    config.RiskConfig
	ledger Ledger
	store  Store
	logger logger.Logger
	now    func() time.Time
}

func NewGuard(cfg config.RiskConfig, ledger Ledger, st Store, l logger.Logger) *Guard {
	return &Guard{
		cfg:    cfg,
		ledger: ledger,
		store:  st,
		logger: logger.Component(l, "guard"),
		now:    time.Now,
	}
}

// Limits returns the stored settings, falling back to configuration for
// anything unset.
func (g *Guard) Limits(ctx context.Context) model.RiskSettings {
	limits := model.RiskSettings{
		MaxOpenPositions:      g.cfg.MaxOpenPositions,
		MaxTotalVolume:        g.cfg.MaxTotalVolume,
		MaxPositionsPerSymbol: g.cfg.MaxPositionsPerSymbol,
		MaxDailyLossPercent:   g.cfg.MaxDailyLossPercent,
		MaxCorrelatedExposure: g.cfg.MaxCorrelatedExposure,
	}

	s, err := g.store.LoadRiskSettings(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return limits
	case err != nil:
		g.logger.Warnf("%s: can't load risk settings, using defaults", err)
		return limits
	}

	if s.MaxOpenPositions > 0 {
		limits.MaxOpenPositions = s.MaxOpenPositions
	}
	if s.MaxTotalVolume > 0 {
		limits.MaxTotalVolume = s.MaxTotalVolume
	}
	if s.MaxPositionsPerSymbol > 0 {
		limits.MaxPositionsPerSymbol = s.MaxPositionsPerSymbol
	}
	if s.MaxDailyLossPercent > 0 {
		limits.MaxDailyLossPercent = s.MaxDailyLossPercent
	}
	if s.MaxCorrelatedExposure > 0 {
		limits.MaxCorrelatedExposure = s.MaxCorrelatedExposure
	}
	return limits
}

// Validate runs the checks in priority order and returns the first failure
// as *ValidationError.
func (g *Guard) Validate(ctx context.Context, symbol string, volume float64, direction model.Direction) error {
	limits := g.Limits(ctx)
	positions := g.ledger.Positions()
	account := g.ledger.Account()

	if len(positions) >= limits.MaxOpenPositions {
		return &ValidationError{Rule: RuleMaxOpenPositions,
			Reason: fmt.Sprintf("%d positions open, limit is %d", len(positions), limits.MaxOpenPositions)}
	}

	var total float64
	for _, p := range positions {
		total += p.Volume
	}
	if total+volume > limits.MaxTotalVolume {
		return &ValidationError{Rule: RuleMaxTotalVolume,
			Reason: fmt.Sprintf("%.2f lots open plus %.2f exceeds %.2f", total, volume, limits.MaxTotalVolume)}
	}

	var perSymbol int
	for _, p := range positions {
		if strings.EqualFold(p.Instrument, symbol) {
			perSymbol++
		}
	}
	if perSymbol >= limits.MaxPositionsPerSymbol {
		return &ValidationError{Rule: RuleMaxPositionsPerSymbol,
			Reason: fmt.Sprintf("%d positions open on %s, limit is %d", perSymbol, symbol, limits.MaxPositionsPerSymbol)}
	}

	loss, err := g.dailyPnLPercent(ctx, account, positions)
	if err != nil {
		return err
	}
	if loss <= -limits.MaxDailyLossPercent {
		return &ValidationError{Rule: RuleMaxDailyLoss,
			Reason: fmt.Sprintf("today's result is %.2f%% of balance, limit is -%.2f%%", loss, limits.MaxDailyLossPercent)}
	}

	group := CorrelationGroup(symbol)
	var exposure float64
	for _, p := range positions {
		if p.Direction == direction && CorrelationGroup(p.Instrument) == group {
			exposure += p.Volume
		}
	}
	if exposure+volume > limits.MaxCorrelatedExposure {
		return &ValidationError{Rule: RuleCorrelatedExposure,
			Reason: fmt.Sprintf("%s exposure in %s would be %.2f lots, limit is %.2f", direction, group, exposure+volume, limits.MaxCorrelatedExposure)}
	}

	return nil
}

// dailyPnLPercent is today's realized plus open result as a percent of balance.
func (g *Guard) dailyPnLPercent(ctx context.Context, account model.Account, positions []model.Position) (float64, error) {
	if account.Balance <= 0 {
		return 0, nil
	}

	now := g.now().UTC()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	closed, err := g.store.ClosedPositionsBetween(ctx, account.AccountID, from, now)
	if err != nil {
		return 0, fmt.Errorf("%w: can't load today's closed positions", err)
	}

	var pnl float64
	for _, p := range closed {
		pnl += p.RealizedPnL
	}
	for _, p := range positions {
		pnl += p.UnrealizedPnL
	}
	return pnl / account.Balance * 100, nil
}
