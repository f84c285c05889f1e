package risk

import (
	"errors"
	"fmt"

	"github.com/STTM-NSU/trading-gateway/internal/config"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/STTM-NSU/trading-gateway/internal/tools"
	"github.com/shopspring/decimal"
)

var ErrInvalidStopDistance = errors.New("entry price equals stop loss")

type Instruments interface {
	Instrument(name string) (model.Instrument, error)
}

// Ledger exposes the current account and its open positions.
type Ledger interface {
	Account() model.Account
	Positions() []model.Position
}

// SizingInput carries everything the lot size depends on. Prices are in
// quote currency, PipValue is the value of one pip for one lot.
type SizingInput struct {
	Balance            float64
	FreeMargin         float64
	Leverage           float64
	RiskPercent        float64
	EntryPrice         float64
	StopLoss           float64
	PipSize            float64
	PipValue           float64
	ContractSize       float64
	VolumeStep         float64
	MinVolume          float64
	MaxVolume          float64
	MarginSafetyFactor float64
}

type SizingResult struct {
	Lots            float64
	RawLots         float64
	MaxLotsByMargin float64
	RiskAmount      float64
	PipsAtRisk      float64
	MarginCapped    bool
	// MinVolumeOverride is set when the broker minimum forced a size above
	// what risk and margin allow.
	MinVolumeOverride bool
}

// CalculateLots sizes a position so that hitting the stop loses RiskPercent
// of the balance, capped by what the free margin can carry.
func CalculateLots(in SizingInput) (SizingResult, error) {
	var res SizingResult

	entry := decimal.NewFromFloat(in.EntryPrice)
	stop := decimal.NewFromFloat(in.StopLoss)
	distance := entry.Sub(stop).Abs()
	if distance.IsZero() {
		return res, ErrInvalidStopDistance
	}
	if in.PipSize <= 0 || in.PipValue <= 0 {
		return res, fmt.Errorf("invalid pip size %v or pip value %v", in.PipSize, in.PipValue)
	}

	riskAmount := decimal.NewFromFloat(in.Balance).Mul(decimal.NewFromFloat(in.RiskPercent)).Div(decimal.NewFromInt(100))
	pips := distance.Div(decimal.NewFromFloat(in.PipSize))
	raw := riskAmount.Div(pips.Mul(decimal.NewFromFloat(in.PipValue)))

	res.RiskAmount, _ = riskAmount.Float64()
	res.PipsAtRisk, _ = pips.Float64()
	res.RawLots, _ = raw.Float64()

	leverage := in.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	safety := in.MarginSafetyFactor
	if safety <= 0 {
		safety = 1
	}

	lots := res.RawLots
	marginPerLot := decimal.NewFromFloat(in.ContractSize).Mul(entry).Div(decimal.NewFromFloat(leverage))
	if marginPerLot.IsPositive() {
		maxByMargin, _ := decimal.NewFromFloat(in.FreeMargin).
			Mul(decimal.NewFromFloat(safety)).
			Div(marginPerLot).
			Float64()
		if maxByMargin < 0 {
			maxByMargin = 0
		}
		res.MaxLotsByMargin = tools.RoundToStep(maxByMargin, in.VolumeStep)
		if res.MaxLotsByMargin < lots {
			lots = res.MaxLotsByMargin
			res.MarginCapped = true
		}
	}

	implied := lots
	lots = tools.RoundToStep(lots, in.VolumeStep)
	if in.MinVolume > 0 && lots < in.MinVolume {
		lots = in.MinVolume
	}
	if in.MaxVolume > 0 && lots > in.MaxVolume {
		lots = in.MaxVolume
	}
	res.MinVolumeOverride = lots > implied
	res.Lots = lots

	return res, nil
}

// Sizer turns a risk budget into a lot size for the live account.
type Sizer struct {
	cfg         config.RiskConfig
	instruments Instruments
	ledger      Ledger
	logger      logger.Logger
}

func NewSizer(cfg config.RiskConfig, instruments Instruments, ledger Ledger, l logger.Logger) *Sizer {
	return &Sizer{
		cfg:         cfg,
		instruments: instruments,
		ledger:      ledger,
		logger:      logger.Component(l, "sizer"),
	}
}

// Size returns the lot size risking riskPercent of the balance between entry
// and stopLoss. A non-positive riskPercent uses the configured default.
func (s *Sizer) Size(symbol string, riskPercent, entry, stopLoss float64) (float64, error) {
	res, err := s.Plan(symbol, riskPercent, entry, stopLoss)
	if err != nil {
		return 0, err
	}
	return res.Lots, nil
}

// Plan sizes like Size and reports the intermediate figures. The pip value is
// pip size times contract size, in the quote currency of symbol. It matches
// the account currency only for pairs quoted in it (EURUSD on a USD account);
// for other pairs no conversion rate is applied.
func (s *Sizer) Plan(symbol string, riskPercent, entry, stopLoss float64) (SizingResult, error) {
	instr, err := s.instruments.Instrument(symbol)
	if err != nil {
		return SizingResult{}, err
	}
	if riskPercent <= 0 {
		riskPercent = s.cfg.DefaultRiskPercent
	}

	a := s.ledger.Account()
	pip := tools.PipSize(instr.PipPosition)
	pipValue, _ := decimal.NewFromFloat(pip).Mul(decimal.NewFromFloat(instr.ContractSize)).Float64()
	in := SizingInput{
		Balance:            a.Balance,
		FreeMargin:         a.FreeMargin,
		Leverage:           a.Leverage,
		RiskPercent:        riskPercent,
		EntryPrice:         entry,
		StopLoss:           stopLoss,
		PipSize:            pip,
		PipValue:           pipValue,
		ContractSize:       instr.ContractSize,
		VolumeStep:         instr.VolumeStep,
		MinVolume:          instr.MinVolume,
		MaxVolume:          instr.MaxVolume,
		MarginSafetyFactor: s.cfg.MarginSafetyFactor,
	}

	res, err := CalculateLots(in)
	if err != nil {
		return res, fmt.Errorf("%w: can't size %s", err, instr.Name)
	}
	if res.MarginCapped {
		s.logger.Infof("%s: size %.2f capped by free margin to %.2f", instr.Name, res.RawLots, res.MaxLotsByMargin)
	}
	if res.MinVolumeOverride {
		s.logger.Warnf("%s: broker minimum %.2f lots exceeds the %.2f%% risk budget (%.4f lots), trading the minimum",
			instr.Name, instr.MinVolume, riskPercent, res.RawLots)
	}
	return res, nil
}

type MarginRequirement struct {
	Required   float64 `json:"required"`
	FreeMargin float64 `json:"free_margin"`
	Leverage   float64 `json:"leverage"`
	Sufficient bool    `json:"sufficient"`
}

// MarginRequirement reports the margin lots of symbol at price would use.
func (s *Sizer) MarginRequirement(symbol string, lots, price float64) (MarginRequirement, error) {
	instr, err := s.instruments.Instrument(symbol)
	if err != nil {
		return MarginRequirement{}, err
	}

	a := s.ledger.Account()
	leverage := a.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	required, _ := decimal.NewFromFloat(lots).
		Mul(decimal.NewFromFloat(instr.ContractSize)).
		Mul(decimal.NewFromFloat(price)).
		Div(decimal.NewFromFloat(leverage)).
		Float64()

	return MarginRequirement{
		Required:   required,
		FreeMargin: a.FreeMargin,
		Leverage:   leverage,
		Sufficient: required <= a.FreeMargin,
	}, nil
}
