package risk

import (
	"fmt"
	"testing"

	"github.com/STTM-NSU/trading-gateway/internal/broker/instrument"
	"github.com/STTM-NSU/trading-gateway/internal/config"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type instruments map[string]model.Instrument

func (i instruments) Instrument(name string) (model.Instrument, error) {
	if instr, ok := i[name]; ok {
		return instr, nil
	}
	return model.Instrument{}, fmt.Errorf("%w: %s", instrument.NotFoundError, name)
}

var _instruments = instruments{
	"EURUSD": {ID: 1, Name: "EURUSD", Digits: 5, PipPosition: 4, ContractSize: 100_000, MinVolume: 0.01, MaxVolume: 100, VolumeStep: 0.01},
	"GBPUSD": {ID: 2, Name: "GBPUSD", Digits: 5, PipPosition: 4, ContractSize: 100_000, MinVolume: 0.5, MaxVolume: 100, VolumeStep: 0.01},
}

type ledger struct {
	account   model.Account
	positions []model.Position
}

func (l ledger) Account() model.Account { return l.account }

func (l ledger) Positions() []model.Position { return l.positions }

func TestCalculateLotsRawSize(t *testing.T) {
	res, err := CalculateLots(SizingInput{
		Balance:      10_000,
		FreeMargin:   1_000_000,
		Leverage:     100,
		RiskPercent:  1,
		EntryPrice:   1.1000,
		StopLoss:     1.0950,
		PipSize:      0.0001,
		PipValue:     10,
		ContractSize: 100_000,
		VolumeStep:   0.01,
		MinVolume:    0.01,
		MaxVolume:    100,
	})
	require.NoError(t, err)
	assert.InDelta(t, 100.0, res.RiskAmount, 1e-9)
	assert.InDelta(t, 50.0, res.PipsAtRisk, 1e-9)
	assert.InDelta(t, 0.20, res.RawLots, 1e-9)
	assert.InDelta(t, 0.20, res.Lots, 1e-9)
	assert.False(t, res.MarginCapped)
	assert.False(t, res.MinVolumeOverride)
}

func TestCalculateLotsMarginCap(t *testing.T) {
	// 1.1 * 100000 / 100 = 1100 margin per lot; 500 * 0.8 / 1100 = 0.3636
	res, err := CalculateLots(SizingInput{
		Balance: 100_000, FreeMargin: 500, Leverage: 100, RiskPercent: 1,
		EntryPrice: 1.1, StopLoss: 1.095, PipSize: 0.0001, PipValue: 10,
		ContractSize: 100_000, VolumeStep: 0.01, MinVolume: 0.01, MaxVolume: 100, MarginSafetyFactor: 0.8,
	})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, res.RawLots, 1e-9)
	assert.True(t, res.MarginCapped)
	assert.InDelta(t, 0.36, res.MaxLotsByMargin, 1e-9)
	assert.InDelta(t, 0.36, res.Lots, 1e-9)
}

func TestCalculateLotsMinVolumeOverride(t *testing.T) {
	res, err := CalculateLots(SizingInput{
		Balance: 1_000, FreeMargin: 1_000, Leverage: 500, RiskPercent: 1,
		EntryPrice: 1.1, StopLoss: 1.095, PipSize: 0.0001, PipValue: 10,
		ContractSize: 100_000, VolumeStep: 0.01, MinVolume: 0.05, MaxVolume: 100,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.02, res.RawLots, 1e-9)
	assert.InDelta(t, 0.05, res.Lots, 1e-9)
	assert.True(t, res.MinVolumeOverride)
}

func TestCalculateLotsRejectsZeroStopDistance(t *testing.T) {
	_, err := CalculateLots(SizingInput{EntryPrice: 1.1, StopLoss: 1.1, PipSize: 0.0001, PipValue: 10})
	assert.ErrorIs(t, err, ErrInvalidStopDistance)
}

func TestSizerUsesAccountAndDefaults(t *testing.T) {
	cfg := config.RiskConfig{DefaultRiskPercent: 2, MarginSafetyFactor: 0.8}
	l := ledger{account: model.Account{Balance: 10_000, FreeMargin: 10_000, Leverage: 100}}
	s := NewSizer(cfg, _instruments, l, logger.NewNop())

	lots, err := s.Size("EURUSD", 0, 1.1, 1.095)
	require.NoError(t, err)
	assert.InDelta(t, 0.40, lots, 1e-9)

	lots, err = s.Size("GBPUSD", 1, 1.27, 1.2)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, lots, 1e-9)

	_, err = s.Size("EURUSD", 1, 1.1, 1.1)
	assert.ErrorIs(t, err, ErrInvalidStopDistance)

	_, err = s.Size("NOPE", 1, 1.1, 1.0)
	assert.ErrorIs(t, err, instrument.NotFoundError)
}

func TestPlanKeepsPipValueInQuoteCurrency(t *testing.T) {
	usdjpy := instruments{"USDJPY": {ID: 4, Name: "USDJPY", Digits: 3, PipPosition: 2, ContractSize: 100_000, MinVolume: 0.01, MaxVolume: 100, VolumeStep: 0.01}}
	l := ledger{account: model.Account{Balance: 1_000_000, FreeMargin: 1_000_000, Leverage: 100}}
	s := NewSizer(config.RiskConfig{MarginSafetyFactor: 0.8}, usdjpy, l, logger.NewNop())

	// 1000 JPY per pip per lot, taken at face value
	res, err := s.Plan("USDJPY", 1, 150, 149)
	require.NoError(t, err)
	assert.InDelta(t, 10_000, res.RiskAmount, 1e-9)
	assert.InDelta(t, 100, res.PipsAtRisk, 1e-9)
	assert.InDelta(t, 0.1, res.RawLots, 1e-9)
	assert.InDelta(t, 0.1, res.Lots, 1e-9)
	assert.False(t, res.MarginCapped)
}

func TestMarginRequirement(t *testing.T) {
	l := ledger{account: model.Account{FreeMargin: 1_000, Leverage: 100}}
	s := NewSizer(config.RiskConfig{}, _instruments, l, logger.NewNop())

	req, err := s.MarginRequirement("EURUSD", 0.5, 1.2)
	require.NoError(t, err)
	assert.InDelta(t, 600.0, req.Required, 1e-9)
	assert.Equal(t, 100.0, req.Leverage)
	assert.True(t, req.Sufficient)

	req, err = s.MarginRequirement("EURUSD", 1, 1.2)
	require.NoError(t, err)
	assert.False(t, req.Sufficient)
}
