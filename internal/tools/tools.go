package tools

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// PriceScale is the fixed multiplier used by the broker for spot prices.
	PriceScale = 100_000
	// VolumeScale converts broker volume (hundredths of a unit) into units.
	VolumeScale = 100
)

var (
	_priceScale  = decimal.NewFromInt(PriceScale)
	_volumeScale = decimal.NewFromInt(VolumeScale)
)

// PriceFromRelative decodes a scaled broker price and rounds it to the instrument digits.
func PriceFromRelative(raw int64, digits int) float64 {
	v := decimal.NewFromInt(raw).Div(_priceScale)
	if digits >= 0 {
		v = v.Round(int32(digits))
	}
	f, _ := v.Float64()
	return f
}

func PriceToRelative(price float64) int64 {
	return decimal.NewFromFloat(price).Mul(_priceScale).Round(0).IntPart()
}

// VolumeToLots converts broker volume into lots for the given contract size.
func VolumeToLots(volume int64, contractSize float64) float64 {
	if contractSize <= 0 {
		return 0
	}
	v := decimal.NewFromInt(volume).
		Div(_volumeScale).
		Div(decimal.NewFromFloat(contractSize))
	f, _ := v.Float64()
	return f
}

func LotsToVolume(lots, contractSize float64) int64 {
	return decimal.NewFromFloat(lots).
		Mul(decimal.NewFromFloat(contractSize)).
		Mul(_volumeScale).
		Round(0).
		IntPart()
}

func MoneyFromRaw(raw int64, moneyDigits int) float64 {
	f, _ := decimal.New(raw, -int32(moneyDigits)).Float64()
	return f
}

func TimeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// PipSize returns 10^-pipPosition.
func PipSize(pipPosition int) float64 {
	f, _ := decimal.New(1, -int32(pipPosition)).Float64()
	return f
}

// RoundToStep floors value to a multiple of step.
func RoundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	s := decimal.NewFromFloat(step)
	k := decimal.NewFromFloat(value).Div(s).Floor()
	f, _ := k.Mul(s).Float64()
	return f
}

func RoundPrice(price float64, digits int) float64 {
	f, _ := decimal.NewFromFloat(price).Round(int32(digits)).Float64()
	return f
}
