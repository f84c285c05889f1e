package model

import "strings"

type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

func (d Direction) Valid() bool {
	return d == Buy || d == Sell
}

// Sign is +1 for long exposure and -1 for short exposure.
func (d Direction) Sign() float64 {
	if d == Sell {
		return -1
	}
	return 1
}

func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return Buy, true
	case "sell", "short":
		return Sell, true
	}
	return "", false
}

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
	Stop   OrderType = "stop"
)
