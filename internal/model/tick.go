package model

import "time"

type PriceTick struct {
	Instrument string    `json:"instrument"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Timestamp  time.Time `json:"timestamp"`
}

func (t PriceTick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}
