package model

import "time"

type OrderRequest struct {
	Instrument string    `json:"instrument"`
	Direction  Direction `json:"direction"`
	Volume     float64   `json:"volume"` // lots
	Price      float64   `json:"price,omitempty"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	TakeProfit float64   `json:"take_profit,omitempty"`
	Label      string    `json:"label,omitempty"`
	Comment    string    `json:"comment,omitempty"`
}

type OrderResult struct {
	Success      bool   `json:"success"`
	OrderID      int64  `json:"order_id,omitempty"`
	PositionID   int64  `json:"position_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	Warning      string `json:"warning,omitempty"`
}

func Failed(code, message string) OrderResult {
	return OrderResult{ErrorCode: code, ErrorMessage: message}
}

type PreparedOrder struct {
	Symbol        string    `json:"symbol"`
	Direction     Direction `json:"direction"`
	Volume        float64   `json:"volume"`
	EntryPrice    float64   `json:"entry_price"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit"`
	RiskPercent   float64   `json:"risk_percent"`
	ApprovalToken string    `json:"approval_token"`
	PreparedAt    time.Time `json:"prepared_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (p PreparedOrder) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}
