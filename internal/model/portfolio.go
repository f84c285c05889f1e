package model

import "time"

type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

type Position struct {
	BrokerPositionID int64          `json:"broker_position_id" db:"broker_position_id"`
	AccountID        int64          `json:"account_id" db:"account_id"`
	Instrument       string         `json:"instrument" db:"instrument"`
	Direction        Direction      `json:"direction" db:"direction"`
	Volume           float64        `json:"volume" db:"volume"` // lots
	EntryPrice       float64        `json:"entry_price" db:"entry_price"`
	StopLoss         float64        `json:"stop_loss" db:"stop_loss"`
	TakeProfit       float64        `json:"take_profit" db:"take_profit"`
	CurrentPrice     float64        `json:"current_price" db:"current_price"`
	UnrealizedPnL    float64        `json:"unrealized_pnl" db:"unrealized_pnl"`
	Swap             float64        `json:"swap" db:"swap"`
	Commission       float64        `json:"commission" db:"commission"`
	Status           PositionStatus `json:"status" db:"status"`
	OpenTime         time.Time      `json:"open_time" db:"open_time"`
	CloseTime        *time.Time     `json:"close_time,omitempty" db:"close_time"`
	ClosePrice       float64        `json:"close_price" db:"close_price"`
	RealizedPnL      float64        `json:"realized_pnl" db:"realized_pnl"`
}

func (p Position) IsClosed() bool {
	return p.Status == PositionClosed
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFilled    OrderStatus = "filled"
	OrderRejected  OrderStatus = "rejected"
	OrderExpired   OrderStatus = "expired"
	OrderCancelled OrderStatus = "cancelled"
)

type Order struct {
	BrokerOrderID int64       `json:"broker_order_id" db:"broker_order_id"`
	AccountID     int64       `json:"account_id" db:"account_id"`
	PositionID    int64       `json:"position_id" db:"position_id"`
	Instrument    string      `json:"instrument" db:"instrument"`
	Type          OrderType   `json:"type" db:"type"`
	Direction     Direction   `json:"direction" db:"direction"`
	Volume        float64     `json:"volume" db:"volume"`
	LimitPrice    float64     `json:"limit_price" db:"limit_price"`
	StopPrice     float64     `json:"stop_price" db:"stop_price"`
	StopLoss      float64     `json:"stop_loss" db:"stop_loss"`
	TakeProfit    float64     `json:"take_profit" db:"take_profit"`
	Status        OrderStatus `json:"status" db:"status"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
}

type Deal struct {
	BrokerDealID   int64     `json:"broker_deal_id" db:"broker_deal_id"`
	OrderID        int64     `json:"order_id" db:"order_id"`
	PositionID     int64     `json:"position_id" db:"position_id"`
	AccountID      int64     `json:"account_id" db:"account_id"`
	Instrument     string    `json:"instrument" db:"instrument"`
	Direction      Direction `json:"direction" db:"direction"`
	Volume         float64   `json:"volume" db:"volume"`
	ExecutionPrice float64   `json:"execution_price" db:"execution_price"`
	Commission     float64   `json:"commission" db:"commission"`
	GrossProfit    float64   `json:"gross_profit" db:"gross_profit"`
	Swap           float64   `json:"swap" db:"swap"`
	ClosedVolume   float64   `json:"closed_volume" db:"closed_volume"`
	ExecutedAt     time.Time `json:"executed_at" db:"executed_at"`
}

type Account struct {
	AccountID     int64     `json:"account_id" db:"account_id"`
	TraderLogin   int64     `json:"trader_login" db:"trader_login"`
	Balance       float64   `json:"balance" db:"balance"`
	Equity        float64   `json:"equity" db:"equity"`
	Margin        float64   `json:"margin" db:"margin"`
	FreeMargin    float64   `json:"free_margin" db:"free_margin"`
	MarginLevel   float64   `json:"margin_level" db:"margin_level"`
	UnrealizedPnL float64   `json:"unrealized_pnl" db:"unrealized_pnl"`
	Leverage      float64   `json:"leverage" db:"leverage"`
	Currency      string    `json:"currency" db:"currency"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

type RiskSettings struct {
	MaxOpenPositions      int     `json:"max_open_positions" db:"max_open_positions"`
	MaxTotalVolume        float64 `json:"max_total_volume" db:"max_total_volume"`
	MaxPositionsPerSymbol int     `json:"max_positions_per_symbol" db:"max_positions_per_symbol"`
	MaxDailyLossPercent   float64 `json:"max_daily_loss_percent" db:"max_daily_loss_percent"`
	MaxCorrelatedExposure float64 `json:"max_correlated_exposure" db:"max_correlated_exposure"`
}

type Token struct {
	AccessToken  string    `json:"access_token" db:"access_token"`
	RefreshToken string    `json:"refresh_token" db:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at" db:"expires_at"`
}

func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}
