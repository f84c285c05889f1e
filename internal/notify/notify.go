package notify

import (
	"context"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/model"
)

type Topic string

const (
	PriceUpdate    Topic = "price-update"
	PositionUpdate Topic = "position-update"
	AccountUpdate  Topic = "account-update"
	MarginWarning  Topic = "margin-warning"
	TradeExecuted  Topic = "trade-executed"
	Alert          Topic = "alert"
)

type Event struct {
	Topic   Topic     `json:"topic"`
	Key     string    `json:"key,omitempty"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

func NewEvent(topic Topic, key string, payload any) Event {
	return Event{Topic: topic, Key: key, Payload: payload, Time: time.Now().UTC()}
}

// Publisher is fire-and-forget: implementations never block the caller on delivery.
type Publisher interface {
	Publish(e Event)
}

// ApprovalNotifier asks a human to approve a prepared order. The answer comes
// back later through the approve/reject entry points.
type ApprovalNotifier interface {
	RequestApproval(ctx context.Context, o model.PreparedOrder) error
}

type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) RequestApproval(context.Context, model.PreparedOrder) error { return nil }

// Fanout publishes every event to all of its publishers.
type Fanout []Publisher

func (f Fanout) Publish(e Event) {
	for _, p := range f {
		p.Publish(e)
	}
}

// MarginAlert is the payload of margin-warning events.
type MarginAlert struct {
	Kind        string  `json:"kind"` // margin-call or stop-out
	MarginLevel float64 `json:"margin_level"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	PositionID  int64   `json:"position_id,omitempty"`
	Message     string  `json:"message"`
}

const (
	MarginCall = "margin-call"
	StopOut    = "stop-out"
)

// TradeReport is the payload of trade-executed events.
type TradeReport struct {
	Order  model.PreparedOrder `json:"order"`
	Result model.OrderResult   `json:"result"`
}
