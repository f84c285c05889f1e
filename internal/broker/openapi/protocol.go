package openapi

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

type PayloadType int

const (
	HeartbeatEvent PayloadType = 51

	ApplicationAuthReq            PayloadType = 2100
	ApplicationAuthRes            PayloadType = 2101
	AccountAuthReq                PayloadType = 2102
	AccountAuthRes                PayloadType = 2103
	NewOrderReq                   PayloadType = 2106
	CancelOrderReq                PayloadType = 2108
	AmendPositionSLTPReq          PayloadType = 2110
	ClosePositionReq              PayloadType = 2111
	AssetListReq                  PayloadType = 2112
	AssetListRes                  PayloadType = 2113
	SymbolsListReq                PayloadType = 2114
	SymbolsListRes                PayloadType = 2115
	SymbolByIDReq                 PayloadType = 2116
	SymbolByIDRes                 PayloadType = 2117
	TraderReq                     PayloadType = 2121
	TraderRes                     PayloadType = 2122
	TraderUpdatedEvent            PayloadType = 2123
	ReconcileReq                  PayloadType = 2124
	ReconcileRes                  PayloadType = 2125
	ExecutionEvent                PayloadType = 2126
	SubscribeSpotsReq             PayloadType = 2127
	SubscribeSpotsRes             PayloadType = 2128
	UnsubscribeSpotsReq           PayloadType = 2129
	UnsubscribeSpotsRes           PayloadType = 2130
	SpotEvent                     PayloadType = 2131
	OrderErrorEvent               PayloadType = 2132
	ErrorRes                      PayloadType = 2142
	AccountsTokenInvalidatedEvent PayloadType = 2147
	ClientDisconnectEvent         PayloadType = 2148
	AccountListByTokenReq         PayloadType = 2149
	AccountListByTokenRes         PayloadType = 2150
)

type ExecutionType int

const (
	OrderAccepted        ExecutionType = 2
	OrderFilled          ExecutionType = 3
	OrderReplaced        ExecutionType = 4
	OrderCancelled       ExecutionType = 5
	OrderExpired         ExecutionType = 6
	OrderRejected        ExecutionType = 7
	OrderCancelRejected  ExecutionType = 8
	Swap                 ExecutionType = 9
	DepositWithdraw      ExecutionType = 10
	OrderPartialFill     ExecutionType = 11
	BonusDepositWithdraw ExecutionType = 12
)

const (
	TradeSideBuy  = 1
	TradeSideSell = 2

	OrderTypeMarket = 1
	OrderTypeLimit  = 2
	OrderTypeStop   = 3

	PositionStatusOpen    = 1
	PositionStatusClosed  = 2
	PositionStatusCreated = 3
	PositionStatusError   = 4

	OrderStatusAccepted  = 1
	OrderStatusFilled    = 2
	OrderStatusRejected  = 3
	OrderStatusExpired   = 4
	OrderStatusCancelled = 5
)

// Message is the envelope every frame travels in.
type Message struct {
	ClientMsgID string          `json:"clientMsgId,omitempty"`
	PayloadType PayloadType     `json:"payloadType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: can't decode payload %d", err, m.PayloadType)
	}
	return nil
}

func NewMessage(id string, pt PayloadType, payload any) (Message, error) {
	msg := Message{ClientMsgID: id, PayloadType: pt}
	if payload == nil {
		return msg, nil
	}
	raw, err := sonic.Marshal(payload)
	if err != nil {
		return msg, fmt.Errorf("%w: can't encode payload %d", err, pt)
	}
	msg.Payload = raw
	return msg, nil
}

type ApplicationAuth struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type AccountAuth struct {
	CtidTraderAccountID int64  `json:"ctidTraderAccountId"`
	AccessToken         string `json:"accessToken,omitempty"`
}

type AccountListByToken struct {
	AccessToken       string              `json:"accessToken"`
	CtidTraderAccount []CtidTraderAccount `json:"ctidTraderAccount,omitempty"`
}

type CtidTraderAccount struct {
	CtidTraderAccountID int64  `json:"ctidTraderAccountId"`
	IsLive              bool   `json:"isLive"`
	TraderLogin         int64  `json:"traderLogin"`
	BrokerTitleShort    string `json:"brokerTitleShort,omitempty"`
}

// AccountRequest is the body of requests scoped only by account.
type AccountRequest struct {
	CtidTraderAccountID int64 `json:"ctidTraderAccountId"`
}

type AssetList struct {
	CtidTraderAccountID int64   `json:"ctidTraderAccountId"`
	Asset               []Asset `json:"asset"`
}

type Asset struct {
	AssetID     int64  `json:"assetId"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	Digits      int    `json:"digits,omitempty"`
}

type SymbolsList struct {
	CtidTraderAccountID    int64         `json:"ctidTraderAccountId"`
	IncludeArchivedSymbols bool          `json:"includeArchivedSymbols,omitempty"`
	Symbol                 []LightSymbol `json:"symbol,omitempty"`
}

type LightSymbol struct {
	SymbolID     int64  `json:"symbolId"`
	SymbolName   string `json:"symbolName"`
	Enabled      bool   `json:"enabled"`
	BaseAssetID  int64  `json:"baseAssetId"`
	QuoteAssetID int64  `json:"quoteAssetId"`
	Description  string `json:"description,omitempty"`
}

type SymbolByID struct {
	CtidTraderAccountID int64    `json:"ctidTraderAccountId"`
	SymbolID            []int64  `json:"symbolId,omitempty"`
	Symbol              []Symbol `json:"symbol,omitempty"`
}

// Symbol volumes are in hundredths of a unit, LotSize included.
type Symbol struct {
	SymbolID    int64 `json:"symbolId"`
	Digits      int   `json:"digits"`
	PipPosition int   `json:"pipPosition"`
	LotSize     int64 `json:"lotSize"`
	MinVolume   int64 `json:"minVolume"`
	MaxVolume   int64 `json:"maxVolume"`
	StepVolume  int64 `json:"stepVolume"`
}

type TraderInfo struct {
	CtidTraderAccountID int64  `json:"ctidTraderAccountId"`
	Trader              Trader `json:"trader"`
}

type Trader struct {
	CtidTraderAccountID int64 `json:"ctidTraderAccountId"`
	Balance             int64 `json:"balance"`
	LeverageInCents     int64 `json:"leverageInCents"`
	DepositAssetID      int64 `json:"depositAssetId"`
	TraderLogin         int64 `json:"traderLogin"`
	MoneyDigits         int   `json:"moneyDigits"`
}

type Reconcile struct {
	CtidTraderAccountID int64      `json:"ctidTraderAccountId"`
	Position            []Position `json:"position,omitempty"`
	Order               []Order    `json:"order,omitempty"`
}

type TradeData struct {
	SymbolID      int64  `json:"symbolId"`
	Volume        int64  `json:"volume"`
	TradeSide     int    `json:"tradeSide"`
	OpenTimestamp int64  `json:"openTimestamp,omitempty"`
	Label         string `json:"label,omitempty"`
	Comment       string `json:"comment,omitempty"`
}

type Position struct {
	PositionID             int64     `json:"positionId"`
	TradeData              TradeData `json:"tradeData"`
	PositionStatus         int       `json:"positionStatus"`
	Swap                   int64     `json:"swap"`
	Price                  float64   `json:"price,omitempty"`
	StopLoss               float64   `json:"stopLoss,omitempty"`
	TakeProfit             float64   `json:"takeProfit,omitempty"`
	Commission             int64     `json:"commission,omitempty"`
	UsedMargin             int64     `json:"usedMargin,omitempty"`
	MoneyDigits            int       `json:"moneyDigits,omitempty"`
	UtcLastUpdateTimestamp int64     `json:"utcLastUpdateTimestamp,omitempty"`
}

type Order struct {
	OrderID                int64     `json:"orderId"`
	TradeData              TradeData `json:"tradeData"`
	OrderType              int       `json:"orderType"`
	OrderStatus            int       `json:"orderStatus"`
	ExecutionPrice         float64   `json:"executionPrice,omitempty"`
	ExecutedVolume         int64     `json:"executedVolume,omitempty"`
	LimitPrice             float64   `json:"limitPrice,omitempty"`
	StopPrice              float64   `json:"stopPrice,omitempty"`
	StopLoss               float64   `json:"stopLoss,omitempty"`
	TakeProfit             float64   `json:"takeProfit,omitempty"`
	PositionID             int64     `json:"positionId,omitempty"`
	ClosingOrder           bool      `json:"closingOrder,omitempty"`
	UtcLastUpdateTimestamp int64     `json:"utcLastUpdateTimestamp,omitempty"`
}

type Deal struct {
	DealID              int64                `json:"dealId"`
	OrderID             int64                `json:"orderId"`
	PositionID          int64                `json:"positionId"`
	Volume              int64                `json:"volume"`
	FilledVolume        int64                `json:"filledVolume"`
	SymbolID            int64                `json:"symbolId"`
	ExecutionTimestamp  int64                `json:"executionTimestamp"`
	ExecutionPrice      float64              `json:"executionPrice,omitempty"`
	TradeSide           int                  `json:"tradeSide"`
	Commission          int64                `json:"commission,omitempty"`
	MoneyDigits         int                  `json:"moneyDigits,omitempty"`
	ClosePositionDetail *ClosePositionDetail `json:"closePositionDetail,omitempty"`
}

type ClosePositionDetail struct {
	EntryPrice   float64 `json:"entryPrice"`
	GrossProfit  int64   `json:"grossProfit"`
	Swap         int64   `json:"swap"`
	Commission   int64   `json:"commission"`
	Balance      int64   `json:"balance"`
	ClosedVolume int64   `json:"closedVolume,omitempty"`
	MoneyDigits  int     `json:"moneyDigits,omitempty"`
}

type Execution struct {
	CtidTraderAccountID int64          `json:"ctidTraderAccountId"`
	ExecutionType       ExecutionType  `json:"executionType"`
	Position            *Position      `json:"position,omitempty"`
	Order               *Order         `json:"order,omitempty"`
	Deal                *Deal          `json:"deal,omitempty"`
	DepositWithdraw     *BalanceChange `json:"depositWithdraw,omitempty"`
	ErrorCode           string         `json:"errorCode,omitempty"`
	IsServerEvent       bool           `json:"isServerEvent,omitempty"`
}

type BalanceChange struct {
	Balance     int64 `json:"balance"`
	Delta       int64 `json:"delta"`
	MoneyDigits int   `json:"moneyDigits,omitempty"`
}

type NewOrder struct {
	CtidTraderAccountID int64   `json:"ctidTraderAccountId"`
	SymbolID            int64   `json:"symbolId"`
	OrderType           int     `json:"orderType"`
	TradeSide           int     `json:"tradeSide"`
	Volume              int64   `json:"volume"`
	LimitPrice          float64 `json:"limitPrice,omitempty"`
	StopPrice           float64 `json:"stopPrice,omitempty"`
	StopLoss            float64 `json:"stopLoss,omitempty"`
	TakeProfit          float64 `json:"takeProfit,omitempty"`
	Label               string  `json:"label,omitempty"`
	Comment             string  `json:"comment,omitempty"`
}

type AmendPositionSLTP struct {
	CtidTraderAccountID int64   `json:"ctidTraderAccountId"`
	PositionID          int64   `json:"positionId"`
	StopLoss            float64 `json:"stopLoss,omitempty"`
	TakeProfit          float64 `json:"takeProfit,omitempty"`
}

type ClosePosition struct {
	CtidTraderAccountID int64 `json:"ctidTraderAccountId"`
	PositionID          int64 `json:"positionId"`
	Volume              int64 `json:"volume"`
}

type CancelOrder struct {
	CtidTraderAccountID int64 `json:"ctidTraderAccountId"`
	OrderID             int64 `json:"orderId"`
}

type SpotSubscription struct {
	CtidTraderAccountID int64   `json:"ctidTraderAccountId"`
	SymbolID            []int64 `json:"symbolId,omitempty"`
}

// Spot prices are scaled by 10^5. A zero Ask means the ask did not change.
type Spot struct {
	CtidTraderAccountID int64 `json:"ctidTraderAccountId"`
	SymbolID            int64 `json:"symbolId"`
	Bid                 int64 `json:"bid,omitempty"`
	Ask                 int64 `json:"ask,omitempty"`
	Timestamp           int64 `json:"timestamp,omitempty"`
}

type OrderError struct {
	CtidTraderAccountID int64  `json:"ctidTraderAccountId"`
	ErrorCode           string `json:"errorCode"`
	OrderID             int64  `json:"orderId,omitempty"`
	PositionID          int64  `json:"positionId,omitempty"`
	Description         string `json:"description,omitempty"`
}

type ErrorResponse struct {
	CtidTraderAccountID int64  `json:"ctidTraderAccountId,omitempty"`
	ErrorCode           string `json:"errorCode"`
	Description         string `json:"description,omitempty"`
}

type TokenInvalidated struct {
	CtidTraderAccountIDs []int64 `json:"ctidTraderAccountIds"`
	Reason               string  `json:"reason,omitempty"`
}

type ClientDisconnect struct {
	Reason string `json:"reason,omitempty"`
}
