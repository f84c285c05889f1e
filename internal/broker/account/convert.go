package account

import (
	"github.com/STTM-NSU/trading-gateway/internal/broker/openapi"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/STTM-NSU/trading-gateway/internal/tools"
)

func direction(side int) model.Direction {
	if side == openapi.TradeSideSell {
		return model.Sell
	}
	return model.Buy
}

func orderType(t int) model.OrderType {
	switch t {
	case openapi.OrderTypeLimit:
		return model.Limit
	case openapi.OrderTypeStop:
		return model.Stop
	default:
		return model.Market
	}
}

func orderStatus(s int) model.OrderStatus {
	switch s {
	case openapi.OrderStatusFilled:
		return model.OrderFilled
	case openapi.OrderStatusRejected:
		return model.OrderRejected
	case openapi.OrderStatusExpired:
		return model.OrderExpired
	case openapi.OrderStatusCancelled:
		return model.OrderCancelled
	default:
		return model.OrderPending
	}
}

func (s *Stream) instrumentName(symbolID int64) string {
	if name, ok := s.catalog.Name(symbolID); ok {
		return name
	}
	return ""
}

func (s *Stream) lots(symbolID, volume int64) float64 {
	return tools.VolumeToLots(volume, s.catalog.ContractSizeByID(symbolID))
}

func (s *Stream) position(accountID int64, p *openapi.Position) model.Position {
	digits := s.digits(p.MoneyDigits)
	pos := model.Position{
		BrokerPositionID: p.PositionID,
		AccountID:        accountID,
		Instrument:       s.instrumentName(p.TradeData.SymbolID),
		Direction:        direction(p.TradeData.TradeSide),
		Volume:           s.lots(p.TradeData.SymbolID, p.TradeData.Volume),
		EntryPrice:       p.Price,
		StopLoss:         p.StopLoss,
		TakeProfit:       p.TakeProfit,
		Swap:             tools.MoneyFromRaw(p.Swap, digits),
		Commission:       tools.MoneyFromRaw(p.Commission, digits),
		Status:           model.PositionOpen,
		OpenTime:         tools.TimeFromMillis(p.TradeData.OpenTimestamp),
	}
	if p.PositionStatus == openapi.PositionStatusClosed {
		pos.Status = model.PositionClosed
	}
	return pos
}

func (s *Stream) order(accountID int64, o *openapi.Order) model.Order {
	updated := tools.TimeFromMillis(o.UtcLastUpdateTimestamp)
	if updated.IsZero() {
		updated = s.now().UTC()
	}
	return model.Order{
		BrokerOrderID: o.OrderID,
		AccountID:     accountID,
		PositionID:    o.PositionID,
		Instrument:    s.instrumentName(o.TradeData.SymbolID),
		Type:          orderType(o.OrderType),
		Direction:     direction(o.TradeData.TradeSide),
		Volume:        s.lots(o.TradeData.SymbolID, o.TradeData.Volume),
		LimitPrice:    o.LimitPrice,
		StopPrice:     o.StopPrice,
		StopLoss:      o.StopLoss,
		TakeProfit:    o.TakeProfit,
		Status:        orderStatus(o.OrderStatus),
		UpdatedAt:     updated,
	}
}

func (s *Stream) deal(accountID int64, d *openapi.Deal) model.Deal {
	digits := s.digits(d.MoneyDigits)
	volume := d.FilledVolume
	if volume == 0 {
		volume = d.Volume
	}
	out := model.Deal{
		BrokerDealID:   d.DealID,
		OrderID:        d.OrderID,
		PositionID:     d.PositionID,
		AccountID:      accountID,
		Instrument:     s.instrumentName(d.SymbolID),
		Direction:      direction(d.TradeSide),
		Volume:         s.lots(d.SymbolID, volume),
		ExecutionPrice: d.ExecutionPrice,
		Commission:     tools.MoneyFromRaw(d.Commission, digits),
		ExecutedAt:     tools.TimeFromMillis(d.ExecutionTimestamp),
	}
	if c := d.ClosePositionDetail; c != nil {
		cd := s.digits(c.MoneyDigits)
		if c.MoneyDigits == 0 {
			cd = digits
		}
		out.GrossProfit = tools.MoneyFromRaw(c.GrossProfit, cd)
		out.Swap = tools.MoneyFromRaw(c.Swap, cd)
		out.ClosedVolume = s.lots(d.SymbolID, c.ClosedVolume)
	}
	return out
}

// realized is the net result of a closing deal: gross profit plus swap plus commission.
func (s *Stream) realized(d *openapi.Deal) float64 {
	c := d.ClosePositionDetail
	digits := c.MoneyDigits
	if digits == 0 {
		digits = s.digits(d.MoneyDigits)
	}
	return tools.MoneyFromRaw(c.GrossProfit+c.Swap+c.Commission, digits)
}
