package api

import (
	"errors"
	"net/http"

	"github.com/STTM-NSU/trading-gateway/internal/approval"
	"github.com/STTM-NSU/trading-gateway/internal/broker/instrument"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/STTM-NSU/trading-gateway/internal/risk"
	"github.com/gin-gonic/gin"
)

type prepareRequest struct {
	Symbol      string  `json:"symbol" binding:"required,min=1"`
	Direction   string  `json:"direction" binding:"required,oneof=buy sell"`
	EntryPrice  float64 `json:"entry_price" binding:"gte=0"`
	StopLoss    float64 `json:"stop_loss" binding:"gt=0"`
	TakeProfit  float64 `json:"take_profit" binding:"gte=0"`
	RiskPercent float64 `json:"risk_percent" binding:"gte=0,lte=100"`
}

type priceResponse struct {
	model.PriceTick
	History []model.PriceTick `json:"history,omitempty"`
}

func (h *Handler) getHealth(c *gin.Context) {
	if !h.health.Connected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "disconnected"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"account_id": h.health.AccountID(),
	})
}

func (h *Handler) getPrice(c *gin.Context) {
	symbol := c.Param("symbol")
	tick, ok := h.prices.CurrentPrice(symbol)
	if !ok {
		respondError(c, http.StatusNotFound, "no_price", "no price for "+symbol)
		return
	}

	resp := priceResponse{PriceTick: tick}
	if c.Query("history") == "true" {
		resp.History = h.prices.History(symbol)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getSymbol(c *gin.Context) {
	i, err := h.instruments.Instrument(c.Param("name"))
	if err != nil {
		respondError(c, http.StatusNotFound, "symbol_not_found", err.Error())
		return
	}
	c.JSON(http.StatusOK, i)
}

func (h *Handler) getAccount(c *gin.Context) {
	c.JSON(http.StatusOK, h.ledger.Account())
}

func (h *Handler) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, h.ledger.Positions())
}

func (h *Handler) getOrders(c *gin.Context) {
	c.JSON(http.StatusOK, h.ledger.Orders())
}

func (h *Handler) listApprovals(c *gin.Context) {
	pending := h.approvals.ListPending()
	if pending == nil {
		pending = []model.PreparedOrder{}
	}
	c.JSON(http.StatusOK, pending)
}

func (h *Handler) prepare(c *gin.Context) {
	var req prepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	order, err := h.approvals.Prepare(c.Request.Context(), approval.Request{
		Symbol:      req.Symbol,
		Direction:   model.Direction(req.Direction),
		EntryPrice:  req.EntryPrice,
		StopLoss:    req.StopLoss,
		TakeProfit:  req.TakeProfit,
		RiskPercent: req.RiskPercent,
	})
	if err != nil {
		status, code := prepareFailure(err)
		if status == http.StatusInternalServerError {
			h.logger.Errorf("%s: can't prepare order", err)
		}
		respondError(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusCreated, order)
}

func prepareFailure(err error) (int, string) {
	var verr *risk.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, string(verr.Rule)
	case errors.Is(err, instrument.NotFoundError):
		return http.StatusNotFound, "symbol_not_found"
	case errors.Is(err, approval.ErrNoPrice):
		return http.StatusConflict, "no_price"
	case errors.Is(err, approval.ErrRiskReward):
		return http.StatusUnprocessableEntity, "risk_reward"
	case errors.Is(err, approval.ErrInvalidRequest), errors.Is(err, risk.ErrInvalidStopDistance):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *Handler) approve(c *gin.Context) {
	token := c.Param("token")
	res, ok := h.approvals.Approve(c.Request.Context(), token)
	if !ok {
		respondError(c, http.StatusNotFound, "approval_not_found", "unknown or expired approval "+token)
		return
	}
	if !res.Success {
		c.JSON(http.StatusBadGateway, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) reject(c *gin.Context) {
	token := c.Param("token")
	if !h.approvals.Reject(token) {
		respondError(c, http.StatusNotFound, "approval_not_found", "unknown approval "+token)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) oauthCallback(c *gin.Context) {
	if e := c.Query("error"); e != "" {
		respondError(c, http.StatusBadRequest, "access_denied", e)
		return
	}
	if err := h.auth.Exchange(c.Request.Context(), c.Query("code")); err != nil {
		h.logger.Warnf("%s: can't exchange authorization code", err)
		respondError(c, http.StatusBadGateway, "authorization_failed", err.Error())
		return
	}
	c.String(http.StatusOK, "authorized, the gateway will connect shortly")
}
