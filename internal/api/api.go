// Package api is the HTTP control surface: read accessors over the live
// state and the approve/reject entry points for prepared orders.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/approval"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/gin-gonic/gin"
)

type Health interface {
	Connected() bool
	AccountID() int64
}

type Prices interface {
	CurrentPrice(name string) (model.PriceTick, bool)
	History(name string) []model.PriceTick
}

type Instruments interface {
	Instrument(name string) (model.Instrument, error)
}

type Ledger interface {
	Account() model.Account
	Positions() []model.Position
	Orders() []model.Order
}

type Approvals interface {
	Prepare(ctx context.Context, req approval.Request) (model.PreparedOrder, error)
	Approve(ctx context.Context, token string) (model.OrderResult, bool)
	Reject(token string) bool
	ListPending() []model.PreparedOrder
}

type Authorizer interface {
	Exchange(ctx context.Context, code string) error
}

type Handler struct {
	Router *gin.Engine

	health      Health
	prices      Prices
	instruments Instruments
	ledger      Ledger
	approvals   Approvals
	auth        Authorizer
	logger      logger.Logger
}

// New builds the router. auth may be nil, in which case the OAuth
// redirect target is not served.
func New(health Health, prices Prices, instruments Instruments, ledger Ledger, approvals Approvals, auth Authorizer, l logger.Logger) *Handler {
	r := gin.New()

	h := &Handler{
		Router:      r,
		health:      health,
		prices:      prices,
		instruments: instruments,
		ledger:      ledger,
		approvals:   approvals,
		auth:        auth,
		logger:      logger.Component(l, "api"),
	}

	r.Use(gin.Recovery())
	r.Use(h.requestLogger())
	h.routes()
	return h
}

func (h *Handler) routes() {
	h.Router.GET("/health", h.getHealth)
	h.Router.GET("/prices/:symbol", h.getPrice)
	h.Router.GET("/symbols/:name", h.getSymbol)
	h.Router.GET("/account", h.getAccount)
	h.Router.GET("/positions", h.getPositions)
	h.Router.GET("/orders", h.getOrders)

	approvals := h.Router.Group("/approvals")
	{
		approvals.GET("", h.listApprovals)
		approvals.POST("", h.prepare)
		approvals.POST("/:token/approve", h.approve)
		approvals.POST("/:token/reject", h.reject)
	}

	if h.auth != nil {
		h.Router.GET("/oauth/callback", h.oauthCallback)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Router.ServeHTTP(w, r)
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debugf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}
