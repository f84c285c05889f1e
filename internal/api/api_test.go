package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/approval"
	"github.com/STTM-NSU/trading-gateway/internal/broker/instrument"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/STTM-NSU/trading-gateway/internal/risk"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type health struct{ connected bool }

func (h health) Connected() bool  { return h.connected }
func (h health) AccountID() int64 { return 1001 }

type prices map[string]model.PriceTick

func (p prices) CurrentPrice(name string) (model.PriceTick, bool) {
	t, ok := p[name]
	return t, ok
}

func (p prices) History(name string) []model.PriceTick {
	if t, ok := p[name]; ok {
		return []model.PriceTick{t, t}
	}
	return nil
}

type instruments struct{}

func (instruments) Instrument(name string) (model.Instrument, error) {
	if name == "EURUSD" {
		return model.Instrument{ID: 1, Name: "EURUSD", Digits: 5, ContractSize: 100_000}, nil
	}
	return model.Instrument{}, fmt.Errorf("%w: %s", instrument.NotFoundError, name)
}

type ledger struct{}

func (ledger) Account() model.Account {
	return model.Account{AccountID: 1001, Balance: 10_000, Equity: 10_050}
}

func (ledger) Positions() []model.Position {
	return []model.Position{{BrokerPositionID: 7, Instrument: "EURUSD", Direction: model.Buy, Volume: 0.1}}
}

func (ledger) Orders() []model.Order { return nil }

type approvals struct {
	prepareErr error
	requests   []approval.Request
	results    map[string]model.OrderResult
	rejected   []string
}

func (a *approvals) Prepare(_ context.Context, req approval.Request) (model.PreparedOrder, error) {
	a.requests = append(a.requests, req)
	if a.prepareErr != nil {
		return model.PreparedOrder{}, a.prepareErr
	}
	return model.PreparedOrder{Symbol: req.Symbol, Direction: req.Direction, Volume: 0.2, ApprovalToken: "tok"}, nil
}

func (a *approvals) Approve(_ context.Context, token string) (model.OrderResult, bool) {
	res, ok := a.results[token]
	return res, ok
}

func (a *approvals) Reject(token string) bool {
	a.rejected = append(a.rejected, token)
	return token == "tok"
}

func (a *approvals) ListPending() []model.PreparedOrder { return nil }

type authorizer struct{ codes []string }

func (a *authorizer) Exchange(_ context.Context, code string) error {
	if code == "" {
		return errors.New("empty code")
	}
	a.codes = append(a.codes, code)
	return nil
}

func newHandler(connected bool, a *approvals, auth Authorizer) *Handler {
	gin.SetMode(gin.TestMode)
	p := prices{"EURUSD": {Instrument: "EURUSD", Bid: 1.1, Ask: 1.1002, Timestamp: time.Unix(1700000000, 0).UTC()}}
	return New(health{connected}, p, instruments{}, ledger{}, a, auth, logger.NewNop())
}

func do(h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	w := do(newHandler(false, &approvals{}, nil), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(newHandler(true, &approvals{}, nil), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","account_id":1001}`, w.Body.String())
}

func TestReadAccessors(t *testing.T) {
	h := newHandler(true, &approvals{}, nil)

	w := do(h, http.MethodGet, "/prices/EURUSD?history=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var price priceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &price))
	assert.Equal(t, 1.1002, price.Ask)
	assert.Len(t, price.History, 2)

	w = do(h, http.MethodGet, "/prices/GBPUSD", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(h, http.MethodGet, "/symbols/EURUSD", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"contract_size":100000`)

	w = do(h, http.MethodGet, "/symbols/NOPE", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "symbol_not_found")

	w = do(h, http.MethodGet, "/account", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"equity":10050`)

	w = do(h, http.MethodGet, "/positions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"instrument":"EURUSD"`)

	w = do(h, http.MethodGet, "/approvals", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestPrepare(t *testing.T) {
	a := &approvals{}
	h := newHandler(true, a, nil)

	w := do(h, http.MethodPost, "/approvals", gin.H{"symbol": "EURUSD", "direction": "buy", "stop_loss": 1.095, "risk_percent": 2})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"approval_token":"tok"`)
	require.Len(t, a.requests, 1)
	assert.Equal(t, model.Buy, a.requests[0].Direction)
	assert.Equal(t, 2.0, a.requests[0].RiskPercent)

	w = do(h, http.MethodPost, "/approvals", gin.H{"symbol": "EURUSD", "direction": "hold", "stop_loss": 1.095})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, a.requests, 1)
}

func TestPrepareFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"guard", &risk.ValidationError{Rule: risk.RuleMaxOpenPositions, Reason: "10 open"}, http.StatusUnprocessableEntity, "max-open-positions"},
		{"unknown symbol", fmt.Errorf("%w: XXX", instrument.NotFoundError), http.StatusNotFound, "symbol_not_found"},
		{"no price", approval.ErrNoPrice, http.StatusConflict, "no_price"},
		{"risk reward", approval.ErrRiskReward, http.StatusUnprocessableEntity, "risk_reward"},
		{"stop distance", risk.ErrInvalidStopDistance, http.StatusBadRequest, "invalid_request"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler(true, &approvals{prepareErr: tt.err}, nil)
			w := do(h, http.MethodPost, "/approvals", gin.H{"symbol": "EURUSD", "direction": "sell", "stop_loss": 1.2})
			assert.Equal(t, tt.status, w.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestApproveAndReject(t *testing.T) {
	a := &approvals{results: map[string]model.OrderResult{
		"ok":   {Success: true, PositionID: 42},
		"fail": model.Failed("NOT_ENOUGH_MONEY", "no money"),
	}}
	h := newHandler(true, a, nil)

	w := do(h, http.MethodPost, "/approvals/ok/approve", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"position_id":42`)

	w = do(h, http.MethodPost, "/approvals/fail/approve", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_ENOUGH_MONEY")

	w = do(h, http.MethodPost, "/approvals/gone/approve", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(h, http.MethodPost, "/approvals/tok/reject", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(h, http.MethodPost, "/approvals/gone/reject", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, []string{"tok", "gone"}, a.rejected)
}

func TestOAuthCallback(t *testing.T) {
	w := do(newHandler(true, &approvals{}, nil), http.MethodGet, "/oauth/callback?code=abc", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	auth := &authorizer{}
	h := newHandler(true, &approvals{}, auth)

	w = do(h, http.MethodGet, "/oauth/callback?code=abc", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"abc"}, auth.codes)

	w = do(h, http.MethodGet, "/oauth/callback", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = do(h, http.MethodGet, "/oauth/callback?error=access_denied", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
