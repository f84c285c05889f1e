package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/config"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus(t *testing.T) {
	t.Parallel()
	b := NewBus()

	prices, unsub := b.Subscribe(PriceUpdate, 1)
	alerts, unsubAlerts := b.Subscribe(Alert, 1)
	defer unsubAlerts()

	b.Publish(NewEvent(PriceUpdate, "EURUSD", 1.1))
	b.Publish(NewEvent(PriceUpdate, "EURUSD", 1.2)) // buffer full, dropped

	e := <-prices
	assert.Equal(t, "EURUSD", e.Key)
	assert.Equal(t, 1.1, e.Payload)
	assert.Empty(t, alerts)

	unsub()
	unsub()
	_, ok := <-prices
	assert.False(t, ok)
	assert.NotPanics(t, func() { b.Publish(NewEvent(PriceUpdate, "EURUSD", 1.3)) })
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestFanout(t *testing.T) {
	t.Parallel()
	a, b := &recorder{}, &recorder{}
	Fanout{a, b, Nop{}}.Publish(NewEvent(Alert, "", "x"))
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestWebhook(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		paths []string
		body  []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		if r.URL.Path == _approvalsURL {
			body = data
		}
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(config.NotifyConfig{WebhookURL: srv.URL, Timeout: time.Second}, logger.NewNop())
	defer w.Close()

	w.Publish(NewEvent(TradeExecuted, "EURUSD", model.OrderResult{Success: true, PositionID: 7}))

	order := model.PreparedOrder{Symbol: "EURUSD", Direction: model.Buy, Volume: 0.2, ApprovalToken: "tok"}
	require.NoError(t, w.RequestApproval(context.Background(), order))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(paths) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{_eventsURL, _approvalsURL}, paths)
	var got model.PreparedOrder
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, order.ApprovalToken, got.ApprovalToken)
}

func TestWebhookError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"message":"downstream unavailable"}`))
	}))
	defer srv.Close()

	w := NewWebhook(config.NotifyConfig{WebhookURL: srv.URL, Timeout: time.Second}, logger.NewNop())
	defer w.Close()

	err := w.RequestApproval(context.Background(), model.PreparedOrder{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "downstream unavailable")
}
