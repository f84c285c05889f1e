package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/broker/openapi"
	"github.com/STTM-NSU/trading-gateway/internal/config"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/STTM-NSU/trading-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTokenServer(t *testing.T, calls *atomic.Int32, body string) *httptest.Server {
	return newGrantServer(t, calls, "refresh_token", body)
}

func newGrantServer(t *testing.T, calls *atomic.Int32, grant, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, grant, r.URL.Query().Get("grant_type"))
		assert.Equal(t, "client", r.URL.Query().Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAccessTokenWithoutStoredToken(t *testing.T) {
	tokens := NewTokens(config.BrokerConfig{}, store.NewMemory(), logger.NewNop())

	_, err := tokens.AccessToken(context.Background())
	assert.ErrorIs(t, err, openapi.ErrAuthenticationRequired)
}

func TestAccessTokenRefreshesExpired(t *testing.T) {
	var calls atomic.Int32
	srv := newTokenServer(t, &calls, `{"accessToken":"fresh","refreshToken":"r2","expiresIn":3600}`)

	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, mem.SaveToken(ctx, model.Token{AccessToken: "old", RefreshToken: "r1", ExpiresAt: now.Add(-time.Minute)}))

	tokens := NewTokens(config.BrokerConfig{ClientID: "client", ClientSecret: "s", TokenURL: srv.URL}, mem, logger.NewNop())
	tokens.now = func() time.Time { return now }

	tok, err := tokens.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)

	tok, err = tokens.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
	assert.Equal(t, int32(1), calls.Load())

	saved, err := mem.LoadToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r2", saved.RefreshToken)
	assert.Equal(t, now.Add(time.Hour), saved.ExpiresAt)
}

func TestInvalidateForcesRefresh(t *testing.T) {
	var calls atomic.Int32
	srv := newTokenServer(t, &calls, `{"errorCode":"ACCESS_DENIED","description":"revoked"}`)

	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveToken(ctx, model.Token{AccessToken: "valid", RefreshToken: "r1"}))

	tokens := NewTokens(config.BrokerConfig{ClientID: "client", ClientSecret: "s", TokenURL: srv.URL}, mem, logger.NewNop())

	tok, err := tokens.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "valid", tok)

	tokens.Invalidate()
	_, err = tokens.AccessToken(ctx)
	assert.ErrorIs(t, err, openapi.ErrAuthenticationRequired)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExchangeStoresToken(t *testing.T) {
	var calls atomic.Int32
	srv := newGrantServer(t, &calls, "authorization_code", `{"accessToken":"granted","refreshToken":"r1","expiresIn":60}`)

	ctx := context.Background()
	mem := store.NewMemory()
	tokens := NewTokens(config.BrokerConfig{ClientID: "client", ClientSecret: "s", TokenURL: srv.URL}, mem, logger.NewNop())

	require.NoError(t, tokens.Exchange(ctx, "code-1"))

	saved, err := mem.LoadToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "granted", saved.AccessToken)

	tok, err := tokens.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "granted", tok)
	assert.Equal(t, int32(1), calls.Load())

	assert.ErrorIs(t, tokens.Exchange(ctx, ""), openapi.ErrAuthenticationRequired)
}

func TestAuthURL(t *testing.T) {
	u := AuthURL(config.BrokerConfig{
		ClientID:    "123_abc",
		RedirectURL: "http://localhost:8080/cb",
		AuthURL:     "https://id.example.com/grant",
	})
	assert.Equal(t, "https://id.example.com/grant?client_id=123_abc&redirect_uri=http%3A%2F%2Flocalhost%3A8080%2Fcb&scope=trading", u)
}
