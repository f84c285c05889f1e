package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/broker/openapi"
	"github.com/STTM-NSU/trading-gateway/internal/broker/openapi/openapitest"
	"github.com/STTM-NSU/trading-gateway/internal/config"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens struct {
	token       string
	err         error
	invalidated atomic.Int32
}

func (s *staticTokens) AccessToken(context.Context) (string, error) {
	return s.token, s.err
}

func (s *staticTokens) Invalidate() {
	s.invalidated.Add(1)
}

var _accounts = []openapi.CtidTraderAccount{
	{CtidTraderAccountID: 1001, TraderLogin: 5550001, IsLive: false},
	{CtidTraderAccountID: 1002, TraderLogin: 5550002, IsLive: true},
}

func newManager(srv *openapitest.Server, accountID int64, tokens TokenSource) *Manager {
	cfg := config.BrokerConfig{ClientID: "id", ClientSecret: "secret", AccountID: accountID}
	return NewManager(cfg, srv.Dial, tokens, logger.NewNop())
}

func TestAcquireHandshakeOrder(t *testing.T) {
	srv := openapitest.NewServer()
	srv.AcceptAuth(_accounts...)
	m := newManager(srv, 1002, &staticTokens{token: "tok"})

	s, err := m.Acquire(context.Background())
	require.NoError(t, err)
	defer m.Disconnect()

	assert.Equal(t, int64(1002), s.AccountID)
	assert.Equal(t, int64(5550002), s.TraderLogin)
	assert.True(t, s.IsLive)

	var order []openapi.PayloadType
	for _, msg := range srv.Received() {
		order = append(order, msg.PayloadType)
	}
	assert.Equal(t, []openapi.PayloadType{
		openapi.ApplicationAuthReq,
		openapi.AccountListByTokenReq,
		openapi.AccountAuthReq,
	}, order)

	var auth openapi.AccountAuth
	require.NoError(t, srv.Received(openapi.AccountAuthReq)[0].Decode(&auth))
	assert.Equal(t, "tok", auth.AccessToken)
}

func TestAccountDiscovery(t *testing.T) {
	tests := []struct {
		name       string
		configured int64
		want       int64
	}{
		{"by ctid account id", 1002, 1002},
		{"by trader login", 5550002, 1002},
		{"fallback to first", 42, 1001},
		{"unset", 0, 1001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := openapitest.NewServer()
			srv.AcceptAuth(_accounts...)
			m := newManager(srv, tt.configured, &staticTokens{token: "tok"})

			s, err := m.Acquire(context.Background())
			require.NoError(t, err)
			defer m.Disconnect()
			assert.Equal(t, tt.want, s.AccountID)
		})
	}
}

func TestAcquireAuthenticationRequired(t *testing.T) {
	srv := openapitest.NewServer()
	srv.AcceptAuth(_accounts...)
	m := newManager(srv, 0, &staticTokens{err: fmt.Errorf("%w: none", openapi.ErrAuthenticationRequired)})

	_, err := m.Acquire(context.Background())
	require.ErrorIs(t, err, openapi.ErrAuthenticationRequired)
	assert.Zero(t, srv.Dials())
}

func TestAcquireRejectedToken(t *testing.T) {
	srv := openapitest.NewServer()
	srv.AcceptAuth(_accounts...)
	srv.Handle(openapi.AccountListByTokenReq, func(s *openapitest.Server, req openapi.Message) {
		s.Fail(req, "CH_ACCESS_TOKEN_INVALID", "expired")
	})
	tokens := &staticTokens{token: "stale"}
	m := newManager(srv, 0, tokens)

	_, err := m.Acquire(context.Background())
	require.ErrorIs(t, err, openapi.ErrAuthenticationRequired)
	assert.Equal(t, int32(1), tokens.invalidated.Load())
	assert.Nil(t, m.Current())
}

func TestAcquireTransportFailure(t *testing.T) {
	srv := openapitest.NewServer()
	srv.FailDials(fmt.Errorf("%w: refused", openapi.ErrTransient))
	m := newManager(srv, 0, &staticTokens{token: "tok"})

	_, err := m.Acquire(context.Background())
	require.ErrorIs(t, err, openapi.ErrTransient)
	assert.NotErrorIs(t, err, openapi.ErrAuthenticationRequired)
}

func TestAcquireReusesLiveSession(t *testing.T) {
	srv := openapitest.NewServer()
	srv.AcceptAuth(_accounts...)
	m := newManager(srv, 0, &staticTokens{token: "tok"})
	defer m.Disconnect()

	var wg sync.WaitGroup
	sessions := make([]*Session, 10)
	for i := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Acquire(context.Background())
			assert.NoError(t, err)
			sessions[i] = s
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, srv.Dials())
	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
}

func TestReconnectAndDisconnect(t *testing.T) {
	srv := openapitest.NewServer()
	srv.AcceptAuth(_accounts...)
	m := newManager(srv, 0, &staticTokens{token: "tok"})

	first, err := m.Acquire(context.Background())
	require.NoError(t, err)

	second, err := m.Reconnect(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.False(t, first.Alive())
	assert.Same(t, second, m.Current())

	m.Disconnect()
	m.Disconnect()
	assert.Nil(t, m.Current())
	assert.False(t, second.Alive())
}

func TestTokenInvalidationDropsSession(t *testing.T) {
	srv := openapitest.NewServer()
	srv.AcceptAuth(_accounts...)
	tokens := &staticTokens{token: "tok"}
	m := newManager(srv, 0, tokens)

	s, err := m.Acquire(context.Background())
	require.NoError(t, err)

	srv.Push(openapi.AccountsTokenInvalidatedEvent, openapi.TokenInvalidated{CtidTraderAccountIDs: []int64{1001}, Reason: "revoked"})

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed")
	}
	assert.Nil(t, m.Current())
	assert.Eventually(t, func() bool { return tokens.invalidated.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestAccountsWithoutSession(t *testing.T) {
	srv := openapitest.NewServer()
	srv.AcceptAuth(_accounts...)
	m := newManager(srv, 0, &staticTokens{token: "tok"})

	accounts, err := m.Accounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, _accounts, accounts)
	assert.Nil(t, m.Current())
}
