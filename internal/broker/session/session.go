package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/STTM-NSU/trading-gateway/internal/broker/openapi"
	"github.com/STTM-NSU/trading-gateway/internal/config"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
)

// TokenSource supplies the access token used for account discovery and authorization.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Invalidate()
}

// Dialer opens a fresh transport to the broker.
type Dialer func(ctx context.Context) (*openapi.Conn, error)

// Session is one authenticated connection bound to a trading account.
type Session struct {
	Conn        *openapi.Conn
	AccountID   int64 // ctid trader account id
	TraderLogin int64
	IsLive      bool
}

func (s *Session) Alive() bool {
	if s == nil || s.Conn == nil {
		return false
	}
	select {
	case <-s.Conn.Done():
		return false
	default:
		return true
	}
}

// Done is closed once the underlying connection ends.
func (s *Session) Done() <-chan struct{} {
	return s.Conn.Done()
}

type Manager struct {
	cfg    config.BrokerConfig
	dial   Dialer
	tokens TokenSource
	logger logger.Logger

	mu      sync.Mutex
	current atomic.Pointer[Session]
}

func NewManager(cfg config.BrokerConfig, dial Dialer, tokens TokenSource, l logger.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		dial:   dial,
		tokens: tokens,
		logger: logger.Component(l, "session"),
	}
}

// NewDialer dials the configured broker endpoint.
func NewDialer(cfg config.BrokerConfig, l logger.Logger) Dialer {
	return func(ctx context.Context) (*openapi.Conn, error) {
		return openapi.Dial(ctx, cfg.Address(), openapi.Options{
			Logger:            logger.Component(l, "openapi"),
			RequestsPerSecond: cfg.RequestsPerSecond,
			HeartbeatInterval: cfg.HeartbeatInterval,
			RequestTimeout:    cfg.RequestTimeout,
		})
	}
}

// Current returns the live session or nil. It never blocks.
func (m *Manager) Current() *Session {
	s := m.current.Load()
	if !s.Alive() {
		return nil
	}
	return s
}

// Acquire returns the live session, establishing one if needed.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	if s := m.Current(); s != nil {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.Current(); s != nil {
		return s, nil
	}
	return m.connect(ctx)
}

func (m *Manager) Reconnect(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.teardown()
	return m.connect(ctx)
}

func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.teardown()
}

func (m *Manager) teardown() {
	s := m.current.Swap(nil)
	if s == nil || s.Conn == nil {
		return
	}
	if err := s.Conn.Close(); err != nil {
		m.logger.Warnf("%s: can't close session", err)
	}
	m.logger.Infof("session for account %d closed", s.AccountID)
}

func (m *Manager) connect(ctx context.Context) (*Session, error) {
	token, err := m.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: can't get access token", err)
	}

	conn, err := m.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: can't open transport", err)
	}

	s, err := m.handshake(ctx, conn, token)
	if err != nil {
		_ = conn.Close()
		if errors.Is(err, openapi.ErrAuthenticationRequired) {
			m.tokens.Invalidate()
		}
		return nil, err
	}

	m.current.Store(s)
	events, cancel := conn.Subscribe(1, openapi.AccountsTokenInvalidatedEvent)
	go m.watchTokens(s, events, cancel)

	m.logger.Infof("session established for account %d (login %d, live %t)", s.AccountID, s.TraderLogin, s.IsLive)
	return s, nil
}

func (m *Manager) handshake(ctx context.Context, conn *openapi.Conn, token string) (*Session, error) {
	if err := m.authorizeApplication(ctx, conn); err != nil {
		return nil, err
	}

	accounts, err := listAccounts(ctx, conn, token)
	if err != nil {
		return nil, err
	}

	account, err := m.resolveAccount(accounts)
	if err != nil {
		return nil, err
	}

	req := openapi.AccountAuth{CtidTraderAccountID: account.CtidTraderAccountID, AccessToken: token}
	if err := conn.Request(ctx, openapi.AccountAuthReq, req, openapi.AccountAuthRes, nil); err != nil {
		return nil, fmt.Errorf("%w: can't authorize account %d", err, account.CtidTraderAccountID)
	}

	return &Session{
		Conn:        conn,
		AccountID:   account.CtidTraderAccountID,
		TraderLogin: account.TraderLogin,
		IsLive:      account.IsLive,
	}, nil
}

func (m *Manager) authorizeApplication(ctx context.Context, conn *openapi.Conn) error {
	req := openapi.ApplicationAuth{ClientID: m.cfg.ClientID, ClientSecret: m.cfg.ClientSecret}
	if err := conn.Request(ctx, openapi.ApplicationAuthReq, req, openapi.ApplicationAuthRes, nil); err != nil {
		return fmt.Errorf("%w: can't authorize application", err)
	}
	return nil
}

func listAccounts(ctx context.Context, conn *openapi.Conn, token string) ([]openapi.CtidTraderAccount, error) {
	var res openapi.AccountListByToken
	if err := conn.Request(ctx, openapi.AccountListByTokenReq, openapi.AccountListByToken{AccessToken: token}, openapi.AccountListByTokenRes, &res); err != nil {
		return nil, fmt.Errorf("%w: can't list accounts", err)
	}
	return res.CtidTraderAccount, nil
}

// resolveAccount matches the configured identifier against both the ctid
// account id and the trader login.
func (m *Manager) resolveAccount(accounts []openapi.CtidTraderAccount) (openapi.CtidTraderAccount, error) {
	if len(accounts) == 0 {
		return openapi.CtidTraderAccount{}, fmt.Errorf("%w: token grants no trading accounts", openapi.ErrAuthenticationRequired)
	}

	want := m.cfg.AccountID
	for _, a := range accounts {
		if want != 0 && (a.CtidTraderAccountID == want || a.TraderLogin == want) {
			return a, nil
		}
	}

	if want != 0 {
		m.logger.Warnf("account %d not found among %d accounts, using %d", want, len(accounts), accounts[0].CtidTraderAccountID)
	}
	return accounts[0], nil
}

// watchTokens drops the session when the broker invalidates its token.
func (m *Manager) watchTokens(s *Session, events <-chan openapi.Message, cancel func()) {
	defer cancel()

	for {
		select {
		case <-s.Conn.Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			var ev openapi.TokenInvalidated
			if err := msg.Decode(&ev); err != nil {
				m.logger.Warnf("%s: can't decode token invalidation", err)
				continue
			}
			m.logger.Warnf("access token invalidated for accounts %v: %s", ev.CtidTraderAccountIDs, ev.Reason)
			m.tokens.Invalidate()
			_ = s.Conn.Close()
			return
		}
	}
}

// Accounts lists every trading account reachable by the current credential.
func (m *Manager) Accounts(ctx context.Context) ([]openapi.CtidTraderAccount, error) {
	token, err := m.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: can't get access token", err)
	}

	if s := m.Current(); s != nil {
		return listAccounts(ctx, s.Conn, token)
	}

	conn, err := m.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: can't open transport", err)
	}
	defer conn.Close()

	if err := m.authorizeApplication(ctx, conn); err != nil {
		return nil, err
	}
	return listAccounts(ctx, conn, token)
}
