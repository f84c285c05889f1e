package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/broker/openapi"
	"github.com/STTM-NSU/trading-gateway/internal/config"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/STTM-NSU/trading-gateway/internal/store"
	"resty.dev/v3"
)

type TokenStore interface {
	LoadToken(ctx context.Context) (model.Token, error)
	SaveToken(ctx context.Context, t model.Token) error
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	ErrorCode    string `json:"errorCode"`
	Description  string `json:"description"`
}

// Tokens hands out the stored access token and renews it with the refresh
// grant once it expires or the broker invalidates it.
type Tokens struct {
	cfg    config.BrokerConfig
	store  TokenStore
	c      *resty.Client
	logger logger.Logger
	now    func() time.Time

	mu      sync.Mutex
	current *model.Token
	invalid bool
}

func NewTokens(cfg config.BrokerConfig, store TokenStore, l logger.Logger) *Tokens {
	return &Tokens{
		cfg:    cfg,
		store:  store,
		c:      resty.New().SetLogger(l).SetTimeout(cfg.RequestTimeout),
		logger: l,
		now:    time.Now,
	}
}

func (t *Tokens) AccessToken(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		tok, err := t.store.LoadToken(ctx)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", fmt.Errorf("%w: no stored token", openapi.ErrAuthenticationRequired)
			}
			return "", fmt.Errorf("%w: can't load token", err)
		}
		t.current = &tok
	}

	if t.invalid || t.current.AccessToken == "" || t.current.Expired(t.now()) {
		tok, err := t.refresh(ctx, *t.current)
		if err != nil {
			return "", err
		}
		t.current = &tok
		t.invalid = false
	}

	return t.current.AccessToken, nil
}

// Invalidate forces a refresh on the next AccessToken call.
func (t *Tokens) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.invalid = true
}

func (t *Tokens) refresh(ctx context.Context, old model.Token) (model.Token, error) {
	if old.RefreshToken == "" {
		return model.Token{}, fmt.Errorf("%w: no refresh token", openapi.ErrAuthenticationRequired)
	}

	tok, err := t.grant(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": old.RefreshToken,
	})
	if err != nil {
		return model.Token{}, fmt.Errorf("%w: refresh", err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = old.RefreshToken
	}

	if err := t.store.SaveToken(ctx, tok); err != nil {
		t.logger.Warnf("%s: can't save refreshed token", err)
	}
	t.logger.Infof("access token refreshed, expires at %s", tok.ExpiresAt)

	return tok, nil
}

// Exchange trades an authorization code from the consent redirect for a
// token pair and makes it current.
func (t *Tokens) Exchange(ctx context.Context, code string) error {
	if code == "" {
		return fmt.Errorf("%w: empty authorization code", openapi.ErrAuthenticationRequired)
	}

	tok, err := t.grant(ctx, map[string]string{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": t.cfg.RedirectURL,
	})
	if err != nil {
		return fmt.Errorf("%w: code exchange", err)
	}
	if err := t.store.SaveToken(ctx, tok); err != nil {
		return fmt.Errorf("%w: can't save token", err)
	}

	t.mu.Lock()
	t.current = &tok
	t.invalid = false
	t.mu.Unlock()

	t.logger.Infof("authorization granted, token expires at %s", tok.ExpiresAt)
	return nil
}

func (t *Tokens) grant(ctx context.Context, params map[string]string) (model.Token, error) {
	params["client_id"] = t.cfg.ClientID
	params["client_secret"] = t.cfg.ClientSecret

	resp, err := t.c.R().
		SetQueryParams(params).
		SetResult(&tokenResponse{}).
		SetError(&tokenResponse{}).
		SetContext(ctx).
		Get(t.cfg.TokenURL)
	if err != nil {
		return model.Token{}, fmt.Errorf("%w: can't send token request: %w", openapi.ErrTransient, err)
	}
	defer resp.Body.Close()

	t.logger.Debugf("got response %s status: %s, %s", resp.Request.URL, resp.Status(), resp.Duration())

	if resp.IsError() {
		body := resp.Error().(*tokenResponse)
		return model.Token{}, fmt.Errorf("%w: rejected: %s %s", openapi.ErrAuthenticationRequired, body.ErrorCode, body.Description)
	}

	body := resp.Result().(*tokenResponse)
	if body.ErrorCode != "" || body.AccessToken == "" {
		return model.Token{}, fmt.Errorf("%w: rejected: %s %s", openapi.ErrAuthenticationRequired, body.ErrorCode, body.Description)
	}

	tok := model.Token{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
	}
	if body.ExpiresIn > 0 {
		tok.ExpiresAt = t.now().Add(time.Duration(body.ExpiresIn) * time.Second)
	}
	return tok, nil
}

// AuthURL is where a human grants the application access to trading accounts.
func AuthURL(cfg config.BrokerConfig) string {
	q := url.Values{}
	q.Set("client_id", cfg.ClientID)
	q.Set("redirect_uri", cfg.RedirectURL)
	q.Set("scope", "trading")
	return cfg.AuthURL + "?" + q.Encode()
}
