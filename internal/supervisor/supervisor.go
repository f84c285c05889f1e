package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/broker/openapi"
	"github.com/STTM-NSU/trading-gateway/internal/broker/session"
	"github.com/STTM-NSU/trading-gateway/internal/config"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"golang.org/x/sync/errgroup"
)

var ErrTooManyReconnects = errors.New("reconnect limit reached")

type Sessions interface {
	Acquire(ctx context.Context) (*session.Session, error)
	Reconnect(ctx context.Context) (*session.Session, error)
	Disconnect()
}

type Catalog interface {
	Initialize(ctx context.Context, s *session.Session) error
}

type MarketData interface {
	Start(ctx context.Context, s *session.Session) error
	Stop()
}

type Account interface {
	Reconcile(ctx context.Context, s *session.Session) error
	Start(ctx context.Context, s *session.Session)
	Stop()
	RunResync(ctx context.Context, s *session.Session, interval time.Duration) error
}

// Supervisor keeps one broker session alive and the streams bound to it.
type Supervisor struct {
	cfg      config.SupervisorConfig
	sessions Sessions
	catalog  Catalog
	md       MarketData
	account  Account
	logger   logger.Logger

	sleep func(ctx context.Context, d time.Duration) error

	connected atomic.Bool
	accountID atomic.Int64
}

func New(cfg config.SupervisorConfig, sessions Sessions, catalog Catalog, md MarketData, account Account, l logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		sessions: sessions,
		catalog:  catalog,
		md:       md,
		account:  account,
		logger:   logger.Component(l, "supervisor"),
		sleep:    sleep,
	}
}

// Backoff is the delay before reconnect attempt number attempt (0-based):
// base doubled per attempt, capped at limit.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

func (s *Supervisor) Connected() bool {
	return s.connected.Load()
}

func (s *Supervisor) AccountID() int64 {
	return s.accountID.Load()
}

// Run connects and reconnects until ctx is done. It returns nil on shutdown
// and ErrTooManyReconnects once the configured number of consecutive
// failures is exceeded.
func (s *Supervisor) Run(ctx context.Context) error {
	var (
		attempt  int
		failures int
		first    = true
	)

	for {
		if ctx.Err() != nil {
			s.shutdown()
			return nil
		}

		sess, err := s.establish(ctx, first)
		first = false
		if err != nil {
			if ctx.Err() != nil {
				s.shutdown()
				return nil
			}

			if errors.Is(err, openapi.ErrAuthenticationRequired) {
				s.logger.Warnf("%s: waiting for authorization", err)
				if s.sleep(ctx, s.cfg.AuthPollInterval) != nil {
					s.shutdown()
					return nil
				}
				continue
			}

			failures++
			if s.cfg.MaxReconnects > 0 && failures > s.cfg.MaxReconnects {
				s.shutdown()
				return fmt.Errorf("%w: %d attempts: %w", ErrTooManyReconnects, s.cfg.MaxReconnects, err)
			}

			delay := Backoff(attempt, s.cfg.BackoffBase, s.cfg.BackoffMax)
			attempt++
			s.logger.Warnf("%s: connection failed, retrying in %s", err, delay)
			if s.sleep(ctx, delay) != nil {
				s.shutdown()
				return nil
			}
			continue
		}

		attempt, failures = 0, 0
		s.connected.Store(true)
		s.accountID.Store(sess.AccountID)
		s.logger.Infof("connected to account %d", sess.AccountID)

		err = s.serve(ctx, sess)

		s.connected.Store(false)
		s.md.Stop()
		s.account.Stop()

		if ctx.Err() != nil {
			s.sessions.Disconnect()
			return nil
		}
		s.logger.Warnf("%s: session lost, reconnecting", err)
	}
}

// establish runs the full connect sequence: session, reference data,
// reconciliation and then the streams.
func (s *Supervisor) establish(ctx context.Context, first bool) (*session.Session, error) {
	var (
		sess *session.Session
		err  error
	)
	if first {
		sess, err = s.sessions.Acquire(ctx)
	} else {
		sess, err = s.sessions.Reconnect(ctx)
	}
	if err != nil {
		return nil, err
	}

	if err := s.catalog.Initialize(ctx, sess); err != nil {
		return nil, fmt.Errorf("%w: can't load instruments", err)
	}
	if err := s.account.Reconcile(ctx, sess); err != nil {
		return nil, fmt.Errorf("%w: can't reconcile account", err)
	}
	if err := s.md.Start(ctx, sess); err != nil {
		return nil, fmt.Errorf("%w: can't start market data", err)
	}
	s.account.Start(ctx, sess)
	return sess, nil
}

// serve blocks while the session is alive, running the periodic resync.
func (s *Supervisor) serve(ctx context.Context, sess *session.Session) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.account.RunResync(gctx, sess, s.cfg.ResyncInterval)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-sess.Done():
			if err := sess.Conn.Err(); err != nil {
				return err
			}
			return openapi.ErrTransient
		}
	})

	return g.Wait()
}

func (s *Supervisor) shutdown() {
	s.connected.Store(false)
	s.md.Stop()
	s.account.Stop()
	s.sessions.Disconnect()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
