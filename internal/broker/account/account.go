package account

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/broker/openapi"
	"github.com/STTM-NSU/trading-gateway/internal/broker/session"
	"github.com/STTM-NSU/trading-gateway/internal/config"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/STTM-NSU/trading-gateway/internal/notify"
	"github.com/STTM-NSU/trading-gateway/internal/portfolio"
	"github.com/STTM-NSU/trading-gateway/internal/store"
)

type Catalog interface {
	Name(id int64) (string, bool)
	Resolve(name string) (int64, bool)
	ContractSizeByID(id int64) float64
	ContractSizeByName(name string) float64
	AssetName(id int64) string
}

// Ticks is the internal price feed.
type Ticks interface {
	Listen(buffer int) (<-chan model.PriceTick, func())
}

// Subscriber keeps quotes flowing for instruments with open positions.
type Subscriber interface {
	Subscribe(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error
}

// Closer liquidates a position on stop-out.
type Closer interface {
	Close(ctx context.Context, positionID int64) model.OrderResult
}

// Stream applies the broker execution feed to the local ledger and store and
// watches margin on every price tick.
type Stream struct {
	cfg       config.AccountConfig
	store     store.Store
	catalog   Catalog
	portfolio *portfolio.Portfolio
	ticks      Ticks
	subscriber Subscriber
	closer     Closer
	publisher notify.Publisher
	logger    logger.Logger
	now       func() time.Time

	subMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	moneyDigits atomic.Int32

	pnlMu   sync.Mutex
	lastPnL map[int64]time.Time

	evalMu        sync.Mutex
	lastEval      time.Time
	lastWarning   time.Time
	stopOutActive atomic.Bool
}

func NewStream(
	cfg config.AccountConfig,
	st store.Store,
	catalog Catalog,
	p *portfolio.Portfolio,
	ticks Ticks,
	subscriber Subscriber,
	closer Closer,
	publisher notify.Publisher,
	l logger.Logger) *Stream {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	s := &Stream{
		cfg:       cfg,
		store:     st,
		catalog:   catalog,
		portfolio: p,
		ticks:      ticks,
		subscriber: subscriber,
		closer:     closer,
		publisher: publisher,
		logger:    logger.Component(l, "account"),
		now:       time.Now,
		lastPnL:   make(map[int64]time.Time),
	}
	s.moneyDigits.Store(2)
	return s
}

// Start consumes execution and trader events of sess together with price ticks.
func (s *Stream) Start(ctx context.Context, sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	events, unsubscribe := sess.Conn.Subscribe(1024, openapi.ExecutionEvent, openapi.TraderUpdatedEvent)
	var (
		ticks     <-chan model.PriceTick
		stopTicks = func() {}
	)
	if s.ticks != nil {
		ticks, stopTicks = s.ticks.Listen(1024)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go func() {
		defer close(done)
		defer stopTicks()
		defer unsubscribe()
		s.loop(loopCtx, sess, events, ticks)
	}()
}

// Stop ends the event loop. It is safe to call repeatedly.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Stream) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
}

func (s *Stream) loop(ctx context.Context, sess *session.Session, events <-chan openapi.Message, ticks <-chan model.PriceTick) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			s.handleMessage(ctx, sess, msg)
		case tick, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			s.OnTick(ctx, tick)
		}
	}
}

func (s *Stream) handleMessage(ctx context.Context, sess *session.Session, msg openapi.Message) {
	switch msg.PayloadType {
	case openapi.ExecutionEvent:
		var ev openapi.Execution
		if err := msg.Decode(&ev); err != nil {
			s.logger.Warnf("%s: can't decode execution", err)
			return
		}
		if ev.CtidTraderAccountID != 0 && ev.CtidTraderAccountID != sess.AccountID {
			return
		}
		s.HandleExecution(ctx, sess.AccountID, ev)
	case openapi.TraderUpdatedEvent:
		var ev openapi.TraderInfo
		if err := msg.Decode(&ev); err != nil {
			s.logger.Warnf("%s: can't decode trader update", err)
			return
		}
		s.applyTrader(ctx, ev.Trader)
	}
}

func (s *Stream) digits(d int) int {
	if d > 0 {
		return d
	}
	return int(s.moneyDigits.Load())
}
