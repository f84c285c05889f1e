package md

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/broker/instrument"
	"github.com/STTM-NSU/trading-gateway/internal/broker/openapi"
	"github.com/STTM-NSU/trading-gateway/internal/broker/session"
	"github.com/STTM-NSU/trading-gateway/internal/config"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/STTM-NSU/trading-gateway/internal/notify"
	"github.com/STTM-NSU/trading-gateway/internal/tools"
)

type Resolver interface {
	Resolve(name string) (int64, bool)
	Name(id int64) (string, bool)
	DigitsByID(id int64) int
}

// Stream keeps the last price and a bounded tick history per subscribed instrument.
type Stream struct {
	cfg       config.MarketDataConfig
	symbols   Resolver
	publisher notify.Publisher
	logger    logger.Logger

	mu         sync.Mutex
	subscribed map[string]struct{} // canonical instrument names
	session    *session.Session
	cancel     context.CancelFunc
	done       chan struct{}

	books sync.Map // upper-case name -> *priceBook

	lmu       sync.RWMutex
	lseq      uint64
	listeners map[uint64]chan model.PriceTick
}

func NewStream(cfg config.MarketDataConfig, symbols Resolver, publisher notify.Publisher, l logger.Logger) *Stream {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &Stream{
		cfg:        cfg,
		symbols:    symbols,
		publisher:  publisher,
		logger:     logger.Component(l, "market-data"),
		subscribed: make(map[string]struct{}),
		listeners:  make(map[uint64]chan model.PriceTick),
	}
}

func (s *Stream) canonical(name string) (string, int64, error) {
	id, ok := s.symbols.Resolve(name)
	if !ok {
		return "", 0, fmt.Errorf("%w: %s", instrument.NotFoundError, name)
	}
	canonical, ok := s.symbols.Name(id)
	if !ok {
		canonical = strings.ToUpper(name)
	}
	return canonical, id, nil
}

// Subscribe adds name to the subscribed set. Subscribing twice is a no-op.
func (s *Stream) Subscribe(ctx context.Context, name string) error {
	canonical, id, err := s.canonical(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscribed[canonical]; ok {
		return nil
	}

	if s.session.Alive() {
		req := openapi.SpotSubscription{CtidTraderAccountID: s.session.AccountID, SymbolID: []int64{id}}
		if err := s.session.Conn.Request(ctx, openapi.SubscribeSpotsReq, req, openapi.SubscribeSpotsRes, nil); err != nil {
			return fmt.Errorf("%w: can't subscribe to %s", err, canonical)
		}
	}

	s.subscribed[canonical] = struct{}{}
	s.logger.Infof("subscribed to %s", canonical)
	return nil
}

// Unsubscribe removes name; only an actual removal reaches the broker.
func (s *Stream) Unsubscribe(ctx context.Context, name string) error {
	canonical, id, err := s.canonical(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscribed[canonical]; !ok {
		return nil
	}

	if s.session.Alive() {
		req := openapi.SpotSubscription{CtidTraderAccountID: s.session.AccountID, SymbolID: []int64{id}}
		if err := s.session.Conn.Request(ctx, openapi.UnsubscribeSpotsReq, req, openapi.UnsubscribeSpotsRes, nil); err != nil {
			return fmt.Errorf("%w: can't unsubscribe from %s", err, canonical)
		}
	}

	delete(s.subscribed, canonical)
	s.logger.Infof("unsubscribed from %s", canonical)
	return nil
}

// Release unsubscribes name unless it is on the configured watchlist.
func (s *Stream) Release(ctx context.Context, name string) error {
	canonical, _, err := s.canonical(name)
	if err != nil {
		return err
	}
	if s.watched(canonical) {
		return nil
	}
	return s.Unsubscribe(ctx, canonical)
}

func (s *Stream) watched(name string) bool {
	for _, w := range s.cfg.Symbols {
		if strings.EqualFold(strings.TrimSpace(w), name) {
			return true
		}
	}
	return false
}

func (s *Stream) Subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.subscribed))
	for name := range s.subscribed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start consumes spot events of sess and subscribes the watchlist together
// with every instrument already held.
func (s *Stream) Start(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	msgs, unsubscribe := sess.Conn.Subscribe(1024, openapi.SpotEvent)
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.session, s.cancel, s.done = sess, cancel, done

	go func() {
		defer close(done)
		defer unsubscribe()
		s.loop(loopCtx, msgs)
	}()

	for _, name := range s.cfg.Symbols {
		canonical, _, err := s.canonical(name)
		if err != nil {
			s.logger.Warnf("%s: can't watch configured symbol", err)
			continue
		}
		s.subscribed[canonical] = struct{}{}
	}

	if len(s.subscribed) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(s.subscribed))
	for name := range s.subscribed {
		id, ok := s.symbols.Resolve(name)
		if !ok {
			s.logger.Warnf("%s vanished from the catalog, dropping subscription", name)
			delete(s.subscribed, name)
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}

	req := openapi.SpotSubscription{CtidTraderAccountID: sess.AccountID, SymbolID: ids}
	if err := sess.Conn.Request(ctx, openapi.SubscribeSpotsReq, req, openapi.SubscribeSpotsRes, nil); err != nil {
		return fmt.Errorf("%w: can't resubscribe %d instruments", err, len(ids))
	}
	s.logger.Infof("resubscribed to %d instruments", len(ids))
	return nil
}

// Stop ends the event loop. It is safe to call repeatedly.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.session = nil
}

func (s *Stream) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
}

func (s *Stream) loop(ctx context.Context, msgs <-chan openapi.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var spot openapi.Spot
			if err := msg.Decode(&spot); err != nil {
				s.logger.Warnf("%s: can't decode spot", err)
				continue
			}
			s.handleSpot(spot)
		}
	}
}

func (s *Stream) handleSpot(spot openapi.Spot) {
	if spot.Bid <= 0 {
		return
	}
	name, ok := s.symbols.Name(spot.SymbolID)
	if !ok {
		s.logger.Debugf("spot for unknown symbol %d", spot.SymbolID)
		return
	}

	digits := s.symbols.DigitsByID(spot.SymbolID)
	ts := tools.TimeFromMillis(spot.Timestamp)
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	tick := model.PriceTick{
		Instrument: name,
		Bid:        tools.PriceFromRelative(spot.Bid, digits),
		Timestamp:  ts,
	}
	if spot.Ask > 0 {
		tick.Ask = tools.PriceFromRelative(spot.Ask, digits)
	}

	tick = s.book(name).update(tick)
	s.fanout(tick)
	s.publisher.Publish(notify.NewEvent(notify.PriceUpdate, name, tick))
}

func (s *Stream) book(name string) *priceBook {
	key := strings.ToUpper(name)
	if v, ok := s.books.Load(key); ok {
		return v.(*priceBook)
	}
	v, _ := s.books.LoadOrStore(key, newPriceBook(s.cfg.HistorySize))
	return v.(*priceBook)
}

// CurrentPrice returns the last bid/ask pair, if one was ever observed.
func (s *Stream) CurrentPrice(name string) (model.PriceTick, bool) {
	v, ok := s.books.Load(strings.ToUpper(strings.TrimSpace(name)))
	if !ok {
		return model.PriceTick{}, false
	}
	return v.(*priceBook).last()
}

// History returns up to the configured number of recent ticks, oldest first.
func (s *Stream) History(name string) []model.PriceTick {
	v, ok := s.books.Load(strings.ToUpper(strings.TrimSpace(name)))
	if !ok {
		return nil
	}
	return v.(*priceBook).snapshot()
}

// Listen registers an internal tick listener. Slow listeners miss ticks.
func (s *Stream) Listen(buffer int) (<-chan model.PriceTick, func()) {
	s.lmu.Lock()
	defer s.lmu.Unlock()

	s.lseq++
	id := s.lseq
	ch := make(chan model.PriceTick, buffer)
	s.listeners[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.lmu.Lock()
			defer s.lmu.Unlock()
			delete(s.listeners, id)
			close(ch)
		})
	}
}

func (s *Stream) fanout(tick model.PriceTick) {
	s.lmu.RLock()
	defer s.lmu.RUnlock()
	for _, ch := range s.listeners {
		select {
		case ch <- tick:
		default:
		}
	}
}
