package openapi

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/ratelimit"
)

// Socket is the frame transport under a Conn. *websocket.Conn satisfies it.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Options struct {
	Logger            logger.Logger
	RequestsPerSecond int // 0 disables pacing
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
}

const _requestTimeoutDefault = 30 * time.Second

// Conn multiplexes requests, responses and events over one socket. A single
// dispatcher goroutine reads frames and routes them to waiters and subscriptions.
type Conn struct {
	sock    Socket
	logger  logger.Logger
	limiter ratelimit.Limiter
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	seq     uint64
	waiters map[uint64]*Waiter
	subs    map[uint64]*subscription

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

type subscription struct {
	types []PayloadType
	ch    chan Message
	stop  chan struct{}
}

// Waiter resolves with the first inbound message accepted by its match function.
type Waiter struct {
	c     *Conn
	id    uint64
	match func(Message) bool
	ch    chan Message
}

func (w *Waiter) C() <-chan Message {
	return w.ch
}

// Cancel removes the waiter if it has not resolved yet.
func (w *Waiter) Cancel() {
	w.c.mu.Lock()
	delete(w.c.waiters, w.id)
	w.c.mu.Unlock()
}

// Dial opens a websocket to address and starts the dispatcher.
func Dial(ctx context.Context, address string, opts Options) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: can't dial %s: %w", ErrTransient, address, err)
	}
	return NewConn(ws, opts), nil
}

func NewConn(sock Socket, opts Options) *Conn {
	c := &Conn{
		sock:    sock,
		logger:  opts.Logger,
		limiter: ratelimit.NewUnlimited(),
		timeout: opts.RequestTimeout,
		waiters: make(map[uint64]*Waiter),
		subs:    make(map[uint64]*subscription),
		done:    make(chan struct{}),
	}
	if c.logger == nil {
		c.logger = logger.NewNop()
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = ratelimit.New(opts.RequestsPerSecond)
	}
	if c.timeout <= 0 {
		c.timeout = _requestTimeoutDefault
	}

	go c.readLoop()
	if opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop(opts.HeartbeatInterval)
	}

	return c
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection closed, nil while it is open.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) Close() error {
	c.closeWithError(ErrClosed)
	return nil
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		if cerr := c.sock.Close(); cerr != nil {
			c.logger.Debugf("%s: can't close socket", cerr)
		}
	})
}

// Await registers a waiter before anything is sent so that a fast response
// can't slip past it.
func (c *Conn) Await(match func(Message) bool) *Waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	w := &Waiter{c: c, id: c.seq, match: match, ch: make(chan Message, 1)}
	c.waiters[w.id] = w
	return w
}

// Subscribe delivers every inbound message of the given types until the
// returned cancel func is called. The channel is closed when the connection ends.
func (c *Conn) Subscribe(buffer int, types ...PayloadType) (<-chan Message, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	id := c.seq
	s := &subscription{types: types, ch: make(chan Message, buffer), stop: make(chan struct{})}
	c.subs[id] = s

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(s.stop)
		})
	}
	return s.ch, cancel
}

// Send writes a request with a fresh client message id and returns that id.
func (c *Conn) Send(ctx context.Context, pt PayloadType, payload any) (string, error) {
	id := uuid.NewString()
	return id, c.SendWithID(ctx, id, pt, payload)
}

func (c *Conn) SendWithID(ctx context.Context, id string, pt PayloadType, payload any) error {
	msg, err := NewMessage(id, pt, payload)
	if err != nil {
		return err
	}

	c.limiter.Take()
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(msg)
}

func (c *Conn) write(msg Message) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: can't encode message", err)
	}

	select {
	case <-c.done:
		return c.err
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
		c.closeWithError(fmt.Errorf("%w: %w", ErrTransient, err))
		return fmt.Errorf("%w: can't write message %d: %w", ErrTransient, msg.PayloadType, err)
	}
	return nil
}

// Request sends req and waits for the response correlated by client message id.
// A broker error response is returned as *BrokerError. Without a deadline on
// ctx the connection request timeout applies.
func (c *Conn) Request(ctx context.Context, reqType PayloadType, req any, resType PayloadType, resp any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := uuid.NewString()
	w := c.Await(func(m Message) bool {
		return m.ClientMsgID == id && (m.PayloadType == resType || m.PayloadType == ErrorRes || m.PayloadType == OrderErrorEvent)
	})
	defer w.Cancel()

	if err := c.SendWithID(ctx, id, reqType, req); err != nil {
		return err
	}

	select {
	case msg := <-w.C():
		if berr, ok := AsBrokerError(msg); ok {
			return berr
		}
		if resp == nil {
			return nil
		}
		return msg.Decode(resp)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: awaiting %d", ErrRequestTimeout, resType)
		}
		return ctx.Err()
	case <-c.done:
		return c.err
	}
}

func (c *Conn) readLoop() {
	defer c.closeSubscriptions()

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warnf("%s: connection read failed", err)
			}
			c.closeWithError(fmt.Errorf("%w: %w", ErrTransient, err))
			return
		}

		var msg Message
		if err := sonic.Unmarshal(data, &msg); err != nil {
			c.logger.Warnf("%s: can't decode frame", err)
			continue
		}

		switch msg.PayloadType {
		case HeartbeatEvent:
			continue
		case ClientDisconnectEvent:
			var ev ClientDisconnect
			_ = msg.Decode(&ev)
			c.logger.Warnf("broker closed the connection: %s", ev.Reason)
			c.closeWithError(fmt.Errorf("%w: disconnected by broker: %s", ErrTransient, ev.Reason))
			return
		}

		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg Message) {
	c.mu.Lock()
	for id, w := range c.waiters {
		if w.match(msg) {
			delete(c.waiters, id)
			w.ch <- msg
		}
	}
	targets := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		if slices.Contains(s.types, msg.PayloadType) {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- msg:
		case <-s.stop:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) closeSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.subs {
		close(s.ch)
		delete(c.subs, id)
	}
}

func (c *Conn) heartbeatLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.write(Message{PayloadType: HeartbeatEvent}); err != nil {
				c.logger.Debugf("%s: can't send heartbeat", err)
				return
			}
		}
	}
}
