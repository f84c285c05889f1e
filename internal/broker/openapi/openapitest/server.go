// Package openapitest provides an in-memory broker endpoint for tests.
package openapitest

import (
	"context"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/broker/openapi"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// Handler reacts to a request received by the server.
type Handler func(s *Server, req openapi.Message)

type Server struct {
	mu       sync.Mutex
	handlers map[openapi.PayloadType]Handler
	received []openapi.Message
	current  *link
	dials    int
	dialErr  error
	rps      int
}

type link struct {
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func (l *link) close() {
	l.once.Do(func() { close(l.closed) })
}

func NewServer() *Server {
	return &Server{handlers: make(map[openapi.PayloadType]Handler)}
}

// Handle installs h for requests of type pt, replacing any previous handler.
func (s *Server) Handle(pt openapi.PayloadType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[pt] = h
}

// FailDials makes subsequent Dial calls fail with err until reset with nil.
func (s *Server) FailDials(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErr = err
}

// PaceRequests makes connections dialed afterwards send at most rps messages per second.
func (s *Server) PaceRequests(rps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rps = rps
}

func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Dial opens a new client connection to the server. The previous one, if any, is dropped.
func (s *Server) Dial(_ context.Context) (*openapi.Conn, error) {
	s.mu.Lock()
	s.dials++
	if s.dialErr != nil {
		err := s.dialErr
		s.mu.Unlock()
		return nil, err
	}
	if s.current != nil {
		s.current.close()
	}
	l := &link{out: make(chan []byte, 1024), closed: make(chan struct{})}
	s.current = l
	rps := s.rps
	s.mu.Unlock()

	return openapi.NewConn(&socket{s: s, l: l}, openapi.Options{
		Logger:            logger.NewNop(),
		RequestTimeout:    2 * time.Second,
		RequestsPerSecond: rps,
	}), nil
}

// Drop closes the live connection as if the network went away.
func (s *Server) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.close()
	}
}

// Reply answers req with the given payload, echoing its client message id.
func (s *Server) Reply(req openapi.Message, pt openapi.PayloadType, payload any) {
	s.send(req.ClientMsgID, pt, payload)
}

// Fail answers req with an error response.
func (s *Server) Fail(req openapi.Message, code, description string) {
	s.Reply(req, openapi.ErrorRes, openapi.ErrorResponse{ErrorCode: code, Description: description})
}

// Push emits an unsolicited event.
func (s *Server) Push(pt openapi.PayloadType, payload any) {
	s.send("", pt, payload)
}

func (s *Server) send(id string, pt openapi.PayloadType, payload any) {
	msg, err := openapi.NewMessage(id, pt, payload)
	if err != nil {
		panic(err)
	}
	data, err := sonic.Marshal(msg)
	if err != nil {
		panic(err)
	}

	s.mu.Lock()
	l := s.current
	s.mu.Unlock()
	if l == nil {
		return
	}
	select {
	case l.out <- data:
	case <-l.closed:
	}
}

// Received returns the requests seen so far, optionally filtered by type.
func (s *Server) Received(types ...openapi.PayloadType) []openapi.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(types) == 0 {
		return slices.Clone(s.received)
	}
	var out []openapi.Message
	for _, m := range s.received {
		if slices.Contains(types, m.PayloadType) {
			out = append(out, m)
		}
	}
	return out
}

func (s *Server) receive(l *link, data []byte) error {
	var msg openapi.Message
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return err
	}
	if msg.PayloadType == openapi.HeartbeatEvent {
		return nil
	}

	s.mu.Lock()
	if s.current != l {
		s.mu.Unlock()
		return io.ErrClosedPipe
	}
	s.received = append(s.received, msg)
	h := s.handlers[msg.PayloadType]
	s.mu.Unlock()

	if h != nil {
		go h(s, msg)
	}
	return nil
}

type socket struct {
	s *Server
	l *link
}

func (c *socket) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.l.out:
		return websocket.TextMessage, data, nil
	case <-c.l.closed:
		return 0, nil, io.EOF
	}
}

func (c *socket) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.l.closed:
		return io.ErrClosedPipe
	default:
	}
	return c.s.receive(c.l, data)
}

func (c *socket) Close() error {
	c.l.close()
	return nil
}
