package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/broker/openapi"
	"github.com/STTM-NSU/trading-gateway/internal/broker/session"
	"github.com/google/uuid"
)

// executionMatch accepts the execution event that completes a request sent
// with client message id id.
type executionMatch func(id string, m openapi.Message, ev openapi.Execution) bool

// roundTrip sends one trading request and waits for its outcome. The waiter
// is registered before the request leaves.
func (g *Gateway) roundTrip(
	ctx context.Context,
	sess *session.Session,
	pt openapi.PayloadType,
	payload any,
	match executionMatch,
	matchError func(openapi.OrderError) bool) (openapi.Execution, error) {
	conn := sess.Conn
	id := uuid.NewString()

	// One waiter for both shapes so the first of them to arrive wins.
	w := conn.Await(func(m openapi.Message) bool {
		switch m.PayloadType {
		case openapi.ExecutionEvent:
			var ev openapi.Execution
			if err := m.Decode(&ev); err != nil {
				return false
			}
			return match(id, m, ev)
		case openapi.ErrorRes:
			return m.ClientMsgID == id
		case openapi.OrderErrorEvent:
			if m.ClientMsgID == id {
				return true
			}
			var ev openapi.OrderError
			if err := m.Decode(&ev); err != nil {
				return false
			}
			return matchError(ev)
		}
		return false
	})
	defer w.Cancel()

	if err := conn.SendWithID(ctx, id, pt, payload); err != nil {
		return openapi.Execution{}, err
	}

	msg, err := awaitOutcome(ctx, conn, w, g.timeout)
	if err != nil {
		return openapi.Execution{}, err
	}
	var ev openapi.Execution
	if err := msg.Decode(&ev); err != nil {
		return ev, err
	}
	return ev, nil
}

// awaitOutcome races the execution event, an explicit broker error and a
// timeout. The error comes back as *openapi.BrokerError.
func awaitOutcome(ctx context.Context, conn *openapi.Conn, w *openapi.Waiter, timeout time.Duration) (openapi.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-w.C():
		if berr, ok := openapi.AsBrokerError(msg); ok {
			return msg, berr
		}
		if msg.PayloadType != openapi.ExecutionEvent {
			return msg, fmt.Errorf("unexpected response %d", msg.PayloadType)
		}
		return msg, nil
	case <-timer.C:
		return openapi.Message{}, fmt.Errorf("%w: no outcome after %s", openapi.ErrRequestTimeout, timeout)
	case <-ctx.Done():
		return openapi.Message{}, ctx.Err()
	case <-conn.Done():
		return openapi.Message{}, conn.Err()
	}
}
