package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/config"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"resty.dev/v3"
)

const (
	_eventsURL    = "/events"
	_approvalsURL = "/approvals"
)

type webhookError struct {
	Message string `json:"message"`
}

// Webhook posts events to an external HTTP collaborator from a bounded queue.
type Webhook struct {
	c      *resty.Client
	logger logger.Logger

	queue chan Event
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func NewWebhook(cfg config.NotifyConfig, l logger.Logger) *Webhook {
	l = logger.Component(l, "webhook")
	client := resty.New().
		SetLogger(l).
		SetBaseURL(cfg.WebhookURL).
		SetTimeout(cfg.Timeout)

	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}

	w := &Webhook{
		c:      client,
		logger: l,
		queue:  make(chan Event, size),
		stop:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *Webhook) Publish(e Event) {
	select {
	case <-w.stop:
		return
	default:
	}
	select {
	case w.queue <- e:
	default:
		w.logger.Debugf("webhook queue full, dropping %s event", e.Topic)
	}
}

func (w *Webhook) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case e := <-w.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := w.post(ctx, _eventsURL, e); err != nil {
				w.logger.Warnf("%s: can't deliver %s event", err, e.Topic)
			}
			cancel()
		}
	}
}

// RequestApproval delivers the prepared order synchronously so the caller
// learns whether anybody was asked.
func (w *Webhook) RequestApproval(ctx context.Context, o model.PreparedOrder) error {
	return w.post(ctx, _approvalsURL, o)
}

func (w *Webhook) post(ctx context.Context, path string, body any) error {
	resp, err := w.c.R().
		SetBody(body).
		SetError(&webhookError{}).
		SetContext(ctx).
		Post(path)
	if err != nil {
		return fmt.Errorf("%w: can't send request", err)
	}
	defer resp.Body.Close()

	w.logger.Debugf("got response %s status: %s, %s", resp.Request.URL, resp.Status(), resp.Duration())

	if resp.IsError() {
		if e, ok := resp.Error().(*webhookError); ok && e.Message != "" {
			return fmt.Errorf("%s: webhook request error", e.Message)
		}
		return fmt.Errorf("webhook unexpected request error: %s", resp.Status())
	}
	return nil
}

// Close stops the delivery loop; queued events are dropped.
func (w *Webhook) Close() error {
	w.once.Do(func() {
		close(w.stop)
		w.wg.Wait()
	})
	return w.c.Close()
}
