package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/deliverybot/deploybot/pkg/event"
)

const (
	DefaultSubject = "deploybot.events"
	// Subscribers share the subject as a queue group, so each event is
	// handled by one deploybot process.
	queueGroup = "deploybot"
)

// NATS publishes events as JSON to a subject, and delivers events
// from it to a handler.
type NATS struct {
	conn    *nats.Conn
	subject string
	logger  log.Logger

	sub      *nats.Subscription
	inflight sync.WaitGroup
}

func NewNATS(url, subject string, logger log.Logger) (*NATS, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	conn, err := nats.Connect(url, nats.MaxReconnects(-1), nats.Name("deploybot"))
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to nats at %s", url)
	}
	return &NATS{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}, nil
}

func (n *NATS) Publish(ctx context.Context, e event.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return errors.Wrapf(n.conn.Publish(n.subject, b), "publishing %s", e.ID)
}

// Subscribe delivers events from the subject to h. Each message is
// handled on its own goroutine, since NATS calls back serially.
func (n *NATS) Subscribe(h Handler) error {
	sub, err := n.conn.QueueSubscribe(n.subject, queueGroup, func(msg *nats.Msg) {
		n.inflight.Add(1)
		go func() {
			defer n.inflight.Done()
			n.handle(h, msg)
		}()
	})
	if err != nil {
		return errors.Wrapf(err, "subscribing to %s", n.subject)
	}
	n.sub = sub
	return nil
}

func (n *NATS) handle(h Handler, msg *nats.Msg) {
	var e event.Event
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		level.Error(n.logger).Log("msg", "dropping undecodable message", "subject", msg.Subject, "err", err)
		return
	}
	if err := h.Receive(context.Background(), e); err != nil {
		level.Error(n.logger).Log("msg", "handling event", "id", e.ID, "event", e.Key(), "err", err)
	}
}

// Close stops receiving, waits for in-flight events and disconnects.
func (n *NATS) Close() error {
	if n.sub != nil {
		if err := n.sub.Unsubscribe(); err != nil {
			level.Warn(n.logger).Log("msg", "unsubscribing", "err", err)
		}
	}
	n.inflight.Wait()
	n.conn.Close()
	return nil
}
