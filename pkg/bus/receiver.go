package bus

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/jonboulle/clockwork"

	"github.com/deliverybot/deploybot/pkg/event"
)

const (
	DefaultMaxAttempts = 5
	DefaultRetryWait   = 12 * time.Second
)

// Receiver hands events to a handler and, when handling fails,
// publishes the event again after a wait. The wait happens off the
// caller's goroutine, so a failing event never holds a worker. Once an
// event has failed MaxAttempts redeliveries it is dropped as a dead
// letter, logged with state=cancelled and counted.
type Receiver struct {
	Handler   Handler
	Publisher Publisher

	MaxAttempts int
	RetryWait   time.Duration
	Clock       clockwork.Clock
	Logger      log.Logger
	// Stop abandons redeliveries that are still waiting.
	Stop <-chan struct{}

	pending sync.WaitGroup
}

func (r *Receiver) Receive(ctx context.Context, e event.Event) error {
	logger := r.logger()
	logger = log.With(logger, "id", e.ID, "event", e.Key(), "attempts", e.Attempts)
	level.Info(logger).Log("msg", "received event", "state", "processing")

	err := r.Handler.Receive(ctx, e)
	if err == nil {
		return nil
	}

	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if e.Attempts >= maxAttempts {
		level.Error(logger).Log("msg", "max attempts hit", "state", "cancelled", "err", err)
		deadLetters.With(labelEvent, e.Name).Add(1)
		return nil
	}
	if ctx.Err() != nil {
		level.Error(logger).Log("msg", "retry abandoned", "state", "failed", "err", ctx.Err())
		return ctx.Err()
	}

	wait := r.RetryWait
	if wait <= 0 {
		wait = DefaultRetryWait
	}
	level.Warn(logger).Log("msg", "error, retrying", "state", "retry", "wait", wait, "err", err)
	r.pending.Add(1)
	go r.redeliver(ctx, logger, wait, e)
	return nil
}

func (r *Receiver) redeliver(ctx context.Context, logger log.Logger, wait time.Duration, e event.Event) {
	defer r.pending.Done()
	clock := r.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	select {
	case <-clock.After(wait):
	case <-ctx.Done():
		level.Error(logger).Log("msg", "retry abandoned", "state", "failed", "err", ctx.Err())
		return
	case <-r.Stop:
		level.Warn(logger).Log("msg", "retry abandoned", "state", "failed", "err", "shutting down")
		return
	}

	e.Attempts++
	redeliveries.With(labelEvent, e.Name).Add(1)
	if err := r.Publisher.Publish(ctx, e); err != nil {
		level.Error(logger).Log("msg", "retry failed", "state", "failed", "err", err)
	}
}

// Wait blocks until every scheduled redelivery has been published or
// abandoned.
func (r *Receiver) Wait() {
	r.pending.Wait()
}

func (r *Receiver) logger() log.Logger {
	if r.Logger == nil {
		return log.NewNopLogger()
	}
	return r.Logger
}
