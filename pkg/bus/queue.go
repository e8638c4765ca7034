package bus

import (
	"context"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/deliverybot/deploybot/pkg/event"
)

// ErrStopped is returned when publishing to a stopped queue.
var ErrStopped = errors.New("event queue stopped")

// Queue is an unbounded queue of events; enqueuing an event will always
// proceed, while dequeuing is done by receiving from a channel.
type Queue struct {
	stop        <-chan struct{}
	ready       chan event.Event
	incoming    chan event.Event
	waiting     []event.Event
	waitingLock sync.Mutex
	sync        chan struct{}
}

func NewQueue(stop <-chan struct{}, wg *sync.WaitGroup) *Queue {
	q := &Queue{
		stop:     stop,
		ready:    make(chan event.Event),
		incoming: make(chan event.Event),
		waiting:  make([]event.Event, 0),
		sync:     make(chan struct{}),
	}
	wg.Add(1)
	go q.loop(stop, wg)
	return q
}

// This is not guaranteed to be up-to-date; i.e., it is possible to
// receive from `q.Ready()` or enqueue an item, then see the same
// length as before, temporarily.
func (q *Queue) Len() int {
	q.waitingLock.Lock()
	defer q.waitingLock.Unlock()
	return len(q.waiting)
}

// Enqueue puts an event onto the queue. It will block until the queue's
// loop can accept it; but this does _not_ depend on an event being
// dequeued and will always proceed eventually. Once the queue is
// stopped it returns ErrStopped instead.
func (q *Queue) Enqueue(e event.Event) error {
	select {
	case q.incoming <- e:
		return nil
	case <-q.stop:
		return ErrStopped
	}
}

// Ready returns a channel that can be used to dequeue events.
func (q *Queue) Ready() <-chan event.Event {
	return q.ready
}

// Block until any previous operations have completed. This is only
// meaningful when the queue is used from a single other goroutine, so
// it is really only useful for testing.
func (q *Queue) Sync() {
	q.sync <- struct{}{}
}

func (q *Queue) loop(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		var out chan event.Event = nil
		var next event.Event
		if len(q.waiting) > 0 {
			out = q.ready
			next = q.waiting[0]
		}

		select {
		case <-stop:
			return
		case <-q.sync:
			continue
		case in := <-q.incoming:
			q.waitingLock.Lock()
			q.waiting = append(q.waiting, in)
			q.waitingLock.Unlock()
		case out <- next: // cannot proceed if out is nil
			q.waitingLock.Lock()
			q.waiting = q.waiting[1:]
			q.waitingLock.Unlock()
		}
	}
}

// Local delivers events in-process: Publish enqueues, and a fixed
// number of workers take events off the queue and hand them to the
// subscribed handler.
type Local struct {
	queue  *Queue
	logger log.Logger

	mu      sync.RWMutex
	handler Handler
}

// NewLocal starts workers goroutines. They, and the queue, stop when
// stop is closed; wg is done once they have.
func NewLocal(workers int, logger log.Logger, stop <-chan struct{}, wg *sync.WaitGroup) *Local {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	l := &Local{
		queue:  NewQueue(stop, wg),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go l.work(stop, wg)
	}
	return l
}

func (l *Local) Subscribe(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

func (l *Local) Publish(ctx context.Context, e event.Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := l.queue.Enqueue(e); err != nil {
		return err
	}
	queueLength.Set(float64(l.queue.Len()))
	return nil
}

// Len is the number of events waiting for a worker.
func (l *Local) Len() int {
	return l.queue.Len()
}

func (l *Local) work(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-stop:
			return
		case e := <-l.queue.Ready():
			queueLength.Set(float64(l.queue.Len()))
			l.mu.RLock()
			h := l.handler
			l.mu.RUnlock()
			if h == nil {
				level.Warn(l.logger).Log("msg", "no handler subscribed, dropping event", "id", e.ID, "event", e.Key())
				continue
			}
			if err := h.Receive(context.Background(), e); err != nil {
				level.Error(l.logger).Log("msg", "handling event", "id", e.ID, "event", e.Key(), "err", err)
			}
		}
	}
}
