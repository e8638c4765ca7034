package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deliverybot/deploybot/pkg/event"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, e event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) published() []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.Event(nil), p.events...)
}

func failing(ctx context.Context, e event.Event) error {
	return assert.AnError
}

func TestReceiver_Success(t *testing.T) {
	pub := &recordingPublisher{}
	r := &Receiver{
		Handler:   HandlerFunc(func(ctx context.Context, e event.Event) error { return nil }),
		Publisher: pub,
		Clock:     clockwork.NewFakeClock(),
	}
	require.NoError(t, r.Receive(context.Background(), event.Event{ID: "1", Name: "push"}))
	assert.Empty(t, pub.published())
}

func TestReceiver_RetriesAfterWait(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pub := &recordingPublisher{}
	r := &Receiver{
		Handler:   HandlerFunc(failing),
		Publisher: pub,
		Clock:     clock,
	}

	require.NoError(t, r.Receive(context.Background(), event.Event{ID: "1", Name: "push", Attempts: 2}),
		"the failure is handed to a redelivery, not the caller")

	clock.BlockUntil(1)
	assert.Empty(t, pub.published(), "nothing is republished before the wait")
	clock.Advance(DefaultRetryWait)
	r.Wait()

	got := pub.published()
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, 3, got[0].Attempts)
}

func TestReceiver_DeadLetter(t *testing.T) {
	pub := &recordingPublisher{}
	r := &Receiver{
		Handler:     HandlerFunc(failing),
		Publisher:   pub,
		MaxAttempts: 3,
		Clock:       clockwork.NewFakeClock(),
	}
	require.NoError(t, r.Receive(context.Background(), event.Event{ID: "1", Name: "push", Attempts: 3}))
	r.Wait()
	assert.Empty(t, pub.published())
}

func TestReceiver_RepublishFails(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pub := &recordingPublisher{err: assert.AnError}
	r := &Receiver{
		Handler:   HandlerFunc(failing),
		Publisher: pub,
		RetryWait: time.Second,
		Clock:     clock,
	}

	require.NoError(t, r.Receive(context.Background(), event.Event{ID: "1", Name: "push"}))
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	r.Wait()
	assert.Empty(t, pub.published())
}

func TestReceiver_CancelledBeforeRetry(t *testing.T) {
	pub := &recordingPublisher{}
	r := &Receiver{
		Handler:   HandlerFunc(failing),
		Publisher: pub,
		Clock:     clockwork.NewFakeClock(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, context.Canceled, r.Receive(ctx, event.Event{ID: "1", Name: "push"}))
	r.Wait()
	assert.Empty(t, pub.published())
}

func TestReceiver_StopAbandonsPendingRetry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	stop := make(chan struct{})
	pub := &recordingPublisher{}
	r := &Receiver{
		Handler:   HandlerFunc(failing),
		Publisher: pub,
		Clock:     clock,
		Stop:      stop,
	}

	require.NoError(t, r.Receive(context.Background(), event.Event{ID: "1", Name: "push"}))
	clock.BlockUntil(1)
	close(stop)

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pending retry was not abandoned on stop")
	}
	assert.Empty(t, pub.published())
}
