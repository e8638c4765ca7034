// Package bus moves events from where they are raised to the handlers
// that process them, either in-process or through NATS, and redelivers
// events whose handling failed.
package bus

import (
	"context"
	"sync"

	"github.com/deliverybot/deploybot/pkg/event"
)

// Handler processes an event.
type Handler interface {
	Receive(ctx context.Context, e event.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e event.Event) error

func (f HandlerFunc) Receive(ctx context.Context, e event.Event) error {
	return f(ctx, e)
}

// Publisher hands an event over for delivery.
type Publisher interface {
	Publish(ctx context.Context, e event.Event) error
}

// Direct delivers events synchronously, on the publishing goroutine.
// Publish returns the handler's error.
type Direct struct {
	mu      sync.RWMutex
	handler Handler
}

func NewDirect() *Direct {
	return &Direct{}
}

// Subscribe sets the handler events are delivered to.
func (d *Direct) Subscribe(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

func (d *Direct) Publish(ctx context.Context, e event.Event) error {
	d.mu.RLock()
	h := d.handler
	d.mu.RUnlock()
	if h == nil {
		return nil
	}
	return h.Receive(ctx, e)
}
