// Package event carries GitHub webhook deliveries, and the synthetic
// events deploybot raises itself, to the handlers registered for them.
package event

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Event is an envelope around a webhook payload.
type Event struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Action string `json:"action,omitempty"`
	// InstallationID is the GitHub App installation the event was
	// delivered for. Handlers use it to get an API client.
	InstallationID int64           `json:"installation_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	// Attempts counts failed deliveries so far.
	Attempts int `json:"attempts,omitempty"`
}

// Key is name.action for events with an action, otherwise the name.
func (e Event) Key() string {
	if e.Action == "" {
		return e.Name
	}
	return e.Name + "." + e.Action
}

// New wraps a webhook payload. The action and installation are read
// from the payload.
func New(id, name string, payload []byte) (Event, error) {
	var head struct {
		Action       string `json:"action"`
		Installation struct {
			ID int64 `json:"id"`
		} `json:"installation"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return Event{}, errors.Wrapf(err, "decoding %s payload", name)
	}
	if id == "" {
		id = uuid.New().String()
	}
	return Event{
		ID:             id,
		Name:           name,
		Action:         head.Action,
		InstallationID: head.Installation.ID,
		Payload:        payload,
	}, nil
}

// Synthetic builds an event deploybot raises for itself, with v as the
// payload.
func Synthetic(name string, installationID int64, v interface{}) (Event, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:             uuid.New().String(),
		Name:           name,
		InstallationID: installationID,
		Payload:        payload,
	}, nil
}

// HandlerFunc handles one event.
type HandlerFunc func(ctx context.Context, e Event) error

// Dispatcher routes events to handlers registered by key.
type Dispatcher struct {
	logger log.Logger

	mu       sync.RWMutex
	handlers map[string][]HandlerFunc
}

func NewDispatcher(logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Dispatcher{
		logger:   logger,
		handlers: map[string][]HandlerFunc{},
	}
}

// On registers h for key, which is either an event name, e.g.
// "push", or name.action, e.g. "pull_request.closed".
func (d *Dispatcher) On(key string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[key] = append(d.handlers[key], h)
}

// Receive runs every handler registered for the event's name and for
// name.action. All handlers run even if one fails; the first error is
// returned.
func (d *Dispatcher) Receive(ctx context.Context, e Event) error {
	d.mu.RLock()
	handlers := append([]HandlerFunc(nil), d.handlers[e.Name]...)
	if e.Action != "" {
		handlers = append(handlers, d.handlers[e.Key()]...)
	}
	d.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}
	logger := log.With(d.logger, "id", e.ID, "event", e.Key())
	level.Debug(logger).Log("msg", "dispatching", "handlers", len(handlers))

	var first error
	failed := 0
	for _, h := range handlers {
		if err := h(ctx, e); err != nil {
			failed++
			if first == nil {
				first = err
			}
		}
	}
	if failed > 1 {
		return errors.Wrapf(first, "%d handlers failed", failed)
	}
	return first
}
