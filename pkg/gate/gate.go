// Package gate serialises work per key. Two calls with the same key
// never run at the same time; calls with different keys do not wait
// on each other.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Gate runs fn while holding key exclusively.
type Gate interface {
	Lock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// RetryLimitError is returned when a key stayed held for longer than
// the gate was willing to wait.
type RetryLimitError struct {
	Key   string
	Tries int
}

func (e *RetryLimitError) Error() string {
	return fmt.Sprintf("lock retry limit reached retries=%d key=%s", e.Tries, e.Key)
}

// Local is an in-process Gate: a mutex per key, created when first
// needed and dropped when nobody holds or waits for it.
type Local struct {
	mu   sync.Mutex
	keys map[string]*slot
}

type slot struct {
	held chan struct{}
	refs int
}

var _ Gate = &Local{}

func NewLocal() *Local {
	return &Local{keys: map[string]*slot{}}
}

func (l *Local) Lock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	s := l.acquire(key)
	defer l.release(key, s)

	start := time.Now()
	select {
	case s.held <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	waitDuration.With(labelBackend, "local").Observe(time.Since(start).Seconds())
	defer func() { <-s.held }()
	return fn(ctx)
}

func (l *Local) acquire(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.keys[key]
	if !ok {
		s = &slot{held: make(chan struct{}, 1)}
		l.keys[key] = s
	}
	s.refs++
	return s
}

func (l *Local) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.keys, key)
	}
}

// Len is the number of keys currently held or waited on.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
