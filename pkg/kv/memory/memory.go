// Package memory is an in-process kv.Store, for tests and single
// process deployments that can afford to lose state on restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/deliverybot/deploybot/pkg/kv"
)

type Store struct {
	mu     sync.RWMutex
	values map[string][]byte
}

var _ kv.Store = &Store{}

func New() *Store {
	return &Store{values: map[string][]byte{}}
}

func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Store) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *Store) List(_ context.Context, prefix string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.values {
		if kv.Under(prefix, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, append([]byte(nil), s.values[k]...))
	}
	return out, nil
}

// Snapshot returns a copy of everything stored, keyed by key.
func (s *Store) Snapshot() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.values))
	for k, v := range s.values {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// Load replaces the contents of the store.
func (s *Store) Load(values map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string][]byte, len(values))
	for k, v := range values {
		s.values[k] = append([]byte(nil), v...)
	}
}
