// Package kv is the small key-value contract deploybot keeps its state
// in. Keys are '/'-delimited paths; List returns the values of every
// key underneath a prefix.
package kv

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when no value is stored at a key.
var ErrNotFound = errors.New("key not found")

// Store is implemented by each backend. Implementations must be safe
// for concurrent use.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get returns ErrNotFound if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Del is a no-op if the key is absent.
	Del(ctx context.Context, key string) error
	// List returns the values of all keys under prefix, i.e. keys
	// starting with prefix + "/". Order is unspecified.
	List(ctx context.Context, prefix string) ([][]byte, error)
}

// Under reports whether key lives below prefix.
func Under(prefix, key string) bool {
	return strings.HasPrefix(key, Dir(prefix))
}

// Dir returns prefix with exactly one trailing slash.
func Dir(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/"
}
