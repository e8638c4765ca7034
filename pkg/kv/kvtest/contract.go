// Package kvtest provides contract tests for kv.Store implementations.
package kvtest

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deliverybot/deploybot/pkg/kv"
)

// Factory creates a fresh, empty store for each subtest.
type Factory func(t *testing.T) kv.Store

// Run exercises the kv.Store contract.
func Run(t *testing.T, factory Factory) {
	t.Run("PutGet", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "repos/1/locks/production", []byte(`{"env":"production"}`)))

		got, err := s.Get(ctx, "repos/1/locks/production")
		require.NoError(t, err)
		assert.Equal(t, `{"env":"production"}`, string(got))
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "a/b", []byte("1")))
		require.NoError(t, s.Put(ctx, "a/b", []byte("2")))

		got, err := s.Get(ctx, "a/b")
		require.NoError(t, err)
		assert.Equal(t, "2", string(got))
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := factory(t)
		_, err := s.Get(context.Background(), "nonexistent")
		assert.Equal(t, kv.ErrNotFound, err)
	})

	t.Run("Del", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "a/b", []byte("1")))
		require.NoError(t, s.Del(ctx, "a/b"))

		_, err := s.Get(ctx, "a/b")
		assert.Equal(t, kv.ErrNotFound, err)
		// deleting again is fine
		assert.NoError(t, s.Del(ctx, "a/b"))
	})

	t.Run("ListPrefix", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "queue/1-abc/jobs/w1", []byte("w1")))
		require.NoError(t, s.Put(ctx, "queue/1-abc/jobs/w2", []byte("w2")))
		require.NoError(t, s.Put(ctx, "queue/1-abcd/jobs/w3", []byte("w3")))
		require.NoError(t, s.Put(ctx, "queue/2-abc/jobs/w4", []byte("w4")))

		vals, err := s.List(ctx, "queue/1-abc/jobs")
		require.NoError(t, err)
		assert.Equal(t, []string{"w1", "w2"}, sorted(vals))
	})

	t.Run("ListEmpty", func(t *testing.T) {
		s := factory(t)
		vals, err := s.List(context.Background(), "queue/1-abc/jobs")
		require.NoError(t, err)
		assert.Empty(t, vals)
	})

	t.Run("ListLiteralPrefix", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		// % and _ must not act as wildcards in any backend
		require.NoError(t, s.Put(ctx, "repos/1/locks/a_b", []byte("1")))
		require.NoError(t, s.Put(ctx, "repos/1/locks%/x", []byte("2")))

		vals, err := s.List(ctx, "repos/1/locks")
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, sorted(vals))
	})
}

func sorted(vals [][]byte) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		out = append(out, string(v))
	}
	sort.Strings(out)
	return out
}
