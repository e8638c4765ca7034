package file

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deliverybot/deploybot/pkg/kv"
	"github.com/deliverybot/deploybot/pkg/kv/kvtest"
)

func tempDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "deploybot-kv")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestStore(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s, err := Open(filepath.Join(tempDir(t), "store.json"))
		require.NoError(t, err)
		return s
	})
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(tempDir(t), "store.json")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "repos/1/locks/production", []byte(`{"env":"production"}`)))
	require.NoError(t, s.Put(ctx, "repos/1/locks/staging", []byte(`{"env":"staging"}`)))
	require.NoError(t, s.Del(ctx, "repos/1/locks/staging"))

	s, err = Open(path)
	require.NoError(t, err)
	got, err := s.Get(ctx, "repos/1/locks/production")
	require.NoError(t, err)
	assert.Equal(t, `{"env":"production"}`, string(got))
	_, err = s.Get(ctx, "repos/1/locks/staging")
	assert.Equal(t, kv.ErrNotFound, err)
}

func TestOpen_Corrupt(t *testing.T) {
	path := filepath.Join(tempDir(t), "store.json")
	require.NoError(t, ioutil.WriteFile(path, []byte("{not json"), 0600))
	_, err := Open(path)
	assert.Error(t, err)
}
