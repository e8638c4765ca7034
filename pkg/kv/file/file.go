// Package file is a kv.Store persisted to a single JSON file. Every
// write rewrites the file, so it suits small installations only.
package file

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/deliverybot/deploybot/pkg/kv"
	"github.com/deliverybot/deploybot/pkg/kv/memory"
)

type Store struct {
	path string

	mu  sync.Mutex // serialises writes to the file
	mem *memory.Store
}

var _ kv.Store = &Store{}

// Open loads the store at path, creating an empty one if the file does
// not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path, mem: memory.New()}
	data, err := ioutil.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	if len(data) == 0 {
		return s, nil
	}
	values := map[string][]byte{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	s.mem.Load(values)
	return s, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.Put(ctx, key, value); err != nil {
		return err
	}
	return s.flush()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	return s.mem.Get(ctx, key)
}

func (s *Store) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.Del(ctx, key); err != nil {
		return err
	}
	return s.flush()
}

func (s *Store) List(ctx context.Context, prefix string) ([][]byte, error) {
	return s.mem.List(ctx, prefix)
}

// flush writes to a temporary file and renames it over the old one, so
// a crash mid-write leaves the previous contents intact.
func (s *Store) flush() error {
	data, err := json.Marshal(s.mem.Snapshot())
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := ioutil.TempFile(dir, filepath.Base(s.path)+".*")
	if err != nil {
		return errors.Wrap(err, "creating temporary file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "writing %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return errors.Wrapf(os.Rename(tmp.Name(), s.path), "replacing %s", s.path)
}
