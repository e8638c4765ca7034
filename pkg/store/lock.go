package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	boterr "github.com/deliverybot/deploybot/pkg/errors"
	"github.com/deliverybot/deploybot/pkg/kv"
)

// Lock is the record kept for a locked environment.
type Lock struct {
	Env      string    `json:"env"`
	Modified time.Time `json:"modified"`
}

// EnvLockStore keeps the environments that have been locked against
// deployments, per repository. An environment without a record is
// unlocked.
type EnvLockStore struct {
	kv    kv.Store
	clock clockwork.Clock
}

func NewEnvLockStore(store kv.Store, clock clockwork.Clock) *EnvLockStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &EnvLockStore{kv: store, clock: clock}
}

func locksPrefix(repoID int64) string {
	return fmt.Sprintf("repos/%d/locks", repoID)
}

func lockKey(repoID int64, env string) string {
	return locksPrefix(repoID) + "/" + env
}

// List returns the locks held on a repository, ordered by environment.
func (s *EnvLockStore) List(ctx context.Context, repoID int64) ([]Lock, error) {
	values, err := s.kv.List(ctx, locksPrefix(repoID))
	if err != nil {
		return nil, errors.Wrapf(err, "listing locks for repository %d", repoID)
	}
	locks := make([]Lock, 0, len(values))
	for _, v := range values {
		var l Lock
		if err := json.Unmarshal(v, &l); err != nil {
			return nil, errors.Wrap(err, "decoding lock")
		}
		locks = append(locks, l)
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].Env < locks[j].Env })
	return locks, nil
}

// Lock locks env. Environments that are templates cannot be locked,
// since the name deployed to is only known once rendered.
func (s *EnvLockStore) Lock(ctx context.Context, repoID int64, env string) error {
	if env == "" {
		return &boterr.Error{
			Type: boterr.User,
			Err:  errors.New("no environment given"),
			Help: "Name the environment to lock.",
		}
	}
	if strings.Contains(env, "${{") {
		return &boterr.Error{
			Type: boterr.User,
			Err:  fmt.Errorf("environment %q is dynamic", env),
			Help: "Dynamic environments cannot be locked. Lock the rendered environment name instead, e.g. pr12.",
		}
	}
	b, err := json.Marshal(Lock{Env: env, Modified: s.clock.Now().UTC()})
	if err != nil {
		return err
	}
	return errors.Wrapf(s.kv.Put(ctx, lockKey(repoID, env), b), "locking %s", env)
}

func (s *EnvLockStore) Unlock(ctx context.Context, repoID int64, env string) error {
	return errors.Wrapf(s.kv.Del(ctx, lockKey(repoID, env)), "unlocking %s", env)
}

func (s *EnvLockStore) IsLocked(ctx context.Context, repoID int64, env string) (bool, error) {
	_, err := s.kv.Get(ctx, lockKey(repoID, env))
	switch {
	case err == kv.ErrNotFound:
		return false, nil
	case err != nil:
		return false, errors.Wrapf(err, "loading lock on %s", env)
	}
	return true, nil
}
