// Package store keeps deploybot's own state, pending watches and
// environment locks, in a kv.Store.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/deliverybot/deploybot/pkg/deploy"
	"github.com/deliverybot/deploybot/pkg/github"
	"github.com/deliverybot/deploybot/pkg/kv"
)

// Watch is a pending intent to deploy SHA to Target once the commit is
// ready. Watches are never modified after they are added.
type Watch struct {
	ID         string      `json:"id"`
	Repository github.Repo `json:"repository"`
	// Ref is the ref the watch follows, e.g. refs/heads/master, or
	// heads/<branch> for a pull request.
	Ref    string `json:"ref"`
	SHA    string `json:"sha"`
	Target string `json:"target"`
	// TargetValue is the target as configured when the watch was
	// added.
	TargetValue    deploy.Target `json:"target_value"`
	PRNumber       int           `json:"pr_number,omitempty"`
	InstallationID int64         `json:"installation_id,omitempty"`
}

type WatchStore struct {
	kv kv.Store
}

func NewWatchStore(store kv.Store) *WatchStore {
	return &WatchStore{kv: store}
}

func shaPrefix(repoID int64, sha string) string {
	return fmt.Sprintf("queue/%d-%s/jobs", repoID, sha)
}

func watchKey(repoID int64, sha, id string) string {
	return shaPrefix(repoID, sha) + "/" + id
}

func (s *WatchStore) AddWatch(ctx context.Context, repoID int64, w Watch) error {
	b, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return errors.Wrapf(s.kv.Put(ctx, watchKey(repoID, w.SHA, w.ID), b), "adding watch %s", w.ID)
}

func (s *WatchStore) DelWatch(ctx context.Context, repoID int64, w Watch) error {
	return errors.Wrapf(s.kv.Del(ctx, watchKey(repoID, w.SHA, w.ID)), "deleting watch %s", w.ID)
}

// HasWatch reports whether w is still pending.
func (s *WatchStore) HasWatch(ctx context.Context, repoID int64, w Watch) (bool, error) {
	_, err := s.kv.Get(ctx, watchKey(repoID, w.SHA, w.ID))
	switch {
	case err == kv.ErrNotFound:
		return false, nil
	case err != nil:
		return false, errors.Wrapf(err, "loading watch %s", w.ID)
	}
	return true, nil
}

// ListWatchBySha returns every pending watch on a commit, in no
// particular order.
func (s *WatchStore) ListWatchBySha(ctx context.Context, repoID int64, sha string) ([]Watch, error) {
	values, err := s.kv.List(ctx, shaPrefix(repoID, sha))
	if err != nil {
		return nil, errors.Wrapf(err, "listing watches for %s", sha)
	}
	watches := make([]Watch, 0, len(values))
	for _, v := range values {
		var w Watch
		if err := json.Unmarshal(v, &w); err != nil {
			return nil, errors.Wrap(err, "decoding watch")
		}
		watches = append(watches, w)
	}
	return watches, nil
}
