package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deliverybot/deploybot/pkg/deploy"
	"github.com/deliverybot/deploybot/pkg/github"
	"github.com/deliverybot/deploybot/pkg/kv/memory"
)

var repo = github.Repo{ID: 1, Owner: "o", Name: "r"}

func watch(id, sha, target string) Watch {
	return Watch{
		ID:          id,
		Repository:  repo,
		Ref:         "refs/heads/master",
		SHA:         sha,
		Target:      target,
		TargetValue: deploy.Target{Name: target, Environment: target, AutoDeployOn: "refs/heads/master"},
	}
}

func TestWatchStore(t *testing.T) {
	kv := memory.New()
	s := NewWatchStore(kv)
	ctx := context.Background()

	w1 := watch("w1", "abc", "production")
	w2 := watch("w2", "abc", "staging")
	w3 := watch("w3", "def", "production")
	for _, w := range []Watch{w1, w2, w3} {
		require.NoError(t, s.AddWatch(ctx, repo.ID, w))
	}

	_, err := kv.Get(ctx, "queue/1-abc/jobs/w1")
	require.NoError(t, err)

	got, err := s.ListWatchBySha(ctx, repo.ID, "abc")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Watch{w1, w2}, got)

	require.NoError(t, s.DelWatch(ctx, repo.ID, w1))
	got, err = s.ListWatchBySha(ctx, repo.ID, "abc")
	require.NoError(t, err)
	assert.Equal(t, []Watch{w2}, got)

	ok, err := s.HasWatch(ctx, repo.ID, w1)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.HasWatch(ctx, repo.ID, w2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWatchStore_OtherRepository(t *testing.T) {
	s := NewWatchStore(memory.New())
	ctx := context.Background()
	require.NoError(t, s.AddWatch(ctx, 2, watch("w1", "abc", "production")))

	got, err := s.ListWatchBySha(ctx, repo.ID, "abc")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWatchStore_PullRequestWatch(t *testing.T) {
	s := NewWatchStore(memory.New())
	ctx := context.Background()
	w := watch("w1", "abc", "review")
	w.Ref = "heads/feature"
	w.PRNumber = 12
	w.InstallationID = 99
	w.TargetValue.Payload = map[string]interface{}{"size": "small"}
	require.NoError(t, s.AddWatch(ctx, repo.ID, w))

	got, err := s.ListWatchBySha(ctx, repo.ID, "abc")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, w, got[0])
}
