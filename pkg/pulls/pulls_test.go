package pulls

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	gh "github.com/google/go-github/v28/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deliverybot/deploybot/pkg/deploy"
	"github.com/deliverybot/deploybot/pkg/event"
	"github.com/deliverybot/deploybot/pkg/github"
	"github.com/deliverybot/deploybot/pkg/github/githubtest"
	"github.com/deliverybot/deploybot/pkg/kv/memory"
	"github.com/deliverybot/deploybot/pkg/store"
)

var testRepo = github.Repo{ID: 1, Owner: "o", Name: "r"}

const config = `
production:
  environment: production
review:
  environment: pr${{ pr }}
  transient_environment: true
`

func setup(t *testing.T) (*Handler, *githubtest.Fake, *store.EnvLockStore, *event.Dispatcher) {
	fake := githubtest.NewFake()
	fake.SetConfig(config)
	fake.SetRef("heads/feature", "abc123")
	fake.PullRequests[3] = &gh.PullRequest{
		Number: gh.Int(3),
		Head:   &gh.PullRequestBranch{Ref: gh.String("feature"), SHA: gh.String("abc123")},
	}
	fake.Permissions = map[string]string{
		"admin":  "admin",
		"writer": "write",
		"reader": "read",
	}
	locks := store.NewEnvLockStore(memory.New(), nil)
	h := &Handler{
		Installations: github.Static(fake),
		Deployer:      &deploy.Deployer{Locks: locks},
	}
	d := event.NewDispatcher(nil)
	h.Register(d)
	return h, fake, locks, d
}

func receive(t *testing.T, d *event.Dispatcher, name, payload string) error {
	e, err := event.New("", name, []byte(payload))
	require.NoError(t, err)
	return d.Receive(context.Background(), e)
}

func comment(body, user string, pr bool) string {
	links := ""
	if pr {
		links = `, "pull_request": {"url": "https://api.github.com/repos/o/r/pulls/3"}`
	}
	return fmt.Sprintf(`{
		"action": "created",
		"issue": {"number": 3%s},
		"comment": {"body": %q, "user": {"login": %q}},
		"repository": {"id": 1, "name": "r", "owner": {"login": "o"}},
		"installation": {"id": 7}
	}`, links, body, user)
}

func TestCommand_PermissionGate(t *testing.T) {
	for _, tc := range []struct {
		user    string
		deploys int
	}{
		{"reader", 0},
		{"writer", 1},
		{"admin", 1},
	} {
		t.Run(tc.user, func(t *testing.T) {
			_, fake, _, d := setup(t)
			require.NoError(t, receive(t, d, "issue_comment", comment("/deploy production", tc.user, true)))
			assert.Len(t, fake.Created, tc.deploys)
			assert.Empty(t, fake.Comments)
		})
	}
}

func TestCommand_DeploysPullRequestHead(t *testing.T) {
	_, fake, _, d := setup(t)
	require.NoError(t, receive(t, d, "issue_comment", comment("/deploy review", "writer", true)))

	require.Len(t, fake.Created, 1)
	got := fake.Created[0]
	assert.Equal(t, "feature", got.Ref)
	assert.Equal(t, "pr3", got.Environment)
	assert.Equal(t, "review", got.Payload["target"])
}

func TestCommand_IgnoresOtherComments(t *testing.T) {
	_, fake, _, d := setup(t)
	require.NoError(t, receive(t, d, "issue_comment", comment("looks good to me", "writer", true)))
	require.NoError(t, receive(t, d, "issue_comment", comment("/deploy production", "writer", false)))
	assert.Empty(t, fake.Created)
	assert.Empty(t, fake.Comments)
}

func TestCommand_ReportsFailures(t *testing.T) {
	t.Run("unknown target", func(t *testing.T) {
		_, fake, _, d := setup(t)
		require.NoError(t, receive(t, d, "issue_comment", comment("/deploy canary", "writer", true)))
		assert.Empty(t, fake.Created)
		require.Len(t, fake.Comments, 1)
		assert.Equal(t, 3, fake.Comments[0].Number)
		assert.Contains(t, fake.Comments[0].Body, ":rotating_light: Failed to trigger deployment. :rotating_light:\n")
		assert.Contains(t, fake.Comments[0].Body, "canary")
	})

	t.Run("locked", func(t *testing.T) {
		_, fake, locks, d := setup(t)
		require.NoError(t, locks.Lock(context.Background(), 1, "production"))
		require.NoError(t, receive(t, d, "issue_comment", comment("/deploy production", "writer", true)))
		assert.Empty(t, fake.Created)
		require.Len(t, fake.Comments, 1)
		assert.Contains(t, fake.Comments[0].Body, "production")
	})

	t.Run("checks not ready", func(t *testing.T) {
		_, fake, _, d := setup(t)
		fake.CreateErrs = []error{githubtest.Conflict()}
		require.NoError(t, receive(t, d, "issue_comment", comment("/deploy production", "writer", true)))
		require.Len(t, fake.Comments, 1)
		assert.Contains(t, fake.Comments[0].Body, "Commit status checks failed")
	})

	t.Run("permission lookup", func(t *testing.T) {
		_, fake, _, d := setup(t)
		require.NoError(t, receive(t, d, "issue_comment", comment("/deploy production", "stranger", true)))
		assert.Empty(t, fake.Created)
		assert.Len(t, fake.Comments, 1)
	})
}

func TestClose_MarksTransientDeploymentsInactive(t *testing.T) {
	_, fake, _, d := setup(t)
	fake.Deployments = []github.Deployment{
		{ID: 1, Ref: "feature", Environment: "pr3", TransientEnvironment: true},
		{ID: 2, Ref: "feature", Environment: "production"},
		{ID: 3, Ref: "feature", Environment: "pr3", TransientEnvironment: true},
		{ID: 4, Ref: "master", Environment: "pr9", TransientEnvironment: true},
	}

	require.NoError(t, receive(t, d, "pull_request", `{
		"action": "closed",
		"number": 3,
		"pull_request": {"number": 3, "head": {"ref": "feature", "sha": "abc123"}},
		"repository": {"id": 1, "name": "r", "owner": {"login": "o"}},
		"installation": {"id": 7}
	}`))

	assert.Equal(t, []githubtest.Status{
		{DeploymentID: 3, State: "inactive"},
		{DeploymentID: 1, State: "inactive"},
	}, fake.Statuses)
}

func TestClose_ContinuesPastFailures(t *testing.T) {
	h, fake, _, _ := setup(t)
	fake.Deployments = []github.Deployment{
		{ID: 1, Ref: "feature", TransientEnvironment: true},
		{ID: 2, Ref: "feature", TransientEnvironment: true},
	}
	fake.StatusErrs[2] = &github.APIError{StatusCode: http.StatusInternalServerError, Status: "500 Internal Server Error"}

	require.NoError(t, h.Close(context.Background(), fake, testRepo, "feature"))
	assert.Equal(t, []githubtest.Status{{DeploymentID: 1, State: "inactive"}}, fake.Statuses)
}

func TestClose_ListFailure(t *testing.T) {
	h, fake, _, _ := setup(t)
	fake.Err = &github.APIError{StatusCode: http.StatusBadGateway, Status: "502 Bad Gateway"}
	assert.Error(t, h.Close(context.Background(), fake, testRepo, "feature"))
}
