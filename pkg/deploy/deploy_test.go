package deploy

import (
	"context"
	"errors"
	"testing"

	gh "github.com/google/go-github/v28/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	boterr "github.com/deliverybot/deploybot/pkg/errors"
	"github.com/deliverybot/deploybot/pkg/github"
	"github.com/deliverybot/deploybot/pkg/github/githubtest"
)

type lockedEnvs map[string]bool

func (l lockedEnvs) IsLocked(_ context.Context, repoID int64, env string) (bool, error) {
	return l[env], nil
}

const simpleConfig = `
production:
  environment: production
  description: Deploy ${{ short_sha }} to production
  payload:
    image: app:${{ short_sha }}
staging:
  environment: staging
  required_contexts: [ci]
review:
  auto_deploy_on: pr
  environment: pr${{ pr }}
  transient_environment: true
`

func setupDeploy(locks lockedEnvs) (*Deployer, *githubtest.Fake) {
	client := githubtest.NewFake()
	client.SetConfig(simpleConfig)
	client.SetRef("refs/heads/master", "0123456789abcdef")
	return &Deployer{Locks: locks}, client
}

func TestDeploy(t *testing.T) {
	d, client := setupDeploy(lockedEnvs{})

	deployment, err := d.Deploy(context.Background(), client, testRepo, Options{
		Target: "production",
		Ref:    "refs/heads/master",
		SHA:    "0123456789abcdef",
	})
	require.NoError(t, err)
	assert.Equal(t, "production", deployment.Environment)

	require.Len(t, client.Created, 1)
	req := client.Created[0]
	assert.Equal(t, "refs/heads/master", req.Ref)
	assert.Equal(t, "deploy", req.Task)
	assert.Equal(t, "production", req.Environment)
	assert.Equal(t, "Deploy 0123456 to production", req.Description)
	assert.Equal(t, map[string]interface{}{
		"target": "production",
		"image":  "app:0123456",
	}, req.Payload)
	assert.NotNil(t, req.RequiredContexts)
	assert.Empty(t, req.RequiredContexts)
}

func TestDeploy_LockedEnvironment(t *testing.T) {
	d, client := setupDeploy(lockedEnvs{"production": true})

	_, err := d.Deploy(context.Background(), client, testRepo, Options{
		Target: "production",
		Ref:    "refs/heads/master",
		SHA:    "0123456789abcdef",
	})
	require.Error(t, err)
	assert.True(t, boterr.IsLock(err))
	assert.Empty(t, client.Created)
}

func TestDeploy_ForceDoesNotBypassLock(t *testing.T) {
	d, client := setupDeploy(lockedEnvs{"production": true})

	_, err := d.Deploy(context.Background(), client, testRepo, Options{
		Target: "production",
		Ref:    "refs/heads/master",
		SHA:    "0123456789abcdef",
		Force:  true,
	})
	assert.True(t, boterr.IsLock(err))
	assert.Empty(t, client.Created)
}

func TestDeploy_OtherEnvironmentLocked(t *testing.T) {
	d, client := setupDeploy(lockedEnvs{"staging": true})

	_, err := d.Deploy(context.Background(), client, testRepo, Options{
		Target: "production",
		Ref:    "refs/heads/master",
		SHA:    "0123456789abcdef",
	})
	require.NoError(t, err)
	assert.Len(t, client.Created, 1)
}

func TestDeploy_MissingTarget(t *testing.T) {
	d, client := setupDeploy(lockedEnvs{})

	_, err := d.Deploy(context.Background(), client, testRepo, Options{
		Target: "nope",
		Ref:    "refs/heads/master",
		SHA:    "0123456789abcdef",
	})
	require.Error(t, err)
	assert.True(t, boterr.IsConfig(err))
	assert.Contains(t, err.Error(), `"nope"`)
	assert.Empty(t, client.Created)
}

func TestDeploy_ChecksNotReady(t *testing.T) {
	d, client := setupDeploy(lockedEnvs{})
	client.CreateErrs = []error{githubtest.Conflict()}

	_, err := d.Deploy(context.Background(), client, testRepo, Options{
		Target: "staging",
		Ref:    "refs/heads/master",
		SHA:    "0123456789abcdef",
	})
	require.Error(t, err)
	assert.True(t, github.IsConflict(err))
	assert.Equal(t, githubtest.Conflict(), err)
	assert.Equal(t, []string{"ci"}, client.Created[0].RequiredContexts)
}

func TestDeploy_ForceClearsRequiredContexts(t *testing.T) {
	d, client := setupDeploy(lockedEnvs{})

	_, err := d.Deploy(context.Background(), client, testRepo, Options{
		Target: "staging",
		Ref:    "refs/heads/master",
		SHA:    "0123456789abcdef",
		Force:  true,
		Task:   "deploy:migrations",
	})
	require.NoError(t, err)
	req := client.Created[0]
	assert.NotNil(t, req.RequiredContexts)
	assert.Empty(t, req.RequiredContexts)
	assert.Equal(t, "deploy:migrations", req.Task)
}

func TestDeploy_PullRequestEnvironment(t *testing.T) {
	d, client := setupDeploy(lockedEnvs{"pr12": true})

	pr := &gh.PullRequest{Number: gh.Int(12)}
	_, err := d.Deploy(context.Background(), client, testRepo, Options{
		Target:      "review",
		Ref:         "heads/feature",
		SHA:         "fedcba",
		PullRequest: pr,
	})
	// the rendered environment is what gets locked
	assert.True(t, boterr.IsLock(err))

	d.Locks = lockedEnvs{}
	_, err = d.Deploy(context.Background(), client, testRepo, Options{
		Target:      "review",
		Ref:         "heads/feature",
		SHA:         "fedcba",
		PullRequest: pr,
	})
	require.NoError(t, err)
	assert.Equal(t, "pr12", client.Created[0].Environment)
	assert.True(t, client.Created[0].TransientEnvironment)
}

func TestDeploy_UpstreamError(t *testing.T) {
	d, client := setupDeploy(lockedEnvs{})
	client.CreateErrs = []error{errors.New("connection reset")}

	_, err := d.Deploy(context.Background(), client, testRepo, Options{
		Target: "production",
		Ref:    "refs/heads/master",
		SHA:    "0123456789abcdef",
	})
	require.Error(t, err)
	assert.False(t, boterr.IsConfig(err))
	assert.False(t, boterr.IsLock(err))
	assert.False(t, github.IsConflict(err))
}

func TestBody_Defaults(t *testing.T) {
	body := Body(Target{Name: "web"}, map[string]interface{}{}, false, "")
	assert.Equal(t, "deploy", body.Task)
	assert.Equal(t, "production", body.Environment)
	assert.Equal(t, map[string]interface{}{"target": "web"}, body.Payload)
	assert.False(t, body.AutoMerge)
	assert.False(t, body.TransientEnvironment)
	assert.False(t, body.ProductionEnvironment)
}

func TestBody_PayloadMayOverrideTarget(t *testing.T) {
	body := Body(Target{
		Name:    "web",
		Payload: map[string]interface{}{"target": "api"},
	}, map[string]interface{}{}, false, "")
	assert.Equal(t, "api", body.Payload["target"])
}
