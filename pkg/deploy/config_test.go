package deploy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	boterr "github.com/deliverybot/deploybot/pkg/errors"
	"github.com/deliverybot/deploybot/pkg/github"
	"github.com/deliverybot/deploybot/pkg/github/githubtest"
)

var testRepo = github.Repo{ID: 1, Owner: "o", Name: "r"}

func TestParseConfig(t *testing.T) {
	targets, err := ParseConfig([]byte(githubtest.ValidConfig))
	require.NoError(t, err)
	require.Len(t, targets, 4)

	review := targets["review"]
	assert.Equal(t, "review", review.Name)
	assert.Equal(t, "pr", review.AutoDeployOn)
	assert.Equal(t, "pr${{ pr }}", review.Environment)
	assert.Equal(t, "A test environment based on Docker", review.Description)
	assert.True(t, review.TransientEnvironment)
	assert.Equal(t, []string{"continuous-integration/travis-ci/push"}, review.RequiredContexts)

	canary := targets["canary"]
	assert.Equal(t, "production", canary.Environment)
	assert.True(t, canary.AutoMerge)
	assert.Equal(t, map[string]interface{}{"canary": "20%"}, canary.Payload)

	assert.Equal(t, "refs/tags/simple-tag", targets["production"].AutoDeployOn)
}

func TestParseConfig_TargetFieldsWinOverDeployments(t *testing.T) {
	targets, err := ParseConfig([]byte(`
staging:
  environment: staging
  deployments:
  - environment: other
    task: deploy:migrate
`))
	require.NoError(t, err)
	assert.Equal(t, "staging", targets["staging"].Environment)
	assert.Equal(t, "deploy:migrate", targets["staging"].Task)
}

func TestParseConfig_Empty(t *testing.T) {
	targets, err := ParseConfig([]byte("# nothing yet\n"))
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestParseConfig_WrongType(t *testing.T) {
	_, err := ParseConfig([]byte(`
production:
  environment: production
  transient_environment: "yes please"
`))
	require.Error(t, err)
	assert.True(t, boterr.IsConfig(err))
	assert.Contains(t, err.Error(), "transient_environment")
}

func TestParseConfig_NotAMap(t *testing.T) {
	_, err := ParseConfig([]byte("- production\n- staging\n"))
	require.Error(t, err)
	assert.True(t, boterr.IsConfig(err))
}

func TestParseConfig_UnknownFieldsAllowed(t *testing.T) {
	targets, err := ParseConfig([]byte(`
production:
  environment: production
  notes: free text
`))
	require.NoError(t, err)
	assert.Equal(t, "production", targets["production"].Environment)
}

func TestParseConfig_DynamicEnvironmentAutoDeploy(t *testing.T) {
	_, err := ParseConfig([]byte(`
branches:
  auto_deploy_on: refs/heads/*
  environment: branch-${{ ref }}
`))
	require.Error(t, err)
	assert.True(t, boterr.IsConfig(err))

	// pull request review apps are dynamic by nature
	_, err = ParseConfig([]byte(`
review:
  auto_deploy_on: pr
  environment: pr${{ pr }}
`))
	assert.NoError(t, err)

	// and manual targets may be dynamic
	_, err = ParseConfig([]byte(`
branches:
  environment: branch-${{ ref }}
`))
	assert.NoError(t, err)
}

func TestConfig(t *testing.T) {
	client := githubtest.NewFake()
	client.SetConfig(githubtest.ValidConfig)

	targets, err := Config(context.Background(), client, testRepo, "refs/heads/master")
	require.NoError(t, err)
	assert.Len(t, targets, 4)
}

func TestConfig_Directory(t *testing.T) {
	client := githubtest.NewFake()
	client.Directories[ConfigPath] = true

	_, err := Config(context.Background(), client, testRepo, "master")
	require.Error(t, err)
	assert.True(t, boterr.IsConfig(err))
}

func TestConfig_EmptyFile(t *testing.T) {
	client := githubtest.NewFake()
	client.SetConfig("")

	_, err := Config(context.Background(), client, testRepo, "master")
	require.Error(t, err)
	assert.True(t, boterr.IsConfig(err))
}

func TestConfig_Missing(t *testing.T) {
	client := githubtest.NewFake()

	_, err := Config(context.Background(), client, testRepo, "master")
	require.Error(t, err)
	assert.True(t, github.IsNotFound(err))
	assert.False(t, boterr.IsConfig(err))
}
