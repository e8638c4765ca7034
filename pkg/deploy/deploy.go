// Package deploy turns a deploy target from a repository's
// configuration into a GitHub deployment.
package deploy

import (
	"context"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	gh "github.com/google/go-github/v28/github"
	"github.com/pkg/errors"

	boterr "github.com/deliverybot/deploybot/pkg/errors"
	"github.com/deliverybot/deploybot/pkg/github"
)

const (
	defaultTask        = "deploy"
	defaultEnvironment = "production"
)

// LockChecker reports whether an environment is locked against
// deployments.
type LockChecker interface {
	IsLocked(ctx context.Context, repoID int64, env string) (bool, error)
}

// Options describe a single deployment.
type Options struct {
	Target string
	// Ref is what the deployment is created for. Deploy by branch ref
	// rather than sha so deployments can be found by ref later.
	Ref string
	SHA string
	// Force skips GitHub's required status checks. It does not skip
	// environment locks.
	Force bool
	// Task overrides the target's task.
	Task        string
	PullRequest *gh.PullRequest
}

type Deployer struct {
	Locks  LockChecker
	Logger log.Logger
}

// Deploy resolves the target at opts.Ref, renders it and creates the
// deployment. It fails with a config error if the target does not
// exist, a lock error if the environment is locked, and otherwise
// returns GitHub's error unwrapped, so a 409 (checks not ready) can be
// told apart with github.IsConflict.
func (d *Deployer) Deploy(ctx context.Context, client github.Client, repo github.Repo, opts Options) (*github.Deployment, error) {
	logger := d.logger(repo, opts)

	commit, err := client.GetCommit(ctx, repo, opts.SHA)
	if err != nil {
		return nil, err
	}
	if repo.ID == 0 {
		r, err := client.GetRepository(ctx, repo)
		if err != nil {
			return nil, err
		}
		repo.ID = r.GetID()
	}

	data := TemplateData{
		Ref:         opts.Ref,
		Target:      opts.Target,
		Repo:        repo,
		SHA:         opts.SHA,
		Commit:      commit,
		PullRequest: opts.PullRequest,
	}.Map()

	conf, err := Config(ctx, client, repo, opts.Ref)
	if err != nil {
		if boterr.IsConfig(err) {
			attempts.With(labelResult, resultConfigError).Add(1)
		} else {
			attempts.With(labelResult, resultFailed).Add(1)
		}
		return nil, err
	}
	target, ok := conf[opts.Target]
	if !ok {
		level.Info(logger).Log("msg", "deploy: halted - no target")
		attempts.With(labelResult, resultConfigError).Add(1)
		return nil, boterr.ConfigError("Deployment target %q does not exist", opts.Target)
	}

	body := Body(target, data, opts.Force, opts.Task)
	body.Ref = opts.Ref

	locked, err := d.Locks.IsLocked(ctx, repo.ID, body.Environment)
	if err != nil {
		return nil, errors.Wrapf(err, "checking lock on %s", body.Environment)
	}
	if locked {
		level.Info(logger).Log("msg", "deploy: halted - environment locked", "environment", body.Environment)
		attempts.With(labelResult, resultLocked).Add(1)
		return nil, boterr.LockError(body.Environment)
	}

	level.Info(logger).Log("msg", "deploy: deploying", "environment", body.Environment, "task", body.Task)
	deployment, err := client.CreateDeployment(ctx, repo, body)
	if err != nil {
		if github.IsConflict(err) {
			level.Info(logger).Log("msg", "deploy: checks not ready", "err", err)
			attempts.With(labelResult, resultChecksPending).Add(1)
		} else {
			level.Error(logger).Log("msg", "deploy: unexpected failure", "err", err)
			attempts.With(labelResult, resultFailed).Add(1)
		}
		return nil, err
	}
	level.Info(logger).Log("msg", "deploy: successful", "environment", body.Environment, "deployment", deployment.ID)
	attempts.With(labelResult, resultDeployed).Add(1)
	return deployment, nil
}

func (d *Deployer) logger(repo github.Repo, opts Options) log.Logger {
	logger := d.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.With(logger, "repo", repo.String(), "target", opts.Target, "ref", opts.Ref, "sha", opts.SHA)
	if opts.PullRequest != nil {
		logger = log.With(logger, "pr", opts.PullRequest.GetNumber())
	}
	return logger
}

// Body renders the deployment request for target. Unset fields get
// their defaults, and the payload always names the target.
func Body(target Target, data map[string]interface{}, force bool, task string) github.DeploymentRequest {
	if task == "" {
		task = target.Task
	}
	if task == "" {
		task = defaultTask
	}
	requiredContexts := []string{}
	if !force && target.RequiredContexts != nil {
		requiredContexts = target.RequiredContexts
	}

	payload := map[string]interface{}{"target": target.Name}
	for k, v := range RenderMap(target.Payload, data) {
		payload[k] = v
	}

	return github.DeploymentRequest{
		Task:                  task,
		AutoMerge:             target.AutoMerge,
		RequiredContexts:      requiredContexts,
		Payload:               payload,
		Environment:           Environment(target, data),
		Description:           RenderString(target.Description, data),
		TransientEnvironment:  target.TransientEnvironment,
		ProductionEnvironment: target.ProductionEnvironment,
	}
}

// Environment is the environment a deployment of target goes to,
// rendered against data.
func Environment(target Target, data map[string]interface{}) string {
	env := target.Environment
	if env == "" {
		env = defaultEnvironment
	}
	return RenderString(env, data)
}
