// Package auto deploys commits automatically. Pushes and pull request
// updates add watches for the targets whose auto_deploy_on pattern
// matches; every later signal about the commit (status, check run)
// re-evaluates those watches until each one is deployed, superseded
// or given up on.
package auto

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	gh "github.com/google/go-github/v28/github"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/deliverybot/deploybot/pkg/bus"
	"github.com/deliverybot/deploybot/pkg/deploy"
	boterr "github.com/deliverybot/deploybot/pkg/errors"
	"github.com/deliverybot/deploybot/pkg/event"
	"github.com/deliverybot/deploybot/pkg/gate"
	"github.com/deliverybot/deploybot/pkg/github"
	"github.com/deliverybot/deploybot/pkg/store"
)

// PushWatch is the event raised to re-evaluate a single watch. Its
// payload is the watch.
const PushWatch = "push_watch"

// Orchestrator reacts to repository events by adding and processing
// watches.
type Orchestrator struct {
	Installations github.Installations
	Watches       *store.WatchStore
	Deployer      *deploy.Deployer
	// Gate serialises processing of watches for the same ref and
	// target.
	Gate      gate.Gate
	Publisher bus.Publisher
	Logger    log.Logger
	// Timeout bounds the handling of a single event, GitHub calls
	// included. Zero means no bound.
	Timeout time.Duration
}

// Register adds the orchestrator's handlers to d.
func (o *Orchestrator) Register(d *event.Dispatcher) {
	d.On("push", o.handlePush)
	d.On("pull_request.opened", o.handlePullRequest)
	d.On("pull_request.synchronize", o.handlePullRequest)
	d.On("status", o.handleStatus)
	d.On("check_run", o.handleCheckRun)
	d.On(PushWatch, o.handlePushWatch)
}

func (o *Orchestrator) handlePush(ctx context.Context, e event.Event) error {
	var p gh.PushEvent
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return errors.Wrap(err, "decoding push")
	}
	if p.GetDeleted() {
		return nil
	}
	r := p.GetRepo()
	repo := github.Repo{ID: r.GetID(), Owner: ownerLogin(r.GetOwner()), Name: r.GetName()}
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	return o.addWatch(ctx, e, repo, p.GetRef(), p.GetRef(), p.GetAfter(), 0)
}

func (o *Orchestrator) handlePullRequest(ctx context.Context, e event.Event) error {
	var p gh.PullRequestEvent
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return errors.Wrap(err, "decoding pull_request")
	}
	head := p.GetPullRequest().GetHead()
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	return o.addWatch(ctx, e, repoOf(p.GetRepo()), deploy.PullRequestPattern, "heads/"+head.GetRef(), head.GetSHA(), p.GetNumber())
}

func (o *Orchestrator) handleStatus(ctx context.Context, e event.Event) error {
	var p gh.StatusEvent
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return errors.Wrap(err, "decoding status")
	}
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	return o.emitWatches(ctx, e, repoOf(p.GetRepo()), p.GetSHA())
}

func (o *Orchestrator) handleCheckRun(ctx context.Context, e event.Event) error {
	var p gh.CheckRunEvent
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return errors.Wrap(err, "decoding check_run")
	}
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	return o.emitWatches(ctx, e, repoOf(p.GetRepo()), p.GetCheckRun().GetCheckSuite().GetHeadSHA())
}

func (o *Orchestrator) handlePushWatch(ctx context.Context, e event.Event) error {
	var w store.Watch
	if err := json.Unmarshal(e.Payload, &w); err != nil {
		return errors.Wrap(err, "decoding watch")
	}
	installationID := w.InstallationID
	if installationID == 0 {
		installationID = e.InstallationID
	}
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	client, err := o.Installations.Client(ctx, installationID)
	if err != nil {
		return errors.Wrapf(err, "getting client for installation %d", installationID)
	}
	return o.lockWatch(ctx, client, w)
}

// addWatch adds a watch on ref and sha for every target whose
// auto_deploy_on pattern matches matchRef, which is a ref or the
// keyword "pr" for pull request updates. If any were added, all
// watches on the sha are emitted so they are attempted right away.
//
// A repository without configuration, or with broken configuration,
// is not an error; the next push may fix it.
func (o *Orchestrator) addWatch(ctx context.Context, e event.Event, repo github.Repo, matchRef, ref, sha string, prNumber int) error {
	logger := log.With(o.logger(), "repo", repo.String(), "ref", ref, "sha", sha)
	err := func() error {
		client, err := o.Installations.Client(ctx, e.InstallationID)
		if err != nil {
			return err
		}
		conf, err := deploy.Config(ctx, client, repo, sha)
		if err != nil {
			return err
		}

		names := make([]string, 0, len(conf))
		for name := range conf {
			names = append(names, name)
		}
		sort.Strings(names)

		added := false
		for _, name := range names {
			target := conf[name]
			if !Match(target.AutoDeployOn, matchRef) {
				continue
			}
			level.Info(logger).Log("msg", "auto deploy: add watch", "target", name, "auto_deploy_on", target.AutoDeployOn)
			w := store.Watch{
				ID:             uuid.New().String(),
				Repository:     repo,
				Ref:            ref,
				SHA:            sha,
				Target:         name,
				TargetValue:    target,
				PRNumber:       prNumber,
				InstallationID: e.InstallationID,
			}
			if err := o.Watches.AddWatch(ctx, repo.ID, w); err != nil {
				return err
			}
			watchesAdded.Add(1)
			added = true
		}
		if added {
			return o.emitWatches(ctx, e, repo, sha)
		}
		return nil
	}()

	switch {
	case err == nil:
		return nil
	case github.IsNotFound(err):
		level.Info(logger).Log("msg", "auto deploy: no config", "err", err)
		return nil
	case boterr.IsConfig(err):
		level.Info(logger).Log("msg", "auto deploy: config err", "err", err)
		return nil
	default:
		level.Error(logger).Log("msg", "auto deploy: failed", "err", err)
		return err
	}
}

// emitWatches raises a push_watch event for every watch on sha.
func (o *Orchestrator) emitWatches(ctx context.Context, e event.Event, repo github.Repo, sha string) error {
	watches, err := o.Watches.ListWatchBySha(ctx, repo.ID, sha)
	if err != nil {
		return err
	}
	if len(watches) == 0 {
		return nil
	}
	ids := make([]string, len(watches))
	for i, w := range watches {
		ids[i] = w.Target + "/" + w.ID
	}
	level.Info(o.logger()).Log("msg", "auto deploy: emitting watches", "repo", repo.String(), "sha", sha, "watches", strings.Join(ids, ","))

	// Each watch is its own lane; a failing target leaves the others
	// running.
	var g errgroup.Group
	for _, w := range watches {
		w := w
		if w.InstallationID == 0 {
			w.InstallationID = e.InstallationID
		}
		g.Go(func() error {
			next, err := event.Synthetic(PushWatch, w.InstallationID, w)
			if err != nil {
				return err
			}
			return o.Publisher.Publish(ctx, next)
		})
	}
	return g.Wait()
}

// lockWatch processes w while holding the gate for its ref and
// target, and deletes it once processing says it is done. A watch
// that was deleted while waiting for the gate is left alone, so a
// redelivered push_watch never deploys twice.
func (o *Orchestrator) lockWatch(ctx context.Context, client github.Client, w store.Watch) error {
	key := gateKey(w)
	logger := o.watchLogger(w)
	level.Info(logger).Log("msg", "auto deploy: locking", "key", key)

	return o.Gate.Lock(ctx, key, func(ctx context.Context) error {
		pending, err := o.Watches.HasWatch(ctx, w.Repository.ID, w)
		if err != nil {
			return err
		}
		if !pending {
			level.Info(logger).Log("msg", "auto deploy: watch already processed")
			return nil
		}
		done, err := o.processWatch(ctx, client, w)
		if err != nil {
			return err
		}
		if done {
			return o.Watches.DelWatch(ctx, w.Repository.ID, w)
		}
		return nil
	})
}

// processWatch attempts to deploy w. It returns true when the watch
// is finished with and can be removed:
//
//  - the ref has moved on to another commit,
//  - the commit is already deployed to the target's environment,
//  - the deployment was created,
//  - the environment is locked, or the configuration is broken.
//
// Checks that are not ready yet leave the watch for the next status or
// check run; any other failure is returned.
func (o *Orchestrator) processWatch(ctx context.Context, client github.Client, w store.Watch) (bool, error) {
	logger := o.watchLogger(w)
	repo := w.Repository

	current, err := client.GetRef(ctx, repo, w.Ref)
	if err != nil {
		watchOutcomes.With(labelOutcome, outcomeFailed).Add(1)
		return false, err
	}
	if current != w.SHA {
		level.Info(logger).Log("msg", "auto deploy: old watch", "current_sha", current)
		watchOutcomes.With(labelOutcome, outcomeStale).Add(1)
		return true, nil
	}

	level.Info(logger).Log("msg", "auto deploy: processing watch")
	deployments, err := client.ListDeployments(ctx, repo, github.DeploymentsListOptions{SHA: w.SHA})
	if err != nil {
		watchOutcomes.With(labelOutcome, outcomeFailed).Add(1)
		return false, err
	}
	env := deploy.Environment(w.TargetValue, deploy.TemplateData{
		Ref:      w.Ref,
		Target:   w.Target,
		Repo:     repo,
		SHA:      w.SHA,
		PRNumber: w.PRNumber,
	}.Map())
	for _, d := range deployments {
		if d.Environment == env {
			level.Info(logger).Log("msg", "auto deploy: already deployed", "environment", env, "deployment", d.ID)
			watchOutcomes.With(labelOutcome, outcomeAlreadyDeployed).Add(1)
			return true, nil
		}
	}

	var pr *gh.PullRequest
	if w.PRNumber != 0 {
		pr, err = client.GetPullRequest(ctx, repo, w.PRNumber)
		if err != nil {
			watchOutcomes.With(labelOutcome, outcomeFailed).Add(1)
			return false, err
		}
	}

	level.Info(logger).Log("msg", "auto deploy: deploying")
	_, err = o.Deployer.Deploy(ctx, client, repo, deploy.Options{
		Target:      w.Target,
		Ref:         w.Ref,
		SHA:         w.SHA,
		PullRequest: pr,
	})
	switch {
	case err == nil:
		level.Info(logger).Log("msg", "auto deploy: done")
		watchOutcomes.With(labelOutcome, outcomeDeployed).Add(1)
		return true, nil
	case github.IsConflict(err):
		level.Info(logger).Log("msg", "auto deploy: checks not ready", "err", err)
		watchOutcomes.With(labelOutcome, outcomeChecksPending).Add(1)
		return false, nil
	case boterr.IsLock(err):
		// Unlocking does not bring the watch back; it takes a new
		// push or a manual deploy.
		level.Info(logger).Log("msg", "auto deploy: environment locked", "err", err)
		watchOutcomes.With(labelOutcome, outcomeLocked).Add(1)
		return true, nil
	case boterr.IsConfig(err):
		level.Info(logger).Log("msg", "auto deploy: target config error", "err", err)
		watchOutcomes.With(labelOutcome, outcomeConfigError).Add(1)
		return true, nil
	default:
		level.Error(logger).Log("msg", "auto deploy: deploy attempt failed", "err", err)
		watchOutcomes.With(labelOutcome, outcomeFailed).Add(1)
		return false, err
	}
}

// gateKey identifies the lane a watch is processed in. Deployments go
// by ref, so watches for different commits on the same ref and target
// share a lane.
func gateKey(w store.Watch) string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{w.Ref, strconv.FormatInt(w.Repository.ID, 10), w.Target}, "|")))
	return hex.EncodeToString(h.Sum(nil))
}

func (o *Orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.Timeout)
}

func (o *Orchestrator) logger() log.Logger {
	if o.Logger == nil {
		return log.NewNopLogger()
	}
	return o.Logger
}

func (o *Orchestrator) watchLogger(w store.Watch) log.Logger {
	return log.With(o.logger(),
		"repo", w.Repository.String(),
		"ref", w.Ref,
		"sha", w.SHA,
		"target", w.Target,
		"watch", w.ID,
	)
}

func repoOf(r *gh.Repository) github.Repo {
	return github.Repo{ID: r.GetID(), Owner: ownerLogin(r.GetOwner()), Name: r.GetName()}
}

// ownerLogin is the owner's login. Push payloads only fill in name for
// some owners.
func ownerLogin(u *gh.User) string {
	if login := u.GetLogin(); login != "" {
		return login
	}
	return u.GetName()
}
