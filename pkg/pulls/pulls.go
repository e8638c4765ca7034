// Package pulls handles pull request housekeeping: retiring review
// environments when a pull request closes, and the /deploy comment
// command.
package pulls

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	gh "github.com/google/go-github/v28/github"
	"github.com/pkg/errors"

	"github.com/deliverybot/deploybot/pkg/deploy"
	"github.com/deliverybot/deploybot/pkg/event"
	"github.com/deliverybot/deploybot/pkg/github"
)

const (
	// Command is the comment prefix that asks for a deployment.
	Command = "/deploy"

	stateInactive = "inactive"
	failedComment = ":rotating_light: Failed to trigger deployment. :rotating_light:\n"
)

// Handler reacts to pull request and issue comment events.
type Handler struct {
	Installations github.Installations
	Deployer      *deploy.Deployer
	Logger        log.Logger
	// Timeout bounds the handling of a single event. Zero means no
	// bound.
	Timeout time.Duration
}

// Register adds the handler's event handlers to d.
func (h *Handler) Register(d *event.Dispatcher) {
	d.On("pull_request.closed", h.handleClosed)
	d.On("issue_comment.created", h.handleComment)
}

func (h *Handler) handleClosed(ctx context.Context, e event.Event) error {
	var p gh.PullRequestEvent
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return errors.Wrap(err, "decoding pull_request")
	}
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()
	client, err := h.Installations.Client(ctx, e.InstallationID)
	if err != nil {
		return err
	}
	return h.Close(ctx, client, repoOf(p.GetRepo()), p.GetPullRequest().GetHead().GetRef())
}

// Close marks every transient deployment of ref inactive, newest
// first. Deployments to permanent environments are left alone. A
// deployment that cannot be marked is logged and skipped.
func (h *Handler) Close(ctx context.Context, client github.Client, repo github.Repo, ref string) error {
	logger := log.With(h.logger(), "repo", repo.String(), "ref", ref)
	deployments, err := client.ListDeployments(ctx, repo, github.DeploymentsListOptions{Ref: ref})
	if err != nil {
		level.Error(logger).Log("msg", "pr close: listing deploys failed", "err", err)
		return err
	}
	level.Info(logger).Log("msg", "pr close: listed deploys", "count", len(deployments))

	for i := len(deployments) - 1; i >= 0; i-- {
		d := deployments[i]
		if !d.TransientEnvironment {
			level.Info(logger).Log("msg", "pr close: not transient", "deployment", d.ID)
			continue
		}
		level.Info(logger).Log("msg", "pr close: mark inactive", "deployment", d.ID)
		if err := client.CreateDeploymentStatus(ctx, repo, d.ID, stateInactive); err != nil {
			level.Error(logger).Log("msg", "pr close: marking inactive failed", "deployment", d.ID, "err", err)
		}
	}
	return nil
}

func (h *Handler) handleComment(ctx context.Context, e event.Event) error {
	var p gh.IssueCommentEvent
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return errors.Wrap(err, "decoding issue_comment")
	}
	body := p.GetComment().GetBody()
	if !strings.HasPrefix(body, Command) {
		return nil
	}
	issue := p.GetIssue()
	if issue == nil || !issue.IsPullRequest() {
		level.Debug(h.logger()).Log("msg", "pr deploy: ignoring command on issue", "issue", issue.GetNumber())
		return nil
	}
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()
	client, err := h.Installations.Client(ctx, e.InstallationID)
	if err != nil {
		return err
	}
	return h.Command(ctx, client, repoOf(p.GetRepo()), body, issue.GetNumber(), p.GetComment().GetUser().GetLogin())
}

// Command deploys the pull request's head to the target named in a
// "/deploy <target>" comment, if user may write to the repository.
// Users who may not are ignored without a reply. Any failure is
// reported back on the pull request.
func (h *Handler) Command(ctx context.Context, client github.Client, repo github.Repo, command string, number int, user string) error {
	logger := log.With(h.logger(), "repo", repo.String(), "pr", number, "user", user)
	level.Info(logger).Log("msg", "pr deploy: handling command", "command", command)

	err := func() error {
		target := ""
		if parts := strings.Split(command, " "); len(parts) > 1 {
			target = parts[1]
		}
		pr, err := client.GetPullRequest(ctx, repo, number)
		if err != nil {
			return err
		}
		write, err := canWrite(ctx, client, repo, user)
		if err != nil {
			return err
		}
		if !write {
			level.Info(logger).Log("msg", "pr deploy: no write priviledges")
			return nil
		}
		_, err = h.Deployer.Deploy(ctx, client, repo, deploy.Options{
			Target:      target,
			Ref:         pr.GetHead().GetRef(),
			SHA:         pr.GetHead().GetSHA(),
			PullRequest: pr,
		})
		return err
	}()
	if err == nil {
		return nil
	}

	level.Info(logger).Log("msg", "pr deploy: failed", "err", err)
	if cerr := client.CreateIssueComment(ctx, repo, number, failedComment+err.Error()); cerr != nil {
		level.Error(logger).Log("msg", "pr deploy: commenting failed", "err", cerr)
		return cerr
	}
	return nil
}

func canWrite(ctx context.Context, client github.Client, repo github.Repo, user string) (bool, error) {
	perm, err := client.GetPermissionLevel(ctx, repo, user)
	if err != nil {
		return false, err
	}
	return perm == "admin" || perm == "write", nil
}

func (h *Handler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.Timeout)
}

func (h *Handler) logger() log.Logger {
	if h.Logger == nil {
		return log.NewNopLogger()
	}
	return h.Logger
}

func repoOf(r *gh.Repository) github.Repo {
	return github.Repo{ID: r.GetID(), Owner: r.GetOwner().GetLogin(), Name: r.GetName()}
}
