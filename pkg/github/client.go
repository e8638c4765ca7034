package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gh "github.com/google/go-github/v28/github"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

const (
	// Deployments need these previews for transient_environment,
	// production_environment and the inactive status state.
	previewAntMan = "application/vnd.github.ant-man-preview+json"
	previewFlash  = "application/vnd.github.flash-preview+json"
)

var previews = previewAntMan + "," + previewFlash

type client struct {
	client *gh.Client
}

// NewClient instantiates a GitHub client from a provided OAuth or
// installation token. base is the transport underneath the token
// source (nil means http.DefaultTransport); baseURL overrides the API
// endpoint, e.g. for GitHub Enterprise.
func NewClient(token string, base http.RoundTripper, baseURL string) (Client, error) {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := &http.Client{
		Transport: &oauth2.Transport{Source: ts, Base: base},
	}
	c := gh.NewClient(tc)
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing github url %s", baseURL)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		c.BaseURL = u
		c.UploadURL = u
	}
	return &client{client: c}, nil
}

func (c *client) GetRef(ctx context.Context, repo Repo, ref string) (string, error) {
	r, resp, err := c.client.Git.GetRef(ctx, repo.Owner, repo.Name, strings.TrimPrefix(ref, "refs/"))
	if err != nil {
		return "", parseError(resp, err)
	}
	return r.GetObject().GetSHA(), nil
}

func (c *client) GetContents(ctx context.Context, repo Repo, path, ref string) ([]byte, error) {
	var opt *gh.RepositoryContentGetOptions
	if ref != "" {
		opt = &gh.RepositoryContentGetOptions{Ref: ref}
	}
	file, _, resp, err := c.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, path, opt)
	if err != nil {
		return nil, parseError(resp, err)
	}
	if file == nil {
		return nil, ErrIsDirectory
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return []byte(content), nil
}

func (c *client) GetCommit(ctx context.Context, repo Repo, sha string) (*gh.Commit, error) {
	commit, resp, err := c.client.Git.GetCommit(ctx, repo.Owner, repo.Name, sha)
	if err != nil {
		return nil, parseError(resp, err)
	}
	return commit, nil
}

func (c *client) GetRepository(ctx context.Context, repo Repo) (*gh.Repository, error) {
	r, resp, err := c.client.Repositories.Get(ctx, repo.Owner, repo.Name)
	if err != nil {
		return nil, parseError(resp, err)
	}
	return r, nil
}

func (c *client) GetPullRequest(ctx context.Context, repo Repo, number int) (*gh.PullRequest, error) {
	pr, resp, err := c.client.PullRequests.Get(ctx, repo.Owner, repo.Name, number)
	if err != nil {
		return nil, parseError(resp, err)
	}
	return pr, nil
}

func (c *client) ListDeployments(ctx context.Context, repo Repo, opts DeploymentsListOptions) ([]Deployment, error) {
	q := url.Values{}
	if opts.SHA != "" {
		q.Set("sha", opts.SHA)
	}
	if opts.Ref != "" {
		q.Set("ref", opts.Ref)
	}
	if opts.Environment != "" {
		q.Set("environment", opts.Environment)
	}
	q.Set("per_page", "100")
	u := fmt.Sprintf("repos/%v/%v/deployments?%s", repo.Owner, repo.Name, q.Encode())

	req, err := c.client.NewRequest("GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", previews)

	var deployments []Deployment
	resp, err := c.client.Do(ctx, req, &deployments)
	if err != nil {
		return nil, parseError(resp, err)
	}
	return deployments, nil
}

func (c *client) CreateDeployment(ctx context.Context, repo Repo, body DeploymentRequest) (*Deployment, error) {
	u := fmt.Sprintf("repos/%v/%v/deployments", repo.Owner, repo.Name)
	req, err := c.client.NewRequest("POST", u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", previews)

	var d Deployment
	resp, err := c.client.Do(ctx, req, &d)
	if aerr, ok := err.(*gh.AcceptedError); ok {
		// 202: GitHub merged the default branch into the ref first
		// (auto_merge) and the deployment is created from the result.
		return acceptedDeployment(body, aerr), nil
	}
	if err != nil {
		return nil, parseError(resp, err)
	}
	return &d, nil
}

func acceptedDeployment(body DeploymentRequest, aerr *gh.AcceptedError) *Deployment {
	d := &Deployment{
		Ref:                   body.Ref,
		Task:                  body.Task,
		Environment:           body.Environment,
		Description:           body.Description,
		TransientEnvironment:  body.TransientEnvironment,
		ProductionEnvironment: body.ProductionEnvironment,
	}
	var msg struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(aerr.Raw, &msg) == nil && msg.Message != "" {
		d.Description = msg.Message
	}
	return d
}

func (c *client) CreateDeploymentStatus(ctx context.Context, repo Repo, deploymentID int64, state string) error {
	u := fmt.Sprintf("repos/%v/%v/deployments/%v/statuses", repo.Owner, repo.Name, deploymentID)
	req, err := c.client.NewRequest("POST", u, map[string]string{"state": state})
	if err != nil {
		return err
	}
	req.Header.Set("Accept", previews)

	resp, err := c.client.Do(ctx, req, nil)
	if err != nil {
		return parseError(resp, err)
	}
	return nil
}

func (c *client) CreateIssueComment(ctx context.Context, repo Repo, number int, body string) error {
	_, resp, err := c.client.Issues.CreateComment(ctx, repo.Owner, repo.Name, number, &gh.IssueComment{
		Body: gh.String(body),
	})
	if err != nil {
		return parseError(resp, err)
	}
	return nil
}

func (c *client) GetPermissionLevel(ctx context.Context, repo Repo, user string) (string, error) {
	perm, resp, err := c.client.Repositories.GetPermissionLevel(ctx, repo.Owner, repo.Name, user)
	if err != nil {
		return "", parseError(resp, err)
	}
	return perm.GetPermission(), nil
}

func parseError(resp *gh.Response, err error) error {
	if resp == nil || resp.Response == nil {
		return errors.Wrap(err, "github request failed")
	}
	msg := err.Error()
	var errResp *gh.ErrorResponse
	if errors.As(err, &errResp) && errResp.Message != "" {
		msg = errResp.Message
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Message:    msg,
	}
}
