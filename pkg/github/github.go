// Package github is deploybot's view of the GitHub API: the handful of
// REST calls the deploy engine needs, behind an interface so the
// engine can be exercised against a fake.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v28/github"
)

// ErrIsDirectory is returned by GetContents when the path names a
// directory rather than a file.
var ErrIsDirectory = errors.New("path is a directory")

// Repo identifies a repository. ID is GitHub's numeric repository id,
// which is what deploybot keys its own state by.
type Repo struct {
	ID    int64  `json:"id"`
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

// QualifyRef turns a bare branch name into "heads/<branch>", the form
// GetRef expects. Qualified refs are returned unchanged.
func QualifyRef(ref string) string {
	ref = strings.TrimPrefix(ref, "refs/")
	if strings.HasPrefix(ref, "heads/") || strings.HasPrefix(ref, "tags/") || strings.HasPrefix(ref, "pull/") {
		return ref
	}
	return "heads/" + ref
}

// Deployment is a GitHub deployment as returned by the deployments
// API (with the ant-man preview, so the environment flags are present).
type Deployment struct {
	ID                    int64           `json:"id"`
	SHA                   string          `json:"sha"`
	Ref                   string          `json:"ref"`
	Task                  string          `json:"task"`
	Environment           string          `json:"environment"`
	Description           string          `json:"description"`
	TransientEnvironment  bool            `json:"transient_environment"`
	ProductionEnvironment bool            `json:"production_environment"`
	Payload               json.RawMessage `json:"payload,omitempty"`
}

// DeploymentRequest is the body of a create-deployment call. A nil
// RequiredContexts is left out, so GitHub checks every context; an
// empty one skips the checks.
type DeploymentRequest struct {
	Ref                   string                 `json:"ref"`
	Task                  string                 `json:"task"`
	AutoMerge             bool                   `json:"auto_merge"`
	RequiredContexts      []string               `json:"required_contexts"`
	Payload               map[string]interface{} `json:"payload"`
	Environment           string                 `json:"environment"`
	Description           string                 `json:"description"`
	TransientEnvironment  bool                   `json:"transient_environment"`
	ProductionEnvironment bool                   `json:"production_environment"`
}

func (r DeploymentRequest) MarshalJSON() ([]byte, error) {
	type plain DeploymentRequest
	body := struct {
		plain
		RequiredContexts *[]string `json:"required_contexts,omitempty"`
	}{plain: plain(r)}
	if r.RequiredContexts != nil {
		body.RequiredContexts = &r.RequiredContexts
	}
	return json.Marshal(body)
}

// DeploymentsListOptions filters ListDeployments. Empty fields are
// not sent.
type DeploymentsListOptions struct {
	SHA         string
	Ref         string
	Environment string
}

// Client is the subset of the GitHub API used by deploybot. All calls
// are scoped to a single installation.
type Client interface {
	// GetRef returns the sha a ref currently points at. The ref may
	// be given with or without the leading "refs/".
	GetRef(ctx context.Context, repo Repo, ref string) (string, error)
	// GetContents returns the decoded content of a file at ref.
	GetContents(ctx context.Context, repo Repo, path, ref string) ([]byte, error)
	GetCommit(ctx context.Context, repo Repo, sha string) (*gh.Commit, error)
	GetRepository(ctx context.Context, repo Repo) (*gh.Repository, error)
	GetPullRequest(ctx context.Context, repo Repo, number int) (*gh.PullRequest, error)
	ListDeployments(ctx context.Context, repo Repo, opts DeploymentsListOptions) ([]Deployment, error)
	CreateDeployment(ctx context.Context, repo Repo, req DeploymentRequest) (*Deployment, error)
	CreateDeploymentStatus(ctx context.Context, repo Repo, deploymentID int64, state string) error
	CreateIssueComment(ctx context.Context, repo Repo, number int, body string) error
	// GetPermissionLevel returns the collaborator permission of user:
	// one of admin, write, read or none.
	GetPermissionLevel(ctx context.Context, repo Repo, user string) (string, error)
}

// Installations hands out clients scoped to a GitHub App installation.
type Installations interface {
	Client(ctx context.Context, installationID int64) (Client, error)
}

// Static is an Installations that uses the same client for every
// installation, e.g. when running against a single repository with a
// personal token.
func Static(c Client) Installations {
	return staticInstallations{c}
}

type staticInstallations struct {
	client Client
}

func (s staticInstallations) Client(context.Context, int64) (Client, error) {
	return s.client, nil
}

// APIError is a non-2xx response from GitHub.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: %s: %s", e.Status, e.Message)
}

// StatusCode returns the HTTP status of the GitHub response that
// caused err, or 0 if err did not come from a GitHub response.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a 404 from GitHub.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from GitHub. For
// create-deployment this means required status checks are not ready.
func IsConflict(err error) bool {
	return StatusCode(err) == http.StatusConflict
}
