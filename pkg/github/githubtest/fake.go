// Package githubtest provides an in-memory github.Client for tests.
package githubtest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	gh "github.com/google/go-github/v28/github"

	"github.com/deliverybot/deploybot/pkg/github"
)

// Comment is a recorded CreateIssueComment call.
type Comment struct {
	Number int
	Body   string
}

// Status is a recorded CreateDeploymentStatus call.
type Status struct {
	DeploymentID int64
	State        string
}

// Fake is a github.Client backed by maps. Zero values behave like an
// empty repository: refs and files are missing (404). Every mutating
// call is recorded so tests can assert on it.
type Fake struct {
	mu sync.Mutex

	RepoID int64
	// Refs maps a ref without the "refs/" prefix, e.g. "heads/master",
	// to the sha it points at.
	Refs map[string]string
	// Files maps "path@ref" to content. A key without "@ref" matches
	// any ref.
	Files       map[string]string
	Directories map[string]bool
	// Permissions maps a login to its collaborator permission.
	Permissions  map[string]string
	PullRequests map[int]*gh.PullRequest
	Deployments  []github.Deployment

	// CreateErrs is consumed one per CreateDeployment call; a nil entry
	// (or an exhausted slice) means success.
	CreateErrs []error
	// CreateFunc, if set, runs before every CreateDeployment call and
	// fails it when it returns an error.
	CreateFunc func(ctx context.Context, req github.DeploymentRequest) error
	// StatusErrs fails CreateDeploymentStatus for a deployment id.
	StatusErrs map[int64]error
	// Err, if set, is returned by every call.
	Err error

	Created  []github.DeploymentRequest
	Statuses []Status
	Comments []Comment
	RefCalls int
}

var _ github.Client = &Fake{}

func NewFake() *Fake {
	return &Fake{
		RepoID:       1,
		Refs:         map[string]string{},
		Files:        map[string]string{},
		Directories:  map[string]bool{},
		Permissions:  map[string]string{},
		PullRequests: map[int]*gh.PullRequest{},
		StatusErrs:   map[int64]error{},
	}
}

// NotFound is the error GitHub gives for missing things.
func NotFound() error {
	return &github.APIError{StatusCode: http.StatusNotFound, Status: "404 Not Found", Message: "Not Found"}
}

// Conflict is the error GitHub gives when required checks have not
// passed yet.
func Conflict() error {
	return &github.APIError{StatusCode: http.StatusConflict, Status: "409 Conflict", Message: "Conflict: Commit status checks failed"}
}

// SetConfig stores content as the deploy config for every ref.
func (f *Fake) SetConfig(content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Files[".github/deploy.yml"] = content
}

// SetRef points ref at sha.
func (f *Fake) SetRef(ref, sha string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Refs[strings.TrimPrefix(ref, "refs/")] = sha
}

// CreatedCount is the number of CreateDeployment calls that succeeded.
func (f *Fake) CreatedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Deployments)
}

func (f *Fake) GetRef(ctx context.Context, repo github.Repo, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RefCalls++
	if f.Err != nil {
		return "", f.Err
	}
	sha, ok := f.Refs[strings.TrimPrefix(ref, "refs/")]
	if !ok {
		return "", NotFound()
	}
	return sha, nil
}

func (f *Fake) GetContents(ctx context.Context, repo github.Repo, path, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Directories[path] {
		return nil, github.ErrIsDirectory
	}
	if content, ok := f.Files[path+"@"+ref]; ok {
		return []byte(content), nil
	}
	if content, ok := f.Files[path]; ok {
		return []byte(content), nil
	}
	return nil, NotFound()
}

func (f *Fake) GetCommit(ctx context.Context, repo github.Repo, sha string) (*gh.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return &gh.Commit{
		SHA:     gh.String(sha),
		Message: gh.String("commit " + sha),
	}, nil
}

func (f *Fake) GetRepository(ctx context.Context, repo github.Repo) (*gh.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return &gh.Repository{
		ID:   gh.Int64(f.RepoID),
		Name: gh.String(repo.Name),
	}, nil
}

func (f *Fake) GetPullRequest(ctx context.Context, repo github.Repo, number int) (*gh.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	pr, ok := f.PullRequests[number]
	if !ok {
		return nil, NotFound()
	}
	return pr, nil
}

func (f *Fake) ListDeployments(ctx context.Context, repo github.Repo, opts github.DeploymentsListOptions) ([]github.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []github.Deployment
	for _, d := range f.Deployments {
		if opts.SHA != "" && d.SHA != opts.SHA {
			continue
		}
		if opts.Ref != "" && d.Ref != opts.Ref {
			continue
		}
		if opts.Environment != "" && d.Environment != opts.Environment {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (f *Fake) CreateDeployment(ctx context.Context, repo github.Repo, req github.DeploymentRequest) (*github.Deployment, error) {
	if f.CreateFunc != nil {
		if err := f.CreateFunc(ctx, req); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.Created = append(f.Created, req)
	if len(f.CreateErrs) > 0 {
		err := f.CreateErrs[0]
		f.CreateErrs = f.CreateErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	sha, ok := f.Refs[strings.TrimPrefix(req.Ref, "refs/")]
	if !ok {
		sha = req.Ref
	}
	d := github.Deployment{
		ID:                    int64(len(f.Deployments) + 1),
		SHA:                   sha,
		Ref:                   req.Ref,
		Task:                  req.Task,
		Environment:           req.Environment,
		Description:           req.Description,
		TransientEnvironment:  req.TransientEnvironment,
		ProductionEnvironment: req.ProductionEnvironment,
	}
	f.Deployments = append(f.Deployments, d)
	return &d, nil
}

func (f *Fake) CreateDeploymentStatus(ctx context.Context, repo github.Repo, deploymentID int64, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if err := f.StatusErrs[deploymentID]; err != nil {
		return err
	}
	f.Statuses = append(f.Statuses, Status{DeploymentID: deploymentID, State: state})
	return nil
}

func (f *Fake) CreateIssueComment(ctx context.Context, repo github.Repo, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Comments = append(f.Comments, Comment{Number: number, Body: body})
	return nil
}

func (f *Fake) GetPermissionLevel(ctx context.Context, repo github.Repo, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	perm, ok := f.Permissions[user]
	if !ok {
		return "", fmt.Errorf("no permission configured for %s", user)
	}
	return perm, nil
}
