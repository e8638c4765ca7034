package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	gh "github.com/google/go-github/v28/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	// mux is the HTTP request multiplexer used with the test server.
	mux *http.ServeMux

	// testClient is the client being tested.
	testClient Client

	// server is a test HTTP server used to provide mock API responses.
	server *httptest.Server

	repo = Repo{ID: 1, Owner: "o", Name: "r"}
)

// setup sets up a test HTTP server along with a client that is
// configured to talk to that test server. Tests should register
// handlers on mux which provide mock responses for the API method
// being tested.
func setup() {
	mux = http.NewServeMux()
	server = httptest.NewServer(mux)

	c := gh.NewClient(nil)
	u, _ := url.Parse(server.URL + "/")
	c.BaseURL = u
	c.UploadURL = u
	testClient = &client{client: c}
}

// teardown closes the test HTTP server.
func teardown() {
	server.Close()
}

func testMethod(t *testing.T, r *http.Request, want string) {
	if got := r.Method; got != want {
		t.Errorf("Request method: %v, want %v", got, want)
	}
}

func TestGetRef(t *testing.T) {
	setup()
	defer teardown()

	mux.HandleFunc("/repos/o/r/git/refs/", func(w http.ResponseWriter, r *http.Request) {
		testMethod(t, r, "GET")
		fmt.Fprint(w, `{"ref":"refs/heads/master","object":{"type":"commit","sha":"abc123"}}`)
	})

	sha, err := testClient.GetRef(context.Background(), repo, "refs/heads/master")
	require.NoError(t, err)
	assert.Equal(t, "abc123", sha)
}

func TestGetContents(t *testing.T) {
	setup()
	defer teardown()

	content := base64.StdEncoding.EncodeToString([]byte("production:\n  environment: production\n"))
	mux.HandleFunc("/repos/o/r/contents/.github/deploy.yml", func(w http.ResponseWriter, r *http.Request) {
		testMethod(t, r, "GET")
		assert.Equal(t, "refs/heads/master", r.URL.Query().Get("ref"))
		fmt.Fprintf(w, `{"type":"file","encoding":"base64","content":%q}`, content)
	})

	got, err := testClient.GetContents(context.Background(), repo, ".github/deploy.yml", "refs/heads/master")
	require.NoError(t, err)
	assert.Equal(t, "production:\n  environment: production\n", string(got))
}

func TestGetContents_Directory(t *testing.T) {
	setup()
	defer teardown()

	mux.HandleFunc("/repos/o/r/contents/.github/deploy.yml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"type":"file","name":"a.yml","path":".github/deploy.yml/a.yml"}]`)
	})

	_, err := testClient.GetContents(context.Background(), repo, ".github/deploy.yml", "")
	assert.Equal(t, ErrIsDirectory, err)
}

func TestGetContents_NotFound(t *testing.T) {
	setup()
	defer teardown()

	mux.HandleFunc("/repos/o/r/contents/.github/deploy.yml", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})

	_, err := testClient.GetContents(context.Background(), repo, ".github/deploy.yml", "")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, "Not Found", err.(*APIError).Message)
}

func TestCreateDeployment(t *testing.T) {
	setup()
	defer teardown()

	var got DeploymentRequest
	mux.HandleFunc("/repos/o/r/deployments", func(w http.ResponseWriter, r *http.Request) {
		testMethod(t, r, "POST")
		assert.Contains(t, r.Header.Get("Accept"), previewAntMan)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":42,"sha":"abc123","environment":"production","transient_environment":false}`)
	})

	d, err := testClient.CreateDeployment(context.Background(), repo, DeploymentRequest{
		Ref:              "refs/heads/master",
		Task:             "deploy",
		Environment:      "production",
		Payload:          map[string]interface{}{"target": "production"},
		RequiredContexts: []string{},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), d.ID)
	assert.Equal(t, "production", got.Environment)
	assert.NotNil(t, got.RequiredContexts)
	assert.Empty(t, got.RequiredContexts)
}

func TestDeploymentRequest_RequiredContexts(t *testing.T) {
	b, err := json.Marshal(DeploymentRequest{Ref: "master"})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "required_contexts")

	b, err = json.Marshal(DeploymentRequest{Ref: "master", RequiredContexts: []string{}})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"required_contexts":[]`)
	assert.Contains(t, string(b), `"ref":"master"`)
}

func TestCreateDeployment_Conflict(t *testing.T) {
	setup()
	defer teardown()

	mux.HandleFunc("/repos/o/r/deployments", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"message":"Conflict: Commit status checks failed for master."}`)
	})

	_, err := testClient.CreateDeployment(context.Background(), repo, DeploymentRequest{Ref: "master"})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Equal(t, http.StatusConflict, StatusCode(err))
}

func TestCreateDeployment_AutoMerged(t *testing.T) {
	setup()
	defer teardown()

	mux.HandleFunc("/repos/o/r/deployments", func(w http.ResponseWriter, r *http.Request) {
		testMethod(t, r, "POST")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"message":"Auto-merged master into topic-branch on deployment."}`)
	})

	d, err := testClient.CreateDeployment(context.Background(), repo, DeploymentRequest{
		Ref:         "topic-branch",
		Environment: "staging",
		AutoMerge:   true,
	})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "topic-branch", d.Ref)
	assert.Equal(t, "staging", d.Environment)
	assert.Equal(t, "Auto-merged master into topic-branch on deployment.", d.Description)
}

func TestListDeployments(t *testing.T) {
	setup()
	defer teardown()

	mux.HandleFunc("/repos/o/r/deployments", func(w http.ResponseWriter, r *http.Request) {
		testMethod(t, r, "GET")
		assert.Equal(t, "abc123", r.URL.Query().Get("sha"))
		assert.Equal(t, "", r.URL.Query().Get("ref"))
		fmt.Fprint(w, `[{"id":1,"environment":"staging","transient_environment":true},{"id":2,"environment":"production"}]`)
	})

	ds, err := testClient.ListDeployments(context.Background(), repo, DeploymentsListOptions{SHA: "abc123"})
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.True(t, ds[0].TransientEnvironment)
	assert.Equal(t, "production", ds[1].Environment)
}

func TestCreateDeploymentStatus(t *testing.T) {
	setup()
	defer teardown()

	var body map[string]string
	mux.HandleFunc("/repos/o/r/deployments/7/statuses", func(w http.ResponseWriter, r *http.Request) {
		testMethod(t, r, "POST")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":1,"state":"inactive"}`)
	})

	require.NoError(t, testClient.CreateDeploymentStatus(context.Background(), repo, 7, "inactive"))
	assert.Equal(t, "inactive", body["state"])
}

func TestGetPermissionLevel(t *testing.T) {
	setup()
	defer teardown()

	mux.HandleFunc("/repos/o/r/collaborators/alice/permission", func(w http.ResponseWriter, r *http.Request) {
		testMethod(t, r, "GET")
		fmt.Fprint(w, `{"permission":"write","user":{"login":"alice"}}`)
	})

	perm, err := testClient.GetPermissionLevel(context.Background(), repo, "alice")
	require.NoError(t, err)
	assert.Equal(t, "write", perm)
}

func TestCreateIssueComment(t *testing.T) {
	setup()
	defer teardown()

	var body map[string]string
	mux.HandleFunc("/repos/o/r/issues/3/comments", func(w http.ResponseWriter, r *http.Request) {
		testMethod(t, r, "POST")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":1}`)
	})

	require.NoError(t, testClient.CreateIssueComment(context.Background(), repo, 3, "hello"))
	assert.Equal(t, "hello", body["body"])
}

func TestNewClient_BaseURL(t *testing.T) {
	setup()
	defer teardown()

	mux.HandleFunc("/api/v3/repos/o/r", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"id":99,"name":"r"}`)
	})

	c, err := NewClient("s3cret", nil, server.URL+"/api/v3")
	require.NoError(t, err)
	r, err := c.GetRepository(context.Background(), repo)
	require.NoError(t, err)
	assert.Equal(t, int64(99), r.GetID())
}
