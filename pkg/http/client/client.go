// Package client talks to a deploybotd's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	boterr "github.com/deliverybot/deploybot/pkg/errors"
	"github.com/deliverybot/deploybot/pkg/github"
	transport "github.com/deliverybot/deploybot/pkg/http"
	"github.com/deliverybot/deploybot/pkg/http/server"
	"github.com/deliverybot/deploybot/pkg/store"
)

type Token string

func (t Token) Set(req *http.Request) {
	if string(t) != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t))
	}
}

type Client struct {
	client   *http.Client
	token    Token
	router   *mux.Router
	endpoint string
}

func New(c *http.Client, router *mux.Router, endpoint string, t Token) *Client {
	if c == nil {
		c = http.DefaultClient
	}
	return &Client{
		client:   c,
		token:    t,
		router:   router,
		endpoint: endpoint,
	}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.methodWithResp(ctx, "GET", nil, transport.Ping, nil)
}

func (c *Client) ListLocks(ctx context.Context, repoID int64) ([]store.Lock, error) {
	var res []store.Lock
	err := c.methodWithResp(ctx, "GET", &res, transport.ListLocks, nil, "id", id(repoID))
	return res, err
}

func (c *Client) Lock(ctx context.Context, repoID int64, env string) error {
	return c.methodWithResp(ctx, "PUT", nil, transport.Lock, nil, "id", id(repoID), "env", env)
}

func (c *Client) Unlock(ctx context.Context, repoID int64, env string) error {
	return c.methodWithResp(ctx, "DELETE", nil, transport.Unlock, nil, "id", id(repoID), "env", env)
}

// CreateDeployment asks the server to deploy req.Target in repo.
func (c *Client) CreateDeployment(ctx context.Context, repo github.Repo, req server.DeploymentRequest) (*github.Deployment, error) {
	var res github.Deployment
	err := c.methodWithResp(ctx, "POST", &res, transport.CreateDeployment, req, "owner", repo.Owner, "repo", repo.Name)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// methodWithResp encodes body, if not nil, as JSON and decodes the
// response into dest. The response is only decoded if there is one.
func (c *Client) methodWithResp(ctx context.Context, method string, dest interface{}, route string, body interface{}, pairs ...string) error {
	u, err := transport.MakeURL(c.endpoint, c.router, route, pairs...)
	if err != nil {
		return errors.Wrap(err, "constructing URL")
	}

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
	}

	req, err := http.NewRequest(method, u.String(), bytes.NewReader(bodyBytes))
	if err != nil {
		return errors.Wrapf(err, "constructing request %s", u)
	}
	req = req.WithContext(ctx)

	c.token.Set(req)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.executeRequest(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBytes, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading response from server")
	}
	if len(respBytes) == 0 || dest == nil {
		return nil
	}
	if err := json.Unmarshal(respBytes, dest); err != nil {
		return errors.Wrap(err, "decoding response from server")
	}
	return nil
}

func (c *Client) executeRequest(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "executing HTTP request")
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusAccepted:
		return resp, nil
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response body of error")
	}
	// Our own errors come back as JSON; anything else is passed on
	// as the status and body.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var niceError boterr.Error
		if err := json.Unmarshal(body, &niceError); err != nil {
			return nil, errors.Wrap(err, "decoding response body of error")
		}
		if niceError.Err != nil {
			return nil, &niceError
		}
	}
	return nil, errors.New(resp.Status + " " + string(body))
}

func id(repoID int64) string {
	return strconv.FormatInt(repoID, 10)
}
