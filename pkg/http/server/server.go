// Package server serves deploybot's HTTP API: GitHub webhook
// deliveries, environment locks and manual deployments.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strconv"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	gh "github.com/google/go-github/v28/github"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/weaveworks/common/middleware"

	"github.com/deliverybot/deploybot/pkg/bus"
	"github.com/deliverybot/deploybot/pkg/deploy"
	"github.com/deliverybot/deploybot/pkg/event"
	"github.com/deliverybot/deploybot/pkg/github"
	transport "github.com/deliverybot/deploybot/pkg/http"
	botmetrics "github.com/deliverybot/deploybot/pkg/metrics"
	"github.com/deliverybot/deploybot/pkg/store"
)

var (
	requestDuration = stdprometheus.NewHistogramVec(stdprometheus.HistogramOpts{
		Namespace: "deploybot",
		Name:      "request_duration_seconds",
		Help:      "Time (in seconds) spent serving HTTP requests.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{botmetrics.LabelMethod, botmetrics.LabelRoute, "status_code", "ws"})
)

func init() {
	stdprometheus.MustRegister(requestDuration)
}

// Server is what the handlers act on.
type Server struct {
	// Publisher receives webhook deliveries as events.
	Publisher bus.Publisher
	// WebhookSecret validates delivery signatures. Empty accepts any
	// delivery.
	WebhookSecret []byte
	// APIToken, if set, must be presented as a bearer token to use
	// the lock and deployment endpoints.
	APIToken string

	Locks         *store.EnvLockStore
	Installations github.Installations
	Deployer      *deploy.Deployer
	Logger        log.Logger
}

// NewRouter is the API router, answering anything it does not know
// with a 404.
func NewRouter() *mux.Router {
	r := transport.NewAPIRouter()
	r.NewRoute().Name("NotFound").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		transport.WriteError(w, r, http.StatusNotFound, transport.MakeAPINotFound(r.URL.Path))
	})
	return r
}

func NewHandler(s *Server, r *mux.Router) http.Handler {
	if s.Logger == nil {
		s.Logger = log.NewNopLogger()
	}
	handle := HTTPServer{s}

	r.Get(transport.Ping).HandlerFunc(handle.Ping)
	r.Get(transport.Webhook).HandlerFunc(handle.Webhook)
	r.Get(transport.ListLocks).HandlerFunc(handle.authorized(handle.ListLocks))
	r.Get(transport.Lock).HandlerFunc(handle.authorized(handle.Lock))
	r.Get(transport.Unlock).HandlerFunc(handle.authorized(handle.Unlock))
	r.Get(transport.CreateDeployment).HandlerFunc(handle.authorized(handle.CreateDeployment))

	return middleware.Instrument{
		RouteMatcher: r,
		Duration:     requestDuration,
	}.Wrap(r)
}

type HTTPServer struct {
	server *Server
}

func (s HTTPServer) authorized(h http.HandlerFunc) http.HandlerFunc {
	if s.server.APIToken == "" {
		return h
	}
	want := []byte("Bearer " + s.server.APIToken)
	return func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			transport.WriteError(w, r, http.StatusUnauthorized, transport.ErrorTokenInvalid)
			return
		}
		h(w, r)
	}
}

func (s HTTPServer) Ping(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// Webhook takes a GitHub delivery and publishes it. It answers 202
// once the event is handed over.
func (s HTTPServer) Webhook(w http.ResponseWriter, r *http.Request) {
	var payload []byte
	var err error
	if len(s.server.WebhookSecret) > 0 {
		payload, err = gh.ValidatePayload(r, s.server.WebhookSecret)
		if err != nil {
			level.Warn(s.server.Logger).Log("msg", "rejecting webhook", "delivery", gh.DeliveryID(r), "err", err)
			transport.WriteError(w, r, http.StatusUnauthorized, transport.ErrorUnauthorized)
			return
		}
	} else {
		defer r.Body.Close()
		payload, err = ioutil.ReadAll(r.Body)
		if err != nil {
			transport.WriteError(w, r, http.StatusBadRequest, transport.MakeBadRequest(err))
			return
		}
	}

	name := gh.WebHookType(r)
	if !knownWebHook(name) {
		// Apps are sent event types no handler deals with; acknowledge
		// them so they don't show up as failed deliveries.
		level.Debug(s.server.Logger).Log("msg", "ignoring webhook", "delivery", gh.DeliveryID(r), "event", name)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if _, err := gh.ParseWebHook(name, payload); err != nil {
		transport.WriteError(w, r, http.StatusBadRequest, transport.MakeBadRequest(err))
		return
	}
	e, err := event.New(gh.DeliveryID(r), name, payload)
	if err != nil {
		transport.WriteError(w, r, http.StatusBadRequest, transport.MakeBadRequest(err))
		return
	}
	level.Debug(s.server.Logger).Log("msg", "webhook received", "id", e.ID, "event", e.Key(), "installation", e.InstallationID)
	if err := s.server.Publisher.Publish(r.Context(), e); err != nil {
		level.Error(s.server.Logger).Log("msg", "publishing webhook", "id", e.ID, "event", e.Key(), "err", err)
		transport.ErrorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// knownWebHook reports whether go-github has a type for the event
// name; any known type parses an empty object.
func knownWebHook(name string) bool {
	_, err := gh.ParseWebHook(name, []byte("{}"))
	return err == nil
}

func (s HTTPServer) ListLocks(w http.ResponseWriter, r *http.Request) {
	repoID, err := repoID(r)
	if err != nil {
		transport.WriteError(w, r, http.StatusBadRequest, transport.MakeBadRequest(err))
		return
	}
	locks, err := s.server.Locks.List(r.Context(), repoID)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, locks)
}

func (s HTTPServer) Lock(w http.ResponseWriter, r *http.Request) {
	repoID, err := repoID(r)
	if err != nil {
		transport.WriteError(w, r, http.StatusBadRequest, transport.MakeBadRequest(err))
		return
	}
	if err := s.server.Locks.Lock(r.Context(), repoID, mux.Vars(r)["env"]); err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s HTTPServer) Unlock(w http.ResponseWriter, r *http.Request) {
	repoID, err := repoID(r)
	if err != nil {
		transport.WriteError(w, r, http.StatusBadRequest, transport.MakeBadRequest(err))
		return
	}
	if err := s.server.Locks.Unlock(r.Context(), repoID, mux.Vars(r)["env"]); err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeploymentRequest is the body of a manual deployment.
type DeploymentRequest struct {
	InstallationID int64  `json:"installation_id"`
	Target         string `json:"target"`
	Ref            string `json:"ref"`
	// SHA defaults to the commit Ref points at.
	SHA   string `json:"sha,omitempty"`
	Force bool   `json:"force,omitempty"`
	Task  string `json:"task,omitempty"`
}

func (s HTTPServer) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req DeploymentRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		transport.WriteError(w, r, http.StatusBadRequest, transport.MakeBadRequest(err))
		return
	}
	if req.Target == "" || req.Ref == "" {
		transport.WriteError(w, r, http.StatusBadRequest, transport.MakeBadRequest(errors.New("target and ref are required")))
		return
	}

	ctx := r.Context()
	client, err := s.server.Installations.Client(ctx, req.InstallationID)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	vars := mux.Vars(r)
	repo := github.Repo{Owner: vars["owner"], Name: vars["repo"]}
	if req.SHA == "" {
		req.SHA, err = client.GetRef(ctx, repo, github.QualifyRef(req.Ref))
		if err != nil {
			transport.ErrorResponse(w, r, err)
			return
		}
	}

	d, err := s.server.Deployer.Deploy(ctx, client, repo, deploy.Options{
		Target: req.Target,
		Ref:    req.Ref,
		SHA:    req.SHA,
		Force:  req.Force,
		Task:   req.Task,
	})
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponseCode(w, r, http.StatusCreated, d)
}

func repoID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parsing repository id")
	}
	return id, nil
}
