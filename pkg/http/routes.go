package http

import (
	"github.com/gorilla/mux"
)

// Route names, also used to label request metrics.
const (
	Ping    = "Ping"
	Webhook = "Webhook"

	ListLocks = "ListLocks"
	Lock      = "Lock"
	Unlock    = "Unlock"

	CreateDeployment = "CreateDeployment"
)

// NewAPIRouter has a route for every endpoint deploybot serves, with
// no handlers attached.
func NewAPIRouter() *mux.Router {
	r := mux.NewRouter()

	r.NewRoute().Name(Ping).Methods("GET").Path("/v1/ping")

	// GitHub App webhook deliveries.
	r.NewRoute().Name(Webhook).Methods("POST").Path("/webhooks")

	r.NewRoute().Name(ListLocks).Methods("GET").Path("/v1/repos/{id:[0-9]+}/locks")
	r.NewRoute().Name(Lock).Methods("PUT").Path("/v1/repos/{id:[0-9]+}/locks/{env}")
	r.NewRoute().Name(Unlock).Methods("DELETE").Path("/v1/repos/{id:[0-9]+}/locks/{env}")

	r.NewRoute().Name(CreateDeployment).Methods("POST").Path("/v1/repos/{owner}/{repo}/deployments")

	return r
}
