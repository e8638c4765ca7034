// Package http holds what deploybot's HTTP API is made of: the routes,
// and how results and errors are written back.
package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	boterr "github.com/deliverybot/deploybot/pkg/errors"
	"github.com/deliverybot/deploybot/pkg/github"
)

// MakeURL builds the URL of the named route under endpoint. pairs are
// the route's variables, e.g. "id", "42".
func MakeURL(endpoint string, router *mux.Router, routeName string, pairs ...string) (*url.URL, error) {
	if len(pairs)%2 != 0 {
		panic("pairs must be even!")
	}

	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing endpoint %s", endpoint)
	}
	route := router.Get(routeName)
	if route == nil {
		return nil, errors.New("no route with name " + routeName)
	}
	routeURL, err := route.URLPath(pairs...)
	if err != nil {
		return nil, errors.Wrapf(err, "retrieving route path %s", routeName)
	}

	endpointURL.Path = path.Join(endpointURL.Path, routeURL.Path)
	return endpointURL, nil
}

func WriteError(w http.ResponseWriter, r *http.Request, code int, err error) {
	// Clients asking for JSON get the error encoded; anyone else gets
	// the help text, or failing that the message.
	if len(r.Header.Get("Accept")) > 0 {
		switch negotiateContentType(r, []string{"application/json", "text/plain"}) {
		case "application/json":
			body, encodeErr := json.Marshal(err)
			if encodeErr != nil {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprintf(w, "Error encoding error response: %s\n\nOriginal error: %s", encodeErr.Error(), err.Error())
				return
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(code)
			w.Write(body)
			return
		case "text/plain":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(code)
			if e, ok := err.(*boterr.Error); ok {
				fmt.Fprint(w, e.Help)
			} else {
				fmt.Fprint(w, err.Error())
			}
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprint(w, err.Error())
}

func JSONResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	JSONResponseCode(w, r, http.StatusOK, result)
}

func JSONResponseCode(w http.ResponseWriter, r *http.Request, code int, result interface{}) {
	body, err := json.Marshal(result)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(body)
}

// ErrorResponse writes err with the status its kind calls for. A
// locked environment is a bad request, broken configuration is
// unprocessable, and GitHub's own 404 and 409 are passed on.
func ErrorResponse(w http.ResponseWriter, r *http.Request, apiError error) {
	var outErr *boterr.Error
	var code int
	var ok bool

	err := errors.Cause(apiError)
	if outErr, ok = err.(*boterr.Error); !ok {
		switch status := github.StatusCode(apiError); status {
		case http.StatusNotFound:
			outErr = &boterr.Error{Type: boterr.Missing, Help: apiError.Error(), Err: apiError}
		case http.StatusConflict:
			WriteError(w, r, status, &boterr.Error{
				Type: boterr.User,
				Help: "GitHub refused the deployment because required status checks have not passed.",
				Err:  apiError,
			})
			return
		default:
			outErr = boterr.CoverAllError(apiError)
		}
	}
	switch outErr.Type {
	case boterr.Missing:
		code = http.StatusNotFound
	case boterr.Lock:
		code = http.StatusBadRequest
	case boterr.Config, boterr.User:
		code = http.StatusUnprocessableEntity
	case boterr.Server:
		code = http.StatusInternalServerError
	default:
		code = http.StatusInternalServerError
	}
	WriteError(w, r, code, outErr)
}
