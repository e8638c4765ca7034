package http

import (
	"errors"

	boterr "github.com/deliverybot/deploybot/pkg/errors"
)

var ErrorUnauthorized = &boterr.Error{
	Type: boterr.User,
	Help: `The webhook delivery failed signature validation.

Check that the webhook secret configured for the GitHub App matches
the one deploybot was started with (--webhook-secret).
`,
	Err: errors.New("webhook signature invalid"),
}

var ErrorTokenInvalid = &boterr.Error{
	Type: boterr.User,
	Help: `The API token was missing or wrong.

Supply the token deploybotd was started with (--api-token) as a
bearer token.
`,
	Err: errors.New("API token invalid"),
}

func MakeAPINotFound(path string) *boterr.Error {
	return &boterr.Error{
		Type: boterr.Missing,
		Help: `The API endpoint requested is not supported by this server:

    ` + path + `
`,
		Err: errors.New("API endpoint not found"),
	}
}

// MakeBadRequest reports a request body or parameter that could not
// be understood.
func MakeBadRequest(err error) *boterr.Error {
	return &boterr.Error{
		Type: boterr.User,
		Help: `The request could not be understood: ` + err.Error(),
		Err:  err,
	}
}
