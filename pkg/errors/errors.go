package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Representation of errors in deploybot. These are divided into a small
// number of categories, essentially distinguished by whose fault the
// error is and what the caller should do next; i.e., is this error:
//  - a transient problem with the service, so worth trying again?
//  - not going to work until the user takes some other action, e.g., fixing deploy.yml?
//  - an environment that somebody has locked on purpose?
type Error struct {
	Type Type
	// a message that can be printed out for the user
	Help string `json:"help"`
	// the underlying error that can be e.g., logged for developers to look at
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Type)
	}
	return e.Err.Error()
}

// Cause satisfies github.com/pkg/errors.Cause.
func (e *Error) Cause() error {
	return e.Err
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Type string

const (
	// The operation looked fine on paper, but something went wrong
	Server Type = "server"
	// The thing you mentioned, whatever it is, just doesn't exist
	Missing Type = "missing"
	// The operation was well-formed, but you asked for something that
	// can't happen at present
	User Type = "user"
	// The repository's deploy configuration is missing a target, is
	// malformed, or fails validation
	Config Type = "config"
	// The environment being deployed to is administratively locked
	Lock Type = "lock"
)

// ConfigError reports a problem with a repository's deploy configuration.
func ConfigError(format string, args ...interface{}) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{
		Type: Config,
		Err:  err,
		Help: `Error: ` + err.Error() + `

Check .github/deploy.yml on the ref being deployed.`,
	}
}

// LockError reports that env cannot be deployed to because it is locked.
func LockError(env string) *Error {
	return &Error{
		Type: Lock,
		Err:  fmt.Errorf("deployment environment %q locked", env),
		Help: `The environment ` + env + ` is locked. Unlock it before deploying.`,
	}
}

// Is reports whether any error in err's chain is an *Error of type t.
func Is(err error, t Type) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}

func IsMissing(err error) bool {
	return Is(err, Missing)
}

func IsConfig(err error) bool {
	return Is(err, Config)
}

func IsLock(err error) bool {
	return Is(err, Lock)
}

func (e *Error) MarshalJSON() ([]byte, error) {
	var errMsg string
	if e.Err != nil {
		errMsg = e.Err.Error()
	}
	jsonable := &struct {
		Type string `json:"type"`
		Help string `json:"help"`
		Err  string `json:"error,omitempty"`
	}{
		Type: string(e.Type),
		Help: e.Help,
		Err:  errMsg,
	}
	return json.Marshal(jsonable)
}

func (e *Error) UnmarshalJSON(data []byte) error {
	jsonable := &struct {
		Type string `json:"type"`
		Help string `json:"help"`
		Err  string `json:"error,omitempty"`
	}{}
	if err := json.Unmarshal(data, &jsonable); err != nil {
		return err
	}
	e.Type = Type(jsonable.Type)
	e.Help = jsonable.Help
	if jsonable.Err != "" {
		e.Err = errors.New(jsonable.Err)
	}
	return nil
}

func CoverAllError(err error) *Error {
	return &Error{
		Type: Server,
		Err:  err,
		Help: `Error: ` + err.Error() + `

We don't have a specific help message for the error above.

It would help us remedy this if you log an issue at

    https://github.com/deliverybot/deploybot/issues

saying what you were doing when you saw this, and quoting the message
at the top.
`,
	}
}
