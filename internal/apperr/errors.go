// Package apperr defines the error kinds callers of the orchestrator can act on.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	AuthorizationRequired  Kind = "AuthorizationRequired"
	AdminApprovalRequired  Kind = "AdminApprovalRequired"
	NoiseThresholdExceeded Kind = "NoiseThresholdExceeded"
	ScopeTooLarge          Kind = "ScopeTooLarge"
	InvalidRequest         Kind = "InvalidRequest"
	NotFound               Kind = "NotFound"
	InvalidTransition      Kind = "InvalidTransition"

	// Recorded on the job, never returned to the caller.
	ContainerLaunchFailure Kind = "ContainerLaunchFailure"
	ContainerTimeout       Kind = "ContainerTimeout"
	NonZeroExit            Kind = "NonZeroExit"
	CorrelationParseError  Kind = "CorrelationParseError"
)

// Error carries an operation name and kind alongside the underlying cause.
type Error struct {
	Op   string
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error.
func E(op string, kind Kind, msg string, err error) error {
	return &Error{Op: op, Kind: kind, Msg: msg, Err: err}
}

// Ef builds an *Error with a formatted message.
func Ef(op string, kind Kind, format string, args ...any) error {
	return &Error{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind onto the status code returned by the job API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case AuthorizationRequired, AdminApprovalRequired:
		return http.StatusForbidden
	case NoiseThresholdExceeded, ScopeTooLarge:
		return http.StatusUnprocessableEntity
	case InvalidRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case InvalidTransition:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
