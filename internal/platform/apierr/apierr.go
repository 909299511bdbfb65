// Package apierr maps the engine's error kinds onto the admin HTTP
// surface: each failure carries the HTTP status it renders as, a stable
// machine-readable code, and the underlying cause.
package apierr

import (
	"errors"
	"net/http"

	"github.com/yungbote/dflow/internal/engine/enginerr"
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// FromEngine classifies err by the engine's error kinds. Dispatcher
// errors (unknown-procedure, serialization-error, registration-conflict)
// are the caller's fault; storage errors are the deployment's; anything
// unrecognized is a plain internal error.
func FromEngine(err error) Error {
	switch {
	case errors.Is(err, enginerr.ErrUnknownProcedure):
		return Error{Status: http.StatusNotFound, Code: "unknown_procedure", Err: err}
	case errors.Is(err, enginerr.ErrSerialization):
		return Error{Status: http.StatusBadRequest, Code: "serialization_error", Err: err}
	case errors.Is(err, enginerr.ErrRegistrationConflict):
		return Error{Status: http.StatusConflict, Code: "registration_conflict", Err: err}
	case errors.Is(err, enginerr.ErrStorage):
		return Error{Status: http.StatusServiceUnavailable, Code: "storage_error", Err: err}
	default:
		return Error{Status: http.StatusInternalServerError, Code: "internal", Err: err}
	}
}

// NotFound wraps err as a 404 for lookups whose subject does not exist
// (an execution id the backend has no row for).
func NotFound(err error) Error {
	return Error{Status: http.StatusNotFound, Code: "not_found", Err: err}
}

// BadRequest wraps err as a 400 for malformed request payloads.
func BadRequest(err error) Error {
	return Error{Status: http.StatusBadRequest, Code: "bad_request", Err: err}
}
