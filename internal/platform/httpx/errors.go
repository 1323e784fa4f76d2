// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors understood by RespondError.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrDuplicate     = errors.New("duplicate entry")
	ErrValidation    = errors.New("validation failed")
	ErrUnprocessable = errors.New("unprocessable entity")
	ErrConflict      = errors.New("conflict")
	ErrUnavailable   = errors.New("service unavailable")
)

// Error attaches a client-facing detail and optional data to a sentinel.
type Error struct {
	Kind   error
	Detail string
	Data   any
}

func (e *Error) Error() string {
	return e.Detail
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Wrap builds an *Error.
func Wrap(kind error, detail string, data any) error {
	return &Error{Kind: kind, Detail: detail, Data: data}
}

// RespondError maps errors to HTTP responses using RFC7807. Unknown errors
// become a 500 without detail.
func RespondError(w http.ResponseWriter, err error) {
	status, title := classify(err)
	problem := ProblemDetail{Title: title, Status: status}
	var detailed *Error
	if errors.As(err, &detailed) {
		problem.Detail = detailed.Detail
		problem.Errors = detailed.Data
	} else if status != http.StatusInternalServerError {
		problem.Detail = err.Error()
	}
	JSON(w, status, problem)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, ErrDuplicate):
		return http.StatusConflict, "Duplicate"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "Validation Failed"
	case errors.Is(err, ErrUnprocessable):
		return http.StatusUnprocessableEntity, "Unprocessable Entity"
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable, "Service Unavailable"
	}
	return http.StatusInternalServerError, "Internal Error"
}
