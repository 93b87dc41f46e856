package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an error that carries the HTTP status and the detail returned to
// the caller. Detail is a string unless an upstream body decoded into a
// structure.
type Error struct {
	Status int
	Detail any
}

func (e *Error) Error() string {
	switch d := e.Detail.(type) {
	case string:
		return fmt.Sprintf("%d: %s", e.Status, d)
	default:
		return fmt.Sprintf("%d: %v", e.Status, d)
	}
}

func New(status int, detail any) *Error {
	return &Error{Status: status, Detail: detail}
}

func NotFound(detail string) *Error {
	return New(http.StatusNotFound, detail)
}

func InvalidParameter(detail string) *Error {
	return New(http.StatusBadRequest, detail)
}

func Forbidden(detail string) *Error {
	return New(http.StatusForbidden, detail)
}

func Unavailable() *Error {
	return New(http.StatusGatewayTimeout, "Request timed out, model is too busy.")
}

func Internal(kind string) *Error {
	if kind == "" {
		kind = "InternalError"
	}
	return New(http.StatusInternalServerError, kind)
}

func Upstream(status int, detail any) *Error {
	return New(status, detail)
}

var (
	ErrModelNotFound = NotFound("Model not found.")
	ErrToolNotFound  = NotFound("Tool not found.")
	ErrWrongModel    = New(http.StatusUnprocessableEntity, "Wrong model type.")

	ErrCollectionNotFound = NotFound("Collection not found.")
)

// From returns err as an *Error, mapping anything unclassified to a 500.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("")
}
