// Package errs holds the error kinds shared by the backend handlers and the
// party HTTP client, and their mapping to HTTP status codes.
package errs

import (
	"errors"
	"net/http"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")

	ErrUpstream    = errors.New("upstream error")
	ErrUnavailable = errors.New("service unavailable")
)

// statusOf is ordered: the first kind err matches decides the status.
var statusOf = []struct {
	kind   error
	status int
}{
	{ErrInvalidInput, http.StatusBadRequest},
	{ErrNotFound, http.StatusNotFound},
	{ErrConflict, http.StatusConflict},
	{ErrUnavailable, http.StatusServiceUnavailable},
	{ErrUpstream, http.StatusBadGateway},
}

func ToHTTP(err error) int {
	for _, m := range statusOf {
		if errors.Is(err, m.kind) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// FromHTTP maps a response status back to its kind. Statuses without a
// kind of their own fold into the nearest one; unknown ones are ErrUpstream.
func FromHTTP(status int) error {
	switch status {
	case http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		return ErrInvalidInput
	case http.StatusTooManyRequests, http.StatusGatewayTimeout:
		return ErrUnavailable
	}
	for _, m := range statusOf {
		if m.status == status {
			return m.kind
		}
	}
	return ErrUpstream
}

// Retryable reports whether repeating the same request may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
