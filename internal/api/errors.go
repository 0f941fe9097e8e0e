package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/samcharles93/batchd/internal/batching"
)

var ErrInvalidRequest = errors.New("invalid_request")

// statusClientClosed is reported when the caller goes away before its
// request resolves.
const statusClientClosed = 499

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// statusFor maps a request failure to an HTTP status and error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, batching.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, batching.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, batching.ErrResourceExhausted):
		return http.StatusServiceUnavailable, "resource_exhausted"
	case errors.Is(err, batching.ErrShutdown):
		return http.StatusServiceUnavailable, "shutdown"
	case errors.Is(err, batching.ErrMerge):
		return http.StatusUnprocessableEntity, "merge"
	case errors.Is(err, context.Canceled):
		return statusClientClosed, "canceled"
	}
	return http.StatusInternalServerError, batching.KindName(err)
}
