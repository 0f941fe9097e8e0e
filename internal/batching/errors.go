package batching

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error delivered to a Future wraps exactly one of these.
var (
	ErrTimeout           = errors.New("queue timeout")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrMerge             = errors.New("merge failed")
	ErrShutdown          = errors.New("queue shut down")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrDevice            = errors.New("device transfer failed")
	ErrUnanswered        = errors.New("batch released without a response")
)

var failureKinds = [...]error{
	ErrTimeout,
	ErrResourceExhausted,
	ErrMerge,
	ErrShutdown,
	ErrInvalidRequest,
	ErrDevice,
	ErrUnanswered,
}

// Error is the failure delivered to a single request.
type Error struct {
	Kind      error
	RequestID string
	Cause     error
}

func newError(kind error, requestID string, cause error) *Error {
	return &Error{Kind: kind, RequestID: requestID, Cause: cause}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.RequestID != "" {
		msg = fmt.Sprintf("request %s: %s", e.RequestID, msg)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// KindOf returns the failure kind wrapped by err, or nil if err is not a
// batching failure.
func KindOf(err error) error {
	for _, k := range failureKinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindName is a short stable label for err's kind, used in metrics and logs.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrTimeout:
		return "timeout"
	case ErrResourceExhausted:
		return "resource_exhausted"
	case ErrMerge:
		return "merge"
	case ErrShutdown:
		return "shutdown"
	case ErrInvalidRequest:
		return "invalid_request"
	case ErrDevice:
		return "device"
	case ErrUnanswered:
		return "unanswered"
	default:
		if err == nil {
			return "ok"
		}
		return "other"
	}
}
