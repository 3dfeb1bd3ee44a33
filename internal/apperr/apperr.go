// Package apperr defines the error taxonomy shared by the control plane.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes an error for callers that need to branch on it.
type Kind string

const (
	KindRegistrationConflict Kind = "registration_conflict"
	KindNotFound             Kind = "not_found"
	KindDispatchTimeout      Kind = "dispatch_timeout"
	KindDispatchTransport    Kind = "dispatch_transport_error"
	KindValidation           Kind = "validation_error"
	KindStorage              Kind = "storage_error"
)

// Error carries a Kind plus the operation that failed.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation is shorthand for a KindValidation error.
func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, format, args...)
}

// NotFound is shorthand for a KindNotFound error.
func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, format, args...)
}

// Storage wraps a persistence failure.
func Storage(op string, err error) *Error {
	return Wrap(KindStorage, op, err)
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps kind to the status code the API answers with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRegistrationConflict:
		return http.StatusConflict
	case KindDispatchTimeout:
		return http.StatusGatewayTimeout
	case KindDispatchTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
