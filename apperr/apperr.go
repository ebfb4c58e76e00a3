// Package apperr classifies service failures into the kinds the HTTP layer renders.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel kinds.
var (
	// ErrValidation indicates a request failed input validation.
	ErrValidation = errors.New("validation error")

	// ErrUnauthorized indicates a missing, invalid or unresolvable credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the caller lacks the required role or is not active.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness constraint would be violated.
	ErrConflict = errors.New("conflict")

	// ErrUpstream indicates the identity provider or database rejected a call.
	ErrUpstream = errors.New("upstream error")

	// ErrInternal indicates an unexpected failure.
	ErrInternal = errors.New("internal error")
)

// Error is a classified failure. Message and Details are safe to show to clients;
// Err is the underlying cause and is only logged.
type Error struct {
	// Kind is one of the sentinel kinds above.
	Kind error

	// Op identifies the operation that failed (e.g. "account.Register").
	Op string

	// Message is the client-facing summary.
	Message string

	// Details are client-facing error lines.
	Details []string

	// Err is the underlying wrapped error, if any.
	Err error
}

// New creates a classified error.
func New(kind error, op, message string, err error, details ...string) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Details: details, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

// Unwrap returns the underlying wrapped error.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target matches the kind or the wrapped chain.
func (e *Error) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	return e.Err != nil && errors.Is(e.Err, target)
}

// Validation returns an ErrValidation error.
func Validation(op, message string, details ...string) *Error {
	return New(ErrValidation, op, message, nil, details...)
}

// Unauthorized returns an ErrUnauthorized error.
func Unauthorized(op, message string, err error) *Error {
	return New(ErrUnauthorized, op, message, err)
}

// Forbidden returns an ErrForbidden error.
func Forbidden(op, message string) *Error {
	return New(ErrForbidden, op, message, nil)
}

// NotFound returns an ErrNotFound error.
func NotFound(op, message string, details ...string) *Error {
	return New(ErrNotFound, op, message, nil, details...)
}

// Conflict returns an ErrConflict error.
func Conflict(op, message string, details ...string) *Error {
	return New(ErrConflict, op, message, nil, details...)
}

// Upstream returns an ErrUpstream error. The provider's text is surfaced verbatim.
func Upstream(op, message string, err error, details ...string) *Error {
	return New(ErrUpstream, op, message, err, details...)
}

// Internal returns an ErrInternal error wrapping err.
func Internal(op string, err error) *Error {
	return New(ErrInternal, op, "Internal server error", err)
}

// KindOf returns the sentinel kind of err, or ErrInternal when err is unclassified.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) && e.Kind != nil {
		return e.Kind
	}
	for _, k := range []error{ErrValidation, ErrUnauthorized, ErrForbidden, ErrNotFound, ErrConflict, ErrUpstream} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}
