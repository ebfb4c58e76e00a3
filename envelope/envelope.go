// Package envelope renders every API response, success or failure, in one JSON shape:
//
//	{"success": true, "message": "...", "data": {...}, "timestamp": "2026-01-02T03:04:05Z"}
//	{"success": false, "message": "...", "errors": ["..."], "timestamp": "..."}
//
// FromError is the single error normalizer; the gin middleware in this package routes
// handler errors and panics through it.
package envelope

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chimerakang/bustrack-api/apperr"
)

// Envelope is the response body of every endpoint.
type Envelope struct {
	Success   bool     `json:"success"`
	Message   string   `json:"message"`
	Data      any      `json:"data,omitempty"`
	Errors    []string `json:"errors,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// Messages.
const (
	MsgValidation     = "Validation error"
	MsgInternal       = "Internal server error"
	MsgNotFound       = "Not found"
	MsgNotAllowed     = "Method not allowed"
	MsgSomethingWrong = "Something went wrong"
)

var now = time.Now

func stamp() string {
	return now().UTC().Format(time.RFC3339)
}

// OK returns a success envelope.
func OK(message string, data any) Envelope {
	return Envelope{Success: true, Message: message, Data: data, Timestamp: stamp()}
}

// Fail returns a failure envelope. errs defaults to the message itself.
func Fail(message string, errs ...string) Envelope {
	if len(errs) == 0 {
		errs = []string{message}
	}
	return Envelope{Success: false, Message: message, Errors: errs, Timestamp: stamp()}
}

// HTTPError is an error with an explicit status. Detail is a string, a provider-shaped
// map (message / error_description) or a value implementing Description() string.
type HTTPError struct {
	Status int
	Detail any
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.message())
}

func (e *HTTPError) message() string {
	switch d := e.Detail.(type) {
	case nil:
		return http.StatusText(e.Status)
	case string:
		return d
	case interface{ Description() string }:
		return d.Description()
	case map[string]any:
		if desc, ok := d["error_description"].(string); ok && desc != "" {
			return desc
		}
		if msg, ok := d["message"].(string); ok && msg != "" {
			return msg
		}
		return MsgSomethingWrong
	case error:
		return d.Error()
	default:
		return fmt.Sprint(d)
	}
}

// Errorf returns an HTTPError with a formatted string detail.
func Errorf(status int, format string, args ...any) *HTTPError {
	return &HTTPError{Status: status, Detail: fmt.Sprintf(format, args...)}
}

var kindStatus = map[error]int{
	apperr.ErrValidation:   http.StatusUnprocessableEntity,
	apperr.ErrUnauthorized: http.StatusUnauthorized,
	apperr.ErrForbidden:    http.StatusForbidden,
	apperr.ErrNotFound:     http.StatusNotFound,
	apperr.ErrConflict:     http.StatusConflict,
	apperr.ErrUpstream:     http.StatusOK, // provider rejections keep the 200 surface, success=false
	apperr.ErrInternal:     http.StatusInternalServerError,
}

// StatusOf returns the HTTP status for an apperr kind.
func StatusOf(kind error) int {
	if s, ok := kindStatus[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// FromError maps err to a status and a failure envelope. Unclassified errors become a
// 500 whose text is exposed only when debug is set.
func FromError(err error, debug bool) (int, Envelope) {
	if err == nil {
		return http.StatusInternalServerError, Fail(MsgInternal)
	}

	var he *HTTPError
	if errors.As(err, &he) {
		status := he.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return status, Fail(he.message())
	}

	var ae *apperr.Error
	if errors.As(err, &ae) {
		status := StatusOf(ae.Kind)
		if ae.Kind == apperr.ErrInternal || ae.Kind == nil {
			return http.StatusInternalServerError, internal(err, debug)
		}
		msg := ae.Message
		if msg == "" {
			msg = defaultMessage(status)
		}
		return status, Fail(msg, ae.Details...)
	}

	if details, ok := validationDetails(err); ok {
		return http.StatusUnprocessableEntity, Fail(MsgValidation, details...)
	}

	if kind := apperr.KindOf(err); kind != apperr.ErrInternal {
		status := StatusOf(kind)
		return status, Fail(defaultMessage(status))
	}
	return http.StatusInternalServerError, internal(err, debug)
}

func internal(err error, debug bool) Envelope {
	if debug {
		return Fail(MsgInternal, err.Error())
	}
	return Fail(MsgInternal)
}

func defaultMessage(status int) string {
	switch status {
	case http.StatusUnprocessableEntity:
		return MsgValidation
	case http.StatusOK:
		return MsgSomethingWrong
	}
	if t := http.StatusText(status); t != "" {
		return t
	}
	return MsgSomethingWrong
}
