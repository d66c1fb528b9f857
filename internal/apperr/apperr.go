// Package apperr provides the structured error type shared by the search
// pipeline and the HTTP layer. Each error carries a Kind that tells callers
// whether the input was bad, the service is not configured, or the upstream
// model failed.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error. Values are stable; add sparingly.
type Kind uint8

const (
	// KindUnknown is for unclassified errors.
	KindUnknown Kind = iota

	// KindValidation is for bad request input (empty query, bad budget_mode).
	KindValidation

	// KindConfiguration is for missing upstream credentials or endpoint.
	KindConfiguration

	// KindUpstream is for non-success or malformed upstream responses.
	KindUpstream

	// KindCanceled is for caller-initiated aborts.
	KindCanceled

	// KindInsufficientCredits is for exhausted workspace credit budgets.
	KindInsufficientCredits

	// KindUnavailable is for missing backing services (database, cache).
	KindUnavailable
)

// StatusClientClosedRequest is the de facto status for requests the client abandoned.
const StatusClientClosedRequest = 499

var kindNames = map[Kind]string{
	KindUnknown:             "internal_error",
	KindValidation:          "validation_error",
	KindConfiguration:       "configuration_error",
	KindUpstream:            "upstream_error",
	KindCanceled:            "canceled",
	KindInsufficientCredits: "insufficient_credits",
	KindUnavailable:         "unavailable",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return kindNames[KindUnknown]
}

// HTTPStatus maps a Kind to an HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindConfiguration:
		return http.StatusInternalServerError
	case KindUpstream:
		return http.StatusBadGateway
	case KindCanceled:
		return StatusClientClosedRequest
	case KindInsufficientCredits:
		return http.StatusPaymentRequired
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured error type. msg is human facing, kind is machine
// facing, orig is the wrapped cause.
type Error struct {
	kind Kind
	msg  string
	orig error
}

// Wire is the JSON form returned by the API.
type Wire struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{kind: kind, msg: msg, orig: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.orig != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.orig)
	}
	return e.msg
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.orig }

// Kind returns the error kind.
func (e *Error) Kind() Kind { return e.kind }

// Message returns the human facing message without the cause.
func (e *Error) Message() string { return e.msg }

// Wire converts the error into its API payload.
func (e *Error) Wire() Wire {
	return Wire{Error: e.kind.String(), Message: e.msg}
}

// Validation reports bad caller input.
func Validation(msg string) *Error { return New(KindValidation, msg) }

// Configuration reports a missing or invalid upstream configuration.
func Configuration(msg string) *Error { return New(KindConfiguration, msg) }

// Upstream reports an upstream failure carrying the upstream's message.
func Upstream(msg string, cause error) *Error { return Wrap(KindUpstream, msg, cause) }

// Canceled reports a caller-initiated abort.
func Canceled(cause error) *Error { return Wrap(KindCanceled, "request canceled", cause) }

// InsufficientCredits reports an exhausted credit budget.
func InsufficientCredits(workspaceID string) *Error {
	return Newf(KindInsufficientCredits, "credit budget exhausted for workspace %s", workspaceID)
}

// Unavailable reports a missing backing service.
func Unavailable(msg string) *Error { return New(KindUnavailable, msg) }

// As unwraps and returns (*Error, true) if err is one of ours.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf extracts the Kind from any error. Context cancellation and deadline
// errors that were not wrapped by this package are reported as KindCanceled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if e, ok := As(err); ok {
		return e.kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindUnknown
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// HTTPStatus returns the mapped HTTP status for any error.
func HTTPStatus(err error) int { return KindOf(err).HTTPStatus() }

// WireFrom converts any error into a Wire payload. Foreign errors keep their
// message under the generic internal_error code.
func WireFrom(err error) Wire {
	if err == nil {
		return Wire{}
	}
	if e, ok := As(err); ok {
		return e.Wire()
	}
	return Wire{Error: KindOf(err).String(), Message: err.Error()}
}
