// Package gwerrors provides the unified error type shared by every gateway
// component and surface: a closed set of ten kinds mapped consistently to
// HTTP status codes and to a {kind, message, details} wire envelope.
package gwerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the ten closed error categories named by the error
// handling design. Callers should construct errors with the Kind-specific
// constructor functions below rather than building a Kind value directly.
type Kind string

const (
	BadRequest            Kind = "bad_request"
	NotFound              Kind = "not_found"
	Conflict              Kind = "conflict"
	PermissionDenied      Kind = "permission_denied"
	Busy                  Kind = "busy"
	Timeout               Kind = "timeout"
	InstrumentUnavailable Kind = "instrument_unavailable"
	ParseError            Kind = "parse_error"
	Cancelled             Kind = "cancelled"
	Internal              Kind = "internal"
)

// Error is the single structured error type carried across every component
// boundary: worker queues, the lock arbiter, the alarm engine, and the
// gateway's REST/duplex surfaces.
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetails adds one key/value pair to Details and returns the receiver
// for chaining.
func (e *Error) WithDetails(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Constructors for each kind, named for the situations the error handling
// design assigns them to.

// BadRequestf reports malformed input or out-of-range parameters rejected
// before any side effect.
func BadRequestf(format string, args ...any) *Error {
	return New(BadRequest, fmt.Sprintf(format, args...))
}

// NotFoundf reports an unknown equipment/session/alarm/job identifier.
func NotFoundf(resource, id string) *Error {
	return New(NotFound, fmt.Sprintf("%s not found", resource)).WithDetails("id", id)
}

// ConflictHeld reports a lock held by another session. holder and
// queueLength populate details per the error handling design.
func ConflictHeld(message, holder string, queueLength int) *Error {
	return New(Conflict, message).
		WithDetails("holder", holder).
		WithDetails("queue_length", queueLength)
}

// PermissionDeniedf reports a missing lock, or a missing session identifier
// on an enforced control command.
func PermissionDeniedf(format string, args ...any) *Error {
	return New(PermissionDenied, fmt.Sprintf(format, args...))
}

// Busyf reports a queue at capacity; the caller may retry.
func Busyf(format string, args ...any) *Error {
	return New(Busy, fmt.Sprintf(format, args...))
}

// Timeoutf reports an operation that exceeded its deadline.
func Timeoutf(format string, args ...any) *Error {
	return New(Timeout, fmt.Sprintf(format, args...))
}

// InstrumentUnavailablef reports a worker that is degraded or disconnected;
// the caller may retry after the cool-down window.
func InstrumentUnavailablef(format string, args ...any) *Error {
	return New(InstrumentUnavailable, fmt.Sprintf(format, args...))
}

// ParseErrorf reports instrument output that could not be decoded.
func ParseErrorf(err error, format string, args ...any) *Error {
	return Wrap(ParseError, fmt.Sprintf(format, args...), err)
}

// Cancelledf reports an operation cancelled before completion.
func Cancelledf(format string, args ...any) *Error {
	return New(Cancelled, fmt.Sprintf(format, args...))
}

// Internalf reports an unclassified failure. Callers are expected to log
// the wrapped error with context; it is never shown verbatim to clients.
func Internalf(err error, format string, args ...any) *Error {
	return Wrap(Internal, fmt.Sprintf(format, args...), err)
}

// As extracts an *Error from err's chain, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps an error's Kind to an HTTP status code. Errors that are
// not *Error map to 500, matching the "unclassified failure" default for
// Internal.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case BadRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case PermissionDenied:
		return http.StatusForbidden
	case Busy:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusGatewayTimeout
	case InstrumentUnavailable:
		return http.StatusServiceUnavailable
	case ParseError:
		return http.StatusBadGateway
	case Cancelled:
		return 499 // client closed request, matching nginx's convention
	case Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the {kind, message, details} wire shape shared by the REST
// and duplex surfaces.
type Envelope struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ToEnvelope converts any error into the wire envelope, classifying
// unrecognized errors as Internal without leaking their message text.
func ToEnvelope(err error) Envelope {
	if e, ok := As(err); ok {
		return Envelope{Kind: e.Kind, Message: e.Message, Details: e.Details}
	}
	return Envelope{Kind: Internal, Message: "internal error"}
}
