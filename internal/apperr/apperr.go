// Package apperr defines the broker's typed errors. Every failure that crosses
// a package boundary carries a stable Kind so the transport can map it to an
// HTTP status and a wire code without string matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable classification of an error.
type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindBadInput     Kind = "bad_input"
	KindUnknownTool  Kind = "unknown_tool"
	KindNoTab        Kind = "no_tab"
	KindRefStale     Kind = "ref_stale"
	KindExhausted    Kind = "exhausted"
	KindTimeout      Kind = "timeout"
	KindDriver       Kind = "driver"
	KindBlocked      Kind = "blocked"
	KindIntegrity    Kind = "integrity"
	KindConflict     Kind = "conflict"
	KindInternal     Kind = "internal"
)

// Error is the broker's error value. Detail carries structured fields for the
// wire envelope (driver message, guardrail rule, stale ref, ...).
type Error struct {
	Kind    Kind
	Message string
	Detail  map[string]any
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. A nil err yields a plain error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), err: err}
}

// WithDetail attaches a structured field and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	e.Detail[key] = value
	return e
}

// KindOf extracts the Kind from err, walking wrapped errors. Unclassified
// errors are internal: an invariant broke somewhere below us.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// DetailOf returns the structured detail map from err, or nil.
func DetailOf(err error) map[string]any {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Detail
	}
	return nil
}

// IsTransient reports whether the error is worth retrying. Only driver faults
// and timeouts qualify; everything else reflects caller input or broker state
// that a retry cannot change.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindDriver, KindTimeout:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the HTTP status used when the error surfaces at
// the transport layer rather than inside a tool result envelope.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindBadInput, KindUnknownTool, KindNoTab, KindRefStale, KindBlocked:
		return http.StatusBadRequest
	case KindExhausted:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindConflict:
		return http.StatusConflict
	case KindIntegrity:
		return http.StatusUnprocessableEntity
	case KindDriver, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// RPCCode maps a kind to a JSON-RPC error code. Tool-level failures reuse the
// invalid-params and method-not-found codes where they fit; broker-specific
// kinds use the implementation-defined -32000 range.
func RPCCode(kind Kind) int {
	switch kind {
	case KindBadInput:
		return -32602
	case KindUnknownTool:
		return -32601
	case KindUnauthorized:
		return -32001
	case KindForbidden:
		return -32002
	case KindNoTab:
		return -32010
	case KindRefStale:
		return -32011
	case KindExhausted:
		return -32012
	case KindTimeout:
		return -32013
	case KindDriver:
		return -32014
	case KindBlocked:
		return -32015
	case KindIntegrity:
		return -32016
	case KindConflict:
		return -32017
	default:
		return -32603
	}
}
