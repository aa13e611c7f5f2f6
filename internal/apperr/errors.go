// Package apperr defines the error taxonomy shared by the orchestrator, the
// webhook ingestor and the HTTP handlers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindTransition  Kind = "invalid_transition"
	KindConflict    Kind = "conflict"
	KindConsistency Kind = "consistency"
	KindProvider    Kind = "provider"
	KindAuth        Kind = "auth"
	KindForbidden   Kind = "forbidden"
	KindNotFound    Kind = "not_found"
	KindInternal    Kind = "internal"
)

// Stable error codes returned to API callers.
const (
	CodeInvalidInput         = "invalid_input"
	CodeListingUnavailable   = "listing_unavailable"
	CodeInsufficientQuantity = "insufficient_quantity"
	CodeInvalidTransition    = "invalid_transition"
	CodePaymentInFlight      = "payment_in_flight"
	CodeConsentRequired      = "seller_consent_required"
	CodeDisputeWindowClosed  = "dispute_window_closed"
	CodeRefundExceedsCapture = "refund_exceeds_captured"
	CodeOverRelease          = "escrow_over_release"
	CodeLedgerMismatch       = "ledger_mismatch"
	CodePaymentFailed        = "payment_failed"
	CodeProviderUnavailable  = "provider_unavailable"
	CodeUnknownProvider      = "unknown_provider"
	CodeBadSignature         = "invalid_signature"
	CodeUnauthenticated      = "unauthenticated"
	CodeForbidden            = "forbidden"
	CodeMalformedPayload     = "malformed_payload"
	CodeNotFound             = "not_found"
	CodeVersionConflict      = "version_conflict"
	CodeRequestInProgress    = "request_in_progress"
	CodeInternal             = "internal_error"
)

// Error is the single error type surfaced across package boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Transient is only meaningful for provider errors.
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind onto a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindTransition, KindConflict, KindConsistency:
		return http.StatusConflict
	case KindProvider:
		return http.StatusBadGateway
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func Validation(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Quantity reports a request for more units than a listing has available.
func Quantity(requested, available int) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeInsufficientQuantity,
		Message: fmt.Sprintf("requested %d but only %d available", requested, available),
	}
}

func Transition(entity, from, to string) *Error {
	return &Error{
		Kind:    KindTransition,
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("%s cannot move from %s to %s", entity, from, to),
	}
}

func Conflict(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Consistency(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConsistency, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Provider wraps a failure reported by a payment provider. The message is
// the user-facing one; the provider detail stays in Err.
func Provider(transient bool, err error) *Error {
	msg := "payment failed"
	if transient {
		msg = "payment failed, retry available"
	}
	return &Error{Kind: KindProvider, Code: CodePaymentFailed, Message: msg, Transient: transient, Err: err}
}

func Auth(code, message string) *Error {
	return &Error{Kind: KindAuth, Code: code, Message: message}
}

// Forbidden means the caller is known but may not act on the entity.
func Forbidden(format string, args ...interface{}) *Error {
	return &Error{Kind: KindForbidden, Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
}

// From extracts an *Error from err's chain.
func From(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	e, ok := From(err)
	return ok && e.Kind == kind
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	e, ok := From(err)
	return ok && e.Code == code
}

// Public returns the status, code and message that may be shown to a caller.
// Anything that is not an *Error is reported as an opaque internal failure.
func Public(err error) (int, string, string) {
	e, ok := From(err)
	if !ok {
		return http.StatusInternalServerError, CodeInternal, "internal error"
	}
	return e.HTTPStatus(), e.Code, e.Message
}
