// Package errors provides structured error handling for the sync core.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Envelope errors
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeUnknownEventType   Code = "UNKNOWN_EVENT_TYPE"
	CodeUnknownOperation   Code = "UNKNOWN_OPERATION"
	CodeEnvelopeVersion    Code = "ENVELOPE_VERSION_UNSUPPORTED"
	CodeRoutingIncomplete  Code = "ROUTING_INCOMPLETE"

	// Isolation errors
	CodeRoutingDenied Code = "ROUTING_DENIED"

	// Revision errors
	CodeRevMismatch      Code = "REV_MISMATCH"
	CodeIdempotentReplay Code = "IDEMPOTENT_REPLAY"

	// Replay/backpressure errors
	CodeReplayMiss         Code = "REPLAY_MISS"
	CodeSubscriptionClosed Code = "SUBSCRIPTION_CLOSED"

	// Transport errors
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Storage errors
	CodeNotFound    Code = "NOT_FOUND"
	CodeUnavailable Code = "UNAVAILABLE"
)

// HTTPStatus maps domain codes to HTTP status codes for the transport rails.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation,
		CodeUnknownEventType,
		CodeUnknownOperation,
		CodeEnvelopeVersion,
		CodeRoutingIncomplete,
		CodeInvalidArgument:
		return http.StatusBadRequest

	case CodeRoutingDenied:
		return http.StatusForbidden

	case CodeUnauthenticated:
		return http.StatusUnauthorized

	case CodeRevMismatch:
		return http.StatusConflict

	case CodeReplayMiss:
		return http.StatusGone

	case CodeRateLimited:
		return http.StatusTooManyRequests

	case CodeNotFound:
		return http.StatusNotFound

	case CodeUnavailable:
		return http.StatusServiceUnavailable

	case CodeIdempotentReplay:
		// Not an error: the original outcome is returned to the caller.
		return http.StatusOK

	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may usefully retry after this code.
// Conflict and backpressure outcomes are recoverable; isolation denials and
// validation failures are terminal.
func (c Code) Retryable() bool {
	switch c {
	case CodeRevMismatch, CodeReplayMiss, CodeRateLimited, CodeUnavailable:
		return true
	default:
		return false
	}
}
