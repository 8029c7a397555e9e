// Package domain provides the canonical types and error taxonomy shared by
// the orchestrator, its stores and its provider adapters.
package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind represents the category of a failure.
type ErrorKind string

const (
	// KindProviderUnavailable indicates a network, auth or upstream failure.
	KindProviderUnavailable ErrorKind = "provider_unavailable"

	// KindProviderTimeout indicates a provider call exceeded its deadline.
	KindProviderTimeout ErrorKind = "provider_timeout"

	// KindInvalidRequest indicates the provider rejected the request itself.
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindMalformedPayload indicates an agent turn did not decode into the
	// expected output schema.
	KindMalformedPayload ErrorKind = "malformed_payload"

	// KindCapacityExceeded indicates a consumption would push used past capacity.
	KindCapacityExceeded ErrorKind = "capacity_exceeded"

	// KindMatchFailure indicates a record never produced a usable output.
	KindMatchFailure ErrorKind = "match_failure"

	// KindConfiguration indicates an invalid topology or run configuration.
	KindConfiguration ErrorKind = "configuration"

	// KindNotFound indicates a referenced entity does not exist.
	KindNotFound ErrorKind = "not_found"
)

// ErrorCode provides additional specificity beyond the kind.
type ErrorCode string

const (
	ErrorCodeRateLimitExceeded     ErrorCode = "rate_limit_exceeded"
	ErrorCodeInvalidAPIKey         ErrorCode = "invalid_api_key"
	ErrorCodeContextLengthExceeded ErrorCode = "context_length_exceeded"
	ErrorCodeModelNotFound         ErrorCode = "model_not_found"
	ErrorCodeServerError           ErrorCode = "server_error"
	ErrorCodeOverloaded            ErrorCode = "overloaded"
	ErrorCodeNetwork               ErrorCode = "network_error"
	ErrorCodeDeadlineExceeded      ErrorCode = "deadline_exceeded"

	ErrorCodeNoPayload         ErrorCode = "no_payload"
	ErrorCodeMessageCapReached ErrorCode = "message_cap_reached"
	ErrorCodeRepromptExhausted ErrorCode = "reprompt_exhausted"
	ErrorCodeUnknownSupplier   ErrorCode = "unknown_supplier"
	ErrorCodeSupplierMismatch  ErrorCode = "supplier_mismatch"

	ErrorCodeUnknownPromptKey ErrorCode = "unknown_prompt_key"
	ErrorCodeDuplicateCritic  ErrorCode = "duplicate_critic"
	ErrorCodeUnknownRole      ErrorCode = "unknown_role"
	ErrorCodeUnknownTool      ErrorCode = "unknown_tool"
	ErrorCodeInvalidTopology  ErrorCode = "invalid_topology"
)

// Error is the canonical error carried across package boundaries.
type Error struct {
	// Kind is the category of error
	Kind ErrorKind `json:"kind"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Param names the entity that caused the error (supplier, prompt key, ...)
	Param string `json:"param,omitempty"`

	// StatusCode is the upstream HTTP status for provider errors
	StatusCode int `json:"-"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure is transient at the provider boundary.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindProviderTimeout:
		return true
	case KindProviderUnavailable:
		if e.Code == ErrorCodeInvalidAPIKey {
			return false
		}
		switch {
		case e.StatusCode == 0:
			return true
		case e.StatusCode == http.StatusTooManyRequests:
			return true
		case e.StatusCode >= 500:
			return true
		}
		return false
	default:
		return false
	}
}

// NewError creates a new error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *Error) WithCode(code ErrorCode) *Error {
	e.Code = code
	return e
}

// WithParam adds the name of the offending entity.
func (e *Error) WithParam(param string) *Error {
	e.Param = param
	return e
}

// WithStatusCode records the upstream HTTP status.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// Convenience constructors for the taxonomy

// ErrProviderUnavailable creates a provider unavailable error.
func ErrProviderUnavailable(message string) *Error {
	return NewError(KindProviderUnavailable, message)
}

// ErrProviderTimeout creates a provider timeout error.
func ErrProviderTimeout(message string) *Error {
	return NewError(KindProviderTimeout, message).
		WithCode(ErrorCodeDeadlineExceeded)
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *Error {
	return NewError(KindInvalidRequest, message)
}

// ErrMalformedPayload creates a malformed payload error.
func ErrMalformedPayload(message string) *Error {
	return NewError(KindMalformedPayload, message)
}

// ErrCapacityExceeded creates a capacity exceeded error for a supplier.
func ErrCapacityExceeded(supplierID string, wanted, capacity int) *Error {
	return NewError(KindCapacityExceeded,
		fmt.Sprintf("supplier %s capacity exceeded: %d > %d", supplierID, wanted, capacity)).
		WithParam(supplierID)
}

// ErrUnknownSupplier creates a not found error for a supplier.
func ErrUnknownSupplier(supplierID string) *Error {
	return NewError(KindNotFound, fmt.Sprintf("supplier %s not found in capacity data", supplierID)).
		WithCode(ErrorCodeUnknownSupplier).
		WithParam(supplierID)
}

// ErrMatchFailure creates a match failure error.
func ErrMatchFailure(message string) *Error {
	return NewError(KindMatchFailure, message)
}

// ErrConfiguration creates a configuration error.
func ErrConfiguration(message string) *Error {
	return NewError(KindConfiguration, message)
}

// IsKind reports whether any error in err's chain is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == kind {
			return true
		}
		// A joined or wrapped chain may carry more than one *Error.
		if e.Cause != nil {
			return IsKind(e.Cause, kind)
		}
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, inner := range joined.Unwrap() {
			if IsKind(inner, kind) {
				return true
			}
		}
	}
	return false
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// FromHTTPStatus maps an upstream HTTP failure onto the taxonomy. Auth,
// rate limit and server failures make the provider unavailable; any other
// 4xx is a request the provider will never accept.
func FromHTTPStatus(status int, message string) *Error {
	var e *Error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e = ErrProviderUnavailable(message).WithCode(ErrorCodeInvalidAPIKey)
	case status == http.StatusTooManyRequests:
		e = ErrProviderUnavailable(message).WithCode(ErrorCodeRateLimitExceeded)
	case status == http.StatusNotFound:
		e = ErrInvalidRequest(message).WithCode(ErrorCodeModelNotFound)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e = ErrProviderTimeout(message)
	case status == 529 || status == http.StatusServiceUnavailable:
		e = ErrProviderUnavailable(message).WithCode(ErrorCodeOverloaded)
	case status >= 500:
		e = ErrProviderUnavailable(message).WithCode(ErrorCodeServerError)
	default:
		e = ErrInvalidRequest(message)
	}
	return e.WithStatusCode(status)
}

// FromTransport classifies an error returned by a provider client. Domain
// errors pass through unchanged, as does cancellation by the caller.
// Deadlines become ProviderTimeout and anything else ProviderUnavailable.
func FromTransport(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return ErrProviderTimeout(err.Error()).WithCause(err)
	}
	return ErrProviderUnavailable(err.Error()).WithCode(ErrorCodeNetwork).WithCause(err)
}
