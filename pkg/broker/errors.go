// Package broker implements the request orchestration engine: the command
// and query boundary, the request state machine, and the reconciliation loop
// that drives asynchronous provisioning requests against cloud providers.
package broker

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: provider network timeouts, temporary storage unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates an optimistic concurrency conflict.
	// The caller reloads the aggregate and reapplies its change.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid template, synchronous provider rejection, no healthy provider.
	ErrorClassPermanent ErrorClass = "permanent"
)

// BrokerError represents a classified error with request context.
// nolint:revive // BrokerError is intentionally named to distinguish from standard errors
type BrokerError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Request is the request ID associated with the error, if applicable.
	Request string `json:"request,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *BrokerError) Error() string {
	if e.Request != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (request=%s, operation=%s): %s",
			e.Class, e.Message, e.Request, e.Operation, e.unwrapMessage())
	}
	if e.Request != "" {
		return fmt.Sprintf("[%s] %s (request=%s): %s",
			e.Class, e.Message, e.Request, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *BrokerError) Unwrap() error {
	return e.Err
}

func (e *BrokerError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *BrokerError) Is(target error) bool {
	t, ok := target.(*BrokerError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *BrokerError {
	return &BrokerError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *BrokerError {
	return &BrokerError{
		Class:   ErrorClassConflict,
		Message: message,
		Code:    ErrCodeConcurrencyConflict,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *BrokerError {
	return &BrokerError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithCode adds an error code to an error.
func (e *BrokerError) WithCode(code string) *BrokerError {
	e.Code = code
	return e
}

// WithRequest adds request context to an error.
func (e *BrokerError) WithRequest(requestID string) *BrokerError {
	e.Request = requestID
	return e
}

// WithOperation adds operation context to an error.
func (e *BrokerError) WithOperation(operation string) *BrokerError {
	e.Operation = operation
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *BrokerError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *BrokerError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *BrokerError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsConflict(err)
}

// HasCode returns true if the error carries the given code.
func HasCode(err error, code string) bool {
	var e *BrokerError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeUndefinedVariable   = "UNDEFINED_VARIABLE"
	ErrCodePath                = "PATH_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeProviderRejected    = "PROVIDER_REJECTED"
	ErrCodeProviderTransient   = "PROVIDER_TRANSIENT"
	ErrCodeNoHealthyProvider   = "NO_HEALTHY_PROVIDER"
	ErrCodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	ErrCodeStorage             = "STORAGE_ERROR"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodePolicyDenied        = "POLICY_DENIED"
)
