package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary provider unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict.
	// Examples: concurrent modifications, snapshot serial mismatches.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, permission denied, dependency cycles.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Address is the resource address that caused the error, if applicable.
	Address Address `json:"address,omitempty"`

	// Action is the action being performed when the error occurred.
	Action string `json:"action,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Address != "" && e.Action != "" {
		return fmt.Sprintf("[%s] %s (address=%s, action=%s): %s",
			e.Class, e.Message, e.Address, e.Action, e.unwrapMessage())
	}
	if e.Address != "" {
		return fmt.Sprintf("[%s] %s (address=%s): %s",
			e.Class, e.Message, e.Address, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithAddress adds resource address context to an error.
func (e *EngineError) WithAddress(addr Address) *EngineError {
	e.Address = addr
	return e
}

// WithAction adds action context to an error.
func (e *EngineError) WithAction(action string) *EngineError {
	e.Action = action
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// AsEngineError extracts an EngineError from an error chain, classifying
// unknown errors as permanent provider failures.
func AsEngineError(err error) *EngineError {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	return NewPermanentError("operation failed", err).WithCode(ErrCodeProviderFailed)
}

// Common error codes.
const (
	ErrCodeParse               = "PARSE_ERROR"
	ErrCodeDuplicateAddress    = "DUPLICATE_ADDRESS"
	ErrCodeUnresolvedReference = "UNRESOLVED_REFERENCE"
	ErrCodeCycle               = "CYCLE"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodePermissionDenied    = "PERMISSION_DENIED"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeLockConflict        = "LOCK_CONFLICT"
	ErrCodePersistence         = "PERSISTENCE_ERROR"
	ErrCodeInternal            = "INTERNAL_ERROR"
	ErrCodeProviderFailed      = "PROVIDER_FAILED"
	ErrCodeDependencyFailed    = "DEPENDENCY_FAILED"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodePolicyDenied        = "POLICY_DENIED"
)

// IsCycleError returns true if the error carries the cycle error code.
func IsCycleError(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeCycle
	}
	return false
}

// IsLockConflict returns true if the error carries the lock conflict code.
func IsLockConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeLockConflict
	}
	return false
}
