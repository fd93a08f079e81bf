package intake

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a stage failure for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on
	// retry. Examples: network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Retried with a longer backoff than plain transient failures.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassPermanent indicates a non-recoverable failure.
	// Examples: bad credentials, unparsable input, invalid recipient.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassConfig indicates a configuration problem that is fatal at
	// startup. Examples: missing required settings, unreachable job store.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassSkip indicates a stage that is disabled by configuration.
	// Treated as a no-op success, not a failure.
	ErrorClassSkip ErrorClass = "skip"
)

// Error is a classified error with stage context.
type Error struct {
	// Class is the error classification for retry logic.
	Class ErrorClass

	// Message is the human-readable error message.
	Message string

	// Stage is the pipeline stage being executed when the error occurred.
	Stage Stage

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] %s (stage=%s): %s", e.Class, e.Message, e.Stage, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// WithStage adds stage context to an error.
func (e *Error) WithStage(stage Stage) *Error {
	e.Stage = stage
	return e
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *Error {
	return &Error{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string, err error) *Error {
	return &Error{Class: ErrorClassConfig, Message: message, Err: err}
}

// NewSkipError creates a skip marker for a disabled stage.
func NewSkipError(message string) *Error {
	return &Error{Class: ErrorClassSkip, Message: message}
}

// ClassOf returns the classification of err, defaulting to permanent for
// unclassified errors so that unknown failures are never retried blindly.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// IsTransient reports whether the error is classified as transient.
func IsTransient(err error) bool {
	return ClassOf(err) == ErrorClassTransient
}

// IsThrottled reports whether the error is classified as throttled.
func IsThrottled(err error) bool {
	return ClassOf(err) == ErrorClassThrottled
}

// IsPermanent reports whether the error is classified as permanent.
func IsPermanent(err error) bool {
	return ClassOf(err) == ErrorClassPermanent
}

// IsSkip reports whether the error marks a disabled stage.
func IsSkip(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassSkip
	}
	return false
}

// IsRetryable reports whether the error may be retried.
func IsRetryable(err error) bool {
	c := ClassOf(err)
	return c == ErrorClassTransient || c == ErrorClassThrottled
}
