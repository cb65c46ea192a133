package errors

import (
	"context"
	"fmt"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field)
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key)
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation)
}

// NewGenerationError creates a generation-backend error. Backend
// failures are transient from the engine's point of view: the retry
// scheduling decides when to give up.
func NewGenerationError(err error) *AppError {
	if err == context.DeadlineExceeded {
		return WrapRetryable(err, ErrCodeTimeout, "generation backend timed out")
	}
	return WrapRetryable(err, ErrCodeGenerationBackend, "generation backend call failed")
}

// NewNotFoundError creates a not-found error for a message id
func NewNotFoundError(messageID int64) *AppError {
	return New(ErrCodeNotFound, "message not found").
		WithContext("message_id", messageID)
}

// NewTransitionError creates an invalid state transition error
func NewTransitionError(from, to string) *AppError {
	return New(ErrCodeInvalidTransition, fmt.Sprintf("invalid status transition %s -> %s", from, to)).
		WithContext("from", from).
		WithContext("to", to)
}
