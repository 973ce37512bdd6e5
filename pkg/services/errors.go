package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")
)

// ValidationError wraps a field-specific validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// ValidationErrors is the field-wise error list surfaced as HTTP 422.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("validation failed on %d fields", len(e))
}

// AsValidationErrors extracts the field-wise list from an error chain.
// A single ValidationError is promoted to a one-element list.
func AsValidationErrors(err error) (ValidationErrors, bool) {
	var list ValidationErrors
	if errors.As(err, &list) {
		return list, true
	}
	var single *ValidationError
	if errors.As(err, &single) {
		return ValidationErrors{single}, true
	}
	return nil, false
}

// ConflictError reports a disallowed state transition or an idempotency
// replay. Details are returned verbatim in the 409 response body
// (e.g. valid_transitions, or the replayed execution_id).
type ConflictError struct {
	Message string
	Details map[string]any
}

func (e *ConflictError) Error() string {
	return e.Message
}

// NewConflictError creates a conflict error with response details.
func NewConflictError(message string, details map[string]any) error {
	return &ConflictError{Message: message, Details: details}
}
