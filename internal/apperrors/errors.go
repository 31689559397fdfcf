// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")

	// External-system failures. Fatal to the affected job, never to the process.
	ErrUnresolvedType = errors.New("unresolved type pair")
	ErrProvisioning   = errors.New("provisioning failed")
	ErrDeployment     = errors.New("deployment failed")
)

// Conflict refinements. errors.Is() matches both the refinement and ErrConflict.
var (
	ErrDuplicateID   = fmt.Errorf("%w: duplicate job id", ErrConflict)
	ErrDuplicateName = fmt.Errorf("%w: duplicate model name", ErrConflict)
	ErrJobActive     = fmt.Errorf("%w: job already active", ErrConflict)
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "id", "dimensions")
	Resource string // For not found/conflict (e.g., "job", "model")
	Op       string // Operation that failed (e.g., "ec2.runInstances")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// DuplicateID reports a submission reusing the id of an already finished job.
// Job ids are unique for the lifetime of the process.
func DuplicateID(id string) error {
	return &Error{
		Sentinel: ErrDuplicateID,
		Message:  fmt.Sprintf("job %s already exists", id),
		Resource: "job",
	}
}

// JobActive reports a submission for an id whose job is still in a
// non-terminal state.
func JobActive(id string) error {
	return &Error{
		Sentinel: ErrJobActive,
		Message:  fmt.Sprintf("job %s is already active", id),
		Resource: "job",
	}
}

// DuplicateName reports a model load over a name that is already loaded.
func DuplicateName(name string) error {
	return &Error{
		Sentinel: ErrDuplicateName,
		Message:  fmt.Sprintf("model %s is already loaded", name),
		Resource: "model",
	}
}

// UnresolvedType reports that no artifact is registered for a canonical
// target/strategy tag pair.
func UnresolvedType(targetTag, strategyTag string) error {
	return &Error{
		Sentinel: ErrUnresolvedType,
		Message:  fmt.Sprintf("no artifact registered for (%s, %s)", targetTag, strategyTag),
		Resource: "artifact",
	}
}

// Provisioning wraps a compute-provider failure.
func Provisioning(op string, cause error) error {
	return &Error{
		Sentinel: ErrProvisioning,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Deployment wraps a remote-deployment or remote-execution failure.
func Deployment(op string, cause error) error {
	return &Error{
		Sentinel: ErrDeployment,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
