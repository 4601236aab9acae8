package ports

import (
	"errors"
	"fmt"
	"time"
)

// Common infrastructure errors that can occur while talking to the local
// inference runtime or other external collaborators.
var (
	// ErrResourceExhausted indicates the accelerator ran out of memory
	// mid-batch. The engine retries once at half batch size before
	// surfacing it.
	ErrResourceExhausted = errors.New("inference resources exhausted")

	// ErrInferenceTimeout indicates a generation call exceeded its
	// configured timeout. Units follow the same degrade path as a
	// parse failure.
	ErrInferenceTimeout = errors.New("inference timed out")

	// ErrRateLimited indicates the runtime rejected the request due to
	// request-rate limits.
	ErrRateLimited = errors.New("rate limited")

	// ErrRuntimeUnavailable indicates the local runtime is unreachable.
	ErrRuntimeUnavailable = errors.New("inference runtime unavailable")

	// ErrInvalidResponse indicates the runtime returned a structurally
	// invalid response.
	ErrInvalidResponse = errors.New("invalid runtime response")

	// ErrSessionReleased indicates a model session was used after Release.
	ErrSessionReleased = errors.New("model session already released")

	// ErrModelInUse indicates an unload was requested while sessions
	// still hold the model.
	ErrModelInUse = errors.New("model has active sessions")
)

// InferenceError wraps a failure from the model inference runtime with the
// model and operation for diagnostics.
type InferenceError struct {
	// Model is the identifier of the model involved.
	Model string

	// Operation is the name of the operation that failed.
	Operation string

	// Err is the underlying error.
	Err error

	// RetryAfter indicates how long to wait before retrying, when the
	// runtime reported it.
	RetryAfter *time.Duration
}

// Error implements the error interface.
func (e *InferenceError) Error() string {
	msg := fmt.Sprintf("inference error: model=%s, operation=%s, err=%v", e.Model, e.Operation, e.Err)
	if e.RetryAfter != nil {
		msg += fmt.Sprintf(", retry_after=%v", *e.RetryAfter)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *InferenceError) Unwrap() error { return e.Err }

// IsRetryable reports whether the failure is transient. Resource exhaustion
// is deliberately excluded: its recovery path is a smaller batch, not a
// blind retry.
func (e *InferenceError) IsRetryable() bool {
	return errors.Is(e.Err, ErrRateLimited) ||
		errors.Is(e.Err, ErrRuntimeUnavailable) ||
		errors.Is(e.Err, ErrInferenceTimeout)
}

// NewInferenceError creates an InferenceError with the given details.
func NewInferenceError(model, operation string, err error) *InferenceError {
	return &InferenceError{Model: model, Operation: operation, Err: err}
}

// StoreError wraps a persistence sink failure with the entity involved.
type StoreError struct {
	// Entity names what was being saved ("evaluation", "batch").
	Entity string

	// ID identifies the record that failed to persist.
	ID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("store error: entity=%s, id=%s, err=%v", e.Entity, e.ID, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError creates a StoreError with the given details.
func NewStoreError(entity, id string, err error) *StoreError {
	return &StoreError{Entity: entity, ID: id, Err: err}
}
