package task

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoHandler means no handler is registered for the task type.
	// It fails the task immediately (no retries will help).
	ErrNoHandler = errors.New("no handler registered for task type")

	// ErrTimeout means a handler exceeded its execution ceiling.
	ErrTimeout = errors.New("handler exceeded execution ceiling")

	// ErrDependencyUnsatisfied is a gating condition, never a failure: the
	// scheduler simply skips the task until its dependencies are terminal.
	ErrDependencyUnsatisfied = errors.New("task dependencies not satisfied")

	// ErrBridgeTimeout means a cross-goroutine bridge call did not return in
	// time. It marks the bridged queue unhealthy; it is never swallowed.
	ErrBridgeTimeout = errors.New("bridge call did not return in time")

	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidPayload means the payload failed schema validation for its
	// task type at the handler boundary.
	ErrInvalidPayload = errors.New("invalid task payload")
)

// HandlerError wraps an error returned by task business logic so callers can
// distinguish "the handler ran and failed" from infrastructure errors.
func HandlerError(err error) error {
	if err == nil {
		return nil
	}
	return handlerError{err: err}
}

// IsHandlerError reports whether err came from handler logic.
func IsHandlerError(err error) bool {
	var e handlerError
	return errors.As(err, &e)
}

type handlerError struct{ err error }

func (e handlerError) Error() string { return fmt.Sprintf("handler: %v", e.err) }
func (e handlerError) Unwrap() error { return e.err }

// TimeoutError carries the ceiling that was exceeded.
func TimeoutError(limit time.Duration) error {
	return timeoutError{limit: limit}
}

type timeoutError struct{ limit time.Duration }

func (e timeoutError) Error() string { return fmt.Sprintf("handler exceeded %s execution ceiling", e.limit) }
func (e timeoutError) Unwrap() error { return ErrTimeout }

// StoreError wraps a persistence failure with the operation that failed.
// The in-memory task table remains the temporary source of truth; store
// errors are logged and counted but never halt scheduling.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return storeError{op: op, err: err}
}

// IsStoreError reports whether err originated in the task store.
func IsStoreError(err error) bool {
	var e storeError
	return errors.As(err, &e)
}

type storeError struct {
	op  string
	err error
}

func (e storeError) Error() string { return fmt.Sprintf("store %s: %v", e.op, e.err) }
func (e storeError) Unwrap() error { return e.err }
