package task

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by Store implementations.
var (
	// ErrDuplicateTask reports an Enqueue with a task id that already exists.
	ErrDuplicateTask = errors.New("task: duplicate task id")

	// ErrStoreClosed reports an operation on a closed store.
	ErrStoreClosed = errors.New("task: store is closed")

	// ErrNotConnected reports an operation before Connect.
	ErrNotConnected = errors.New("task: store is not connected")
)

// StoreError wraps a persistence failure with the failing operation.
type StoreError struct {
	Op  string // "connect", "enqueue", "reserve", ...
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("task: store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ValidationError reports a precondition violation at a public boundary
// of the producer or worker.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("task: invalid %s: %s", e.Field, e.Reason)
}
