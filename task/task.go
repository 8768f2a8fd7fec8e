// Package task defines the task lifecycle domain model and the store port.
//
// A task moves through pending -> in_progress -> (success | failed). Rows
// are created only by Store.Enqueue and mutated only by Store.Reserve,
// Store.MarkSuccess and Store.MarkFailure. Terminal rows are immutable.
package task

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed:
		return true
	default:
		return false
	}
}

// Record is the persistent task row.
type Record struct {
	// Identity
	ID string

	// Lifecycle
	Status Status

	// Opaque envelope bytes produced by the codec. The store never
	// inspects their contents.
	Payload []byte

	// Outcome, populated only on terminal rows.
	Value     []byte
	Error     string
	Traceback string

	// Timestamps, always UTC.
	AvailableAt time.Time
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// Reserved is a task atomically claimed by a worker for execution.
// It carries no mutable state.
type Reserved struct {
	ID        string
	Payload   []byte
	StartedAt time.Time
}

// Result is the terminal outcome of a task. Value holds encoded bytes;
// decoding is a separate step so callers can inspect metadata (or just
// the error) without paying the decoding cost.
type Result struct {
	TaskID     string
	Status     Status
	Value      []byte
	Error      string
	Traceback  string
	EnqueuedAt time.Time
	StartedAt  *time.Time
	FinishedAt time.Time
}

// Succeeded reports whether the task completed successfully.
func (r *Result) Succeeded() bool { return r.Status == StatusSuccess }

// Failed reports whether the task failed.
func (r *Result) Failed() bool { return r.Status == StatusFailed }

// Store is the durable task persistence port.
//
// Every operation executes as a single serializable transaction against
// the underlying store. Reservation is linearizable across concurrent
// callers and across processes sharing the same database file: no two
// callers are ever offered the same pending row.
type Store interface {
	// Connect establishes connections and creates the schema if absent.
	// Idempotent; repeated calls must not create duplicate resources.
	Connect(ctx context.Context) error

	// Close releases connections. Idempotent. After Close every other
	// operation fails with ErrStoreClosed.
	Close() error

	// Enqueue inserts one pending row. Fails with ErrDuplicateTask when
	// taskID already exists.
	Enqueue(ctx context.Context, taskID string, payload []byte, availableAt time.Time) error

	// Reserve atomically claims up to maxItems rows that are pending and
	// eligible (available_at <= now), transitioning each to in_progress
	// with started_at = now. Eligible rows are claimed lowest available_at
	// first, then lowest enqueued_at, then insertion order. Returns an
	// empty slice when nothing qualifies.
	Reserve(ctx context.Context, maxItems int, now time.Time) ([]Reserved, error)

	// MarkSuccess transitions an in_progress row to success. Returns
	// applied=false (and no error) when the row is missing or not
	// in_progress; terminal rows are never downgraded.
	MarkSuccess(ctx context.Context, taskID string, value []byte, finishedAt time.Time) (applied bool, err error)

	// MarkFailure is the failed-side counterpart of MarkSuccess.
	MarkFailure(ctx context.Context, taskID string, errMsg, traceback string, finishedAt time.Time) (applied bool, err error)

	// GetResult returns the terminal outcome of a task, or nil when the
	// row is missing or not yet terminal. Producers use nil as the
	// "not ready" signal.
	GetResult(ctx context.Context, taskID string) (*Result, error)
}
