// Package sqlitestore provides the reference durable task store backed by
// a single SQLite database file.
//
// Operations run as single serializable statements with WAL journaling,
// so reservation is atomic across goroutines and across processes sharing
// the same file. The in-process variant (NewMemory) pins the pool to one
// connection and serializes access with a mutex, because every new
// connection to an in-memory SQLite database sees an isolated database.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"taskq/config"
	"taskq/logging"
	"taskq/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL CHECK (status IN ('pending', 'in_progress', 'success', 'failed')),
	payload BLOB NOT NULL,
	value BLOB,
	error TEXT,
	traceback TEXT,
	available_at TEXT NOT NULL,
	enqueued_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_available ON tasks (status, available_at);
`

// Store is a task.Store backed by SQLite.
type Store struct {
	path         string
	dsn          string
	memory       bool
	leaseHorizon time.Duration
	logger       logging.Logger

	// mu guards db/closed, and is additionally held across every
	// statement on the memory variant (single-writer by design).
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

var _ task.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger injects a logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(logger) }
}

// WithLeaseHorizon enables stranded-task recovery: on Connect, rows stuck
// in_progress with started_at older than horizon return to pending. A
// crashed worker's tasks are then retried by the next worker. Disabled by
// default; without it such rows stay in_progress until external
// intervention.
func WithLeaseHorizon(horizon time.Duration) Option {
	return func(s *Store) {
		if horizon > 0 {
			s.leaseHorizon = horizon
		}
	}
}

// WithConfig applies a loaded store configuration section.
func WithConfig(cfg config.StoreConfig) Option {
	return func(s *Store) {
		WithLeaseHorizon(time.Duration(cfg.LeaseHorizon))(s)
	}
}

// New returns a store backed by the database file at path. The file and
// schema are created on Connect.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path: path,
		dsn:  "file:" + path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=30000&_txlock=immediate",

		logger: logging.NewComponentLogger("SQLiteStore"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// NewMemory returns a store backed by a private in-process database.
// Positioned as a testing tool: it is single-writer and vanishes with the
// process.
func NewMemory(opts ...Option) *Store {
	s := New(":memory:", opts...)
	s.dsn = ":memory:"
	s.memory = true
	return s
}

// Connect opens the database, creates the schema if absent and, when a
// lease horizon is configured, sweeps stranded in_progress rows back to
// pending. Idempotent.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return task.ErrStoreClosed
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite3", s.dsn)
	if err != nil {
		return &task.StoreError{Op: "connect", Err: err}
	}
	if s.memory {
		// The whole database lives on one connection; never let the pool
		// open a second (isolated) one or drop the only one.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return &task.StoreError{Op: "connect", Err: err}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return &task.StoreError{Op: "connect", Err: fmt.Errorf("create schema: %w", err)}
	}
	s.db = db

	if s.leaseHorizon > 0 {
		if err := s.recoverStranded(ctx); err != nil {
			s.logger.Warn("lease recovery failed: %v", err)
		}
	}
	return nil
}

// recoverStranded returns expired in_progress rows to pending. Called
// under s.mu from Connect.
func (s *Store) recoverStranded(ctx context.Context) error {
	horizon := formatTime(time.Now().UTC().Add(-s.leaseHorizon))
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks
SET status = 'pending', started_at = NULL
WHERE status = 'in_progress' AND started_at <= ?`, horizon)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("recovered %d stranded in_progress tasks to pending", n)
	}
	return nil
}

// Close releases the database. Idempotent; subsequent operations fail
// with task.ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return &task.StoreError{Op: "close", Err: err}
	}
	return nil
}

// acquire hands out the database handle. For the memory variant the
// returned release function unlocks s.mu, serializing the operation.
func (s *Store) acquire() (*sql.DB, func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, task.ErrStoreClosed
	}
	if s.db == nil {
		s.mu.Unlock()
		return nil, nil, task.ErrNotConnected
	}
	if s.memory {
		return s.db, s.mu.Unlock, nil
	}
	db := s.db
	s.mu.Unlock()
	return db, func() {}, nil
}

// Enqueue inserts one pending row.
func (s *Store) Enqueue(ctx context.Context, taskID string, payload []byte, availableAt time.Time) error {
	db, release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	_, err = db.ExecContext(ctx, `
INSERT INTO tasks (id, status, payload, available_at, enqueued_at)
VALUES (?, 'pending', ?, ?, ?)`,
		taskID, payload, formatTime(availableAt), formatTime(time.Now().UTC()))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", task.ErrDuplicateTask, taskID)
		}
		return &task.StoreError{Op: "enqueue", Err: err}
	}
	return nil
}

// Reserve atomically claims up to maxItems eligible pending rows. The
// claim is one UPDATE over a ranked subselect, so concurrent callers
// (including separate processes) never receive the same row.
func (s *Store) Reserve(ctx context.Context, maxItems int, now time.Time) ([]task.Reserved, error) {
	if maxItems <= 0 {
		return nil, nil
	}
	db, release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	nowStr := formatTime(now.UTC())
	rows, err := db.QueryContext(ctx, `
UPDATE tasks
SET status = 'in_progress', started_at = ?
WHERE id IN (
	SELECT id FROM tasks
	WHERE status = 'pending' AND available_at <= ?
	ORDER BY available_at ASC, enqueued_at ASC, rowid ASC
	LIMIT ?
)
RETURNING id, payload, started_at`, nowStr, nowStr, maxItems)
	if err != nil {
		return nil, &task.StoreError{Op: "reserve", Err: err}
	}
	defer rows.Close()

	var reserved []task.Reserved
	for rows.Next() {
		var (
			r         task.Reserved
			startedAt string
		)
		if err := rows.Scan(&r.ID, &r.Payload, &startedAt); err != nil {
			return nil, &task.StoreError{Op: "reserve", Err: err}
		}
		r.StartedAt, err = parseTime(startedAt)
		if err != nil {
			return nil, &task.StoreError{Op: "reserve", Err: err}
		}
		reserved = append(reserved, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &task.StoreError{Op: "reserve", Err: err}
	}
	return reserved, nil
}

// MarkSuccess transitions an in_progress row to success. Rows that are
// missing or already terminal are left untouched and reported as not
// applied.
func (s *Store) MarkSuccess(ctx context.Context, taskID string, value []byte, finishedAt time.Time) (bool, error) {
	db, release, err := s.acquire()
	if err != nil {
		return false, err
	}
	defer release()

	res, err := db.ExecContext(ctx, `
UPDATE tasks
SET status = 'success', value = ?, error = NULL, traceback = NULL, finished_at = ?
WHERE id = ? AND status = 'in_progress'`,
		value, formatTime(finishedAt), taskID)
	if err != nil {
		return false, &task.StoreError{Op: "mark_success", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &task.StoreError{Op: "mark_success", Err: err}
	}
	return n == 1, nil
}

// MarkFailure transitions an in_progress row to failed.
func (s *Store) MarkFailure(ctx context.Context, taskID string, errMsg, traceback string, finishedAt time.Time) (bool, error) {
	db, release, err := s.acquire()
	if err != nil {
		return false, err
	}
	defer release()

	res, err := db.ExecContext(ctx, `
UPDATE tasks
SET status = 'failed', value = NULL, error = ?, traceback = ?, finished_at = ?
WHERE id = ? AND status = 'in_progress'`,
		errMsg, nullableString(traceback), formatTime(finishedAt), taskID)
	if err != nil {
		return false, &task.StoreError{Op: "mark_failure", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &task.StoreError{Op: "mark_failure", Err: err}
	}
	return n == 1, nil
}

// GetResult returns the terminal outcome of a task, or nil while the row
// is missing, pending or in_progress.
func (s *Store) GetResult(ctx context.Context, taskID string) (*task.Result, error) {
	db, release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	row := db.QueryRowContext(ctx, `
SELECT id, status, value, error, traceback, enqueued_at, started_at, finished_at
FROM tasks
WHERE id = ? AND status IN ('success', 'failed')`, taskID)

	var (
		result     task.Result
		status     string
		errMsg     sql.NullString
		traceback  sql.NullString
		enqueuedAt string
		startedAt  sql.NullString
		finishedAt string
	)
	if err := row.Scan(&result.TaskID, &status, &result.Value, &errMsg, &traceback,
		&enqueuedAt, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &task.StoreError{Op: "get_result", Err: err}
	}
	result.Status = task.Status(status)
	result.Error = errMsg.String
	result.Traceback = traceback.String
	if result.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return nil, &task.StoreError{Op: "get_result", Err: err}
	}
	if startedAt.Valid {
		t, err := parseTime(startedAt.String)
		if err != nil {
			return nil, &task.StoreError{Op: "get_result", Err: err}
		}
		result.StartedAt = &t
	}
	if result.FinishedAt, err = parseTime(finishedAt); err != nil {
		return nil, &task.StoreError{Op: "get_result", Err: err}
	}
	return &result, nil
}

// GetRecord fetches the full row for a task regardless of status. Not
// part of the task.Store port; used for inspection and tests.
func (s *Store) GetRecord(ctx context.Context, taskID string) (*task.Record, error) {
	db, release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	row := db.QueryRowContext(ctx, `
SELECT id, status, payload, value, error, traceback, available_at, enqueued_at, started_at, finished_at
FROM tasks
WHERE id = ?`, taskID)

	var (
		rec         task.Record
		status      string
		errMsg      sql.NullString
		traceback   sql.NullString
		availableAt string
		enqueuedAt  string
		startedAt   sql.NullString
		finishedAt  sql.NullString
	)
	if err := row.Scan(&rec.ID, &status, &rec.Payload, &rec.Value, &errMsg, &traceback,
		&availableAt, &enqueuedAt, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &task.StoreError{Op: "get_record", Err: err}
	}
	rec.Status = task.Status(status)
	rec.Error = errMsg.String
	rec.Traceback = traceback.String
	if rec.AvailableAt, err = parseTime(availableAt); err != nil {
		return nil, &task.StoreError{Op: "get_record", Err: err}
	}
	if rec.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return nil, &task.StoreError{Op: "get_record", Err: err}
	}
	if startedAt.Valid {
		t, err := parseTime(startedAt.String)
		if err != nil {
			return nil, &task.StoreError{Op: "get_record", Err: err}
		}
		rec.StartedAt = &t
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, &task.StoreError{Op: "get_record", Err: err}
		}
		rec.FinishedAt = &t
	}
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// timeLayout is RFC 3339 with a fixed-width fractional second, always in
// UTC. The fixed width keeps lexical order equal to chronological order,
// which the reservation query's ORDER BY relies on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
