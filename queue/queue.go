// Package queue implements the producer side of the task queue: it
// accepts submissions, assigns identifiers, computes eligibility, and
// surfaces terminal results by polling the store.
package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"taskq/codec"
	"taskq/config"
	"taskq/logging"
	"taskq/metrics"
	"taskq/sqlitestore"
	"taskq/task"
)

// Result polling cadence: short adaptive interval so completions surface
// quickly without hammering the store.
const (
	pollInitialInterval = 50 * time.Millisecond
	pollMaxInterval     = 500 * time.Millisecond
)

// TaskQueue is the producer handle. Open it, enqueue work, and close it;
// Close releases the underlying store exactly once.
type TaskQueue struct {
	store       task.Store
	codec       codec.Codec
	logger      logging.Logger
	collector   *metrics.Collector
	defaultWait time.Duration // 0 = poll until ctx is done

	closeOnce sync.Once
	closeErr  error
}

// Option configures a TaskQueue.
type Option func(*TaskQueue)

// WithCodec injects the envelope codec. Defaults to codec.NewJSON().
func WithCodec(c codec.Codec) Option {
	return func(q *TaskQueue) {
		if c != nil {
			q.codec = c
		}
	}
}

// WithDefaultResultTimeout bounds GetResult when the caller does not pass
// an explicit timeout. Unset means poll until the context is done.
func WithDefaultResultTimeout(d time.Duration) Option {
	return func(q *TaskQueue) {
		if d > 0 {
			q.defaultWait = d
		}
	}
}

// WithLogger injects a logger.
func WithLogger(logger logging.Logger) Option {
	return func(q *TaskQueue) { q.logger = logging.OrNop(logger) }
}

// WithMetrics wires Prometheus instrumentation.
func WithMetrics(collector *metrics.Collector) Option {
	return func(q *TaskQueue) { q.collector = collector }
}

// WithConfig applies a loaded queue configuration section.
func WithConfig(cfg config.QueueConfig) Option {
	return func(q *TaskQueue) {
		WithDefaultResultTimeout(time.Duration(cfg.DefaultResultTimeout))(q)
	}
}

// Open connects the store and returns a producer bound to it. The caller
// must Close the returned queue; Close closes the store exactly once, on
// any exit path.
func Open(ctx context.Context, store task.Store, opts ...Option) (*TaskQueue, error) {
	if store == nil {
		return nil, &task.ValidationError{Field: "store", Reason: "must not be nil"}
	}
	q := &TaskQueue{
		store:  store,
		codec:  codec.NewJSON(),
		logger: logging.NewComponentLogger("TaskQueue"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	if err := store.Connect(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// OpenPath is Open with the default SQLite store at path.
func OpenPath(ctx context.Context, path string, opts ...Option) (*TaskQueue, error) {
	return Open(ctx, sqlitestore.New(path), opts...)
}

// Close releases the store. Idempotent; the store is closed exactly once
// regardless of how many exit paths call Close.
func (q *TaskQueue) Close() error {
	q.closeOnce.Do(func() { q.closeErr = q.store.Close() })
	return q.closeErr
}

// EnqueueParams holds the optional fields of an Enqueue call.
type EnqueueParams struct {
	Kwargs  map[string]any
	ETA     *time.Time
	Context map[string]string
}

// EnqueueOption customises an Enqueue call.
type EnqueueOption func(*EnqueueParams)

// WithKwargs attaches keyword arguments to the invocation.
func WithKwargs(kwargs map[string]any) EnqueueOption {
	return func(p *EnqueueParams) { p.Kwargs = kwargs }
}

// WithETA delays eligibility: the task is not reserved before eta.
func WithETA(eta time.Time) EnqueueOption {
	return func(p *EnqueueParams) { p.ETA = &eta }
}

// WithTaskContext persists an opaque context map inside the envelope; it
// is handed back to the handler verbatim at dispatch.
func WithTaskContext(taskCtx map[string]string) EnqueueOption {
	return func(p *EnqueueParams) { p.Context = taskCtx }
}

// Enqueue encodes one invocation of the named handler, persists it as a
// pending task, and returns the assigned task id. The handler name must
// match a name registered with the worker's registry; eligibility is the
// ETA when given, otherwise immediate.
func (q *TaskQueue) Enqueue(ctx context.Context, handler string, args []any, opts ...EnqueueOption) (string, error) {
	handler = strings.TrimSpace(handler)
	if handler == "" {
		return "", &task.ValidationError{Field: "handler", Reason: "name must not be empty"}
	}
	var params EnqueueParams
	for _, opt := range opts {
		if opt != nil {
			opt(&params)
		}
	}

	availableAt := time.Now().UTC()
	if params.ETA != nil {
		if params.ETA.IsZero() {
			return "", &task.ValidationError{Field: "eta", Reason: "must not be the zero time"}
		}
		availableAt = params.ETA.UTC()
	}

	envelope, err := q.codec.EncodeEnvelope(handler, codec.Invocation{
		Args:    args,
		Kwargs:  params.Kwargs,
		Context: params.Context,
	})
	if err != nil {
		return "", err
	}

	taskID := uuid.NewString()
	if err := q.store.Enqueue(ctx, taskID, envelope, availableAt); err != nil {
		return "", err
	}
	q.collector.AddEnqueued(1)
	q.logger.Debug("enqueued task %s handler=%s available_at=%s", taskID, handler, availableAt.Format(time.RFC3339))
	return taskID, nil
}

// GetResult polls for the terminal outcome of a task, bounded by the
// queue's default result timeout. nil means not ready within the bound;
// timeouts never surface as errors.
func (q *TaskQueue) GetResult(ctx context.Context, taskID string) (*task.Result, error) {
	wait := q.defaultWait
	if wait == 0 {
		wait = -1 // no default configured: poll until ctx is done
	}
	return q.GetResultWithin(ctx, taskID, wait)
}

// GetResultWithin polls for the terminal outcome of a task.
//
// timeout > 0 bounds the wait; timeout == 0 probes exactly once; a
// negative timeout polls until ctx is done. The polling interval grows
// from 50 ms to a 500 ms cap. Store errors propagate; an elapsed timeout
// returns (nil, nil).
func (q *TaskQueue) GetResultWithin(ctx context.Context, taskID string, timeout time.Duration) (*task.Result, error) {
	result, err := q.store.GetResult(ctx, taskID)
	if err != nil || result != nil {
		return result, err
	}
	if timeout == 0 {
		return nil, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pollInitialInterval
	bo.MaxInterval = pollMaxInterval
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	if timeout > 0 {
		bo.MaxElapsedTime = timeout
	}
	bo.Reset()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return nil, nil
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		result, err := q.store.GetResult(ctx, taskID)
		if err != nil || result != nil {
			return result, err
		}
	}
}

// DeserializeResult decodes the encoded return value carried by a Result.
// Kept separate from GetResult so callers interested only in metadata, or
// in Error/Traceback, never pay the decoding cost.
func (q *TaskQueue) DeserializeResult(result *task.Result) (any, error) {
	if result == nil {
		return nil, &task.ValidationError{Field: "result", Reason: "must not be nil"}
	}
	return q.codec.DecodeValue(result.Value)
}
