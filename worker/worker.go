// Package worker implements the polling scheduler that reserves eligible
// tasks from the store, executes them with bounded concurrency, and
// records terminal outcomes.
//
// Every dispatch runs on its own goroutine, so blocking handlers never
// occupy the polling loop. Permits are acquired inside the loop's single
// goroutine before a dispatch goroutine is created, which makes
// over-scheduling impossible. Stop drains: no new reservations, but
// in-flight dispatches run to completion and record their outcome.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"taskq/codec"
	"taskq/config"
	"taskq/logging"
	"taskq/metrics"
	"taskq/sqlitestore"
	"taskq/task"
)

// State is the worker lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

const (
	defaultMaxConcurrency = 1
	defaultPollInterval   = time.Second
	defaultBatchSize      = 10
)

// Worker pulls tasks from a store and executes them against a handler
// registry. A stopped worker is terminal; construct a new one to restart.
type Worker struct {
	store     task.Store
	registry  *codec.Registry
	codec     codec.Codec
	logger    logging.Logger
	collector *metrics.Collector

	maxConcurrency int64
	pollInterval   time.Duration
	batchSize      int
	ownsStore      bool

	sem      *semaphore.Weighted
	inFlight atomic.Int64
	wake     chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	loopDone chan struct{}
	stopDone chan struct{}
	stopErr  error
}

// Option configures a Worker.
type Option func(*Worker)

// WithCodec injects the envelope codec. Defaults to codec.NewJSON().
func WithCodec(c codec.Codec) Option {
	return func(w *Worker) {
		if c != nil {
			w.codec = c
		}
	}
}

// WithMaxConcurrency sets the strict upper bound on simultaneously
// executing dispatches. Default 1.
func WithMaxConcurrency(n int) Option {
	return func(w *Worker) { w.maxConcurrency = int64(n) }
}

// WithPollInterval sets the backoff between polls when the last
// reservation came back empty or the worker is at capacity. Default 1s.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// WithBatchSize caps the tasks requested per Reserve call. Default 10.
func WithBatchSize(n int) Option {
	return func(w *Worker) { w.batchSize = n }
}

// WithLogger injects a logger.
func WithLogger(logger logging.Logger) Option {
	return func(w *Worker) { w.logger = logging.OrNop(logger) }
}

// WithMetrics wires Prometheus instrumentation.
func WithMetrics(collector *metrics.Collector) Option {
	return func(w *Worker) { w.collector = collector }
}

// WithOwnedStore makes Stop close the store after the drain completes.
func WithOwnedStore() Option {
	return func(w *Worker) { w.ownsStore = true }
}

// WithConfig applies a loaded worker configuration section.
func WithConfig(cfg config.WorkerConfig) Option {
	return func(w *Worker) {
		if cfg.MaxConcurrency > 0 {
			w.maxConcurrency = int64(cfg.MaxConcurrency)
		}
		if cfg.PollInterval > 0 {
			w.pollInterval = time.Duration(cfg.PollInterval)
		}
		if cfg.BatchSize > 0 {
			w.batchSize = cfg.BatchSize
		}
	}
}

// New builds an idle worker bound to store and registry.
func New(store task.Store, registry *codec.Registry, opts ...Option) (*Worker, error) {
	if store == nil {
		return nil, &task.ValidationError{Field: "store", Reason: "must not be nil"}
	}
	if registry == nil {
		return nil, &task.ValidationError{Field: "registry", Reason: "must not be nil"}
	}
	w := &Worker{
		store:          store,
		registry:       registry,
		codec:          codec.NewJSON(),
		logger:         logging.NewComponentLogger("Worker"),
		maxConcurrency: defaultMaxConcurrency,
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		state:          StateIdle,
		wake:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.maxConcurrency <= 0 {
		return nil, &task.ValidationError{Field: "max_concurrency", Reason: "must be positive"}
	}
	if w.pollInterval <= 0 {
		return nil, &task.ValidationError{Field: "poll_interval", Reason: "must be positive"}
	}
	if w.batchSize <= 0 {
		return nil, &task.ValidationError{Field: "batch_size", Reason: "must be positive"}
	}
	w.sem = semaphore.NewWeighted(w.maxConcurrency)
	return w, nil
}

// NewFromPath is New with the default SQLite store at path; the worker
// owns the store and closes it on Stop.
func NewFromPath(path string, registry *codec.Registry, opts ...Option) (*Worker, error) {
	opts = append([]Option{WithOwnedStore()}, opts...)
	return New(sqlitestore.New(path), registry, opts...)
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start connects the store and launches the polling loop. Starting a
// running worker is a logged no-op; starting a draining or stopped
// worker is an error.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case StateRunning:
		w.logger.Info("worker already running")
		return nil
	case StateDraining, StateStopped:
		return fmt.Errorf("worker: cannot start a %s worker", w.state)
	}

	if err := w.store.Connect(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.loopDone = make(chan struct{})
	w.stopDone = make(chan struct{})
	w.state = StateRunning
	go w.run(loopCtx)
	w.logger.Info("worker started: max_concurrency=%d poll_interval=%s batch_size=%d",
		w.maxConcurrency, w.pollInterval, w.batchSize)
	return nil
}

// Stop drains the worker: the polling loop stops reserving at its next
// decision point, every in-flight dispatch is awaited, then owned
// resources are closed. Idempotent. ctx bounds the wait; on expiry the
// error is returned but dispatches keep running to completion.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateIdle:
		w.state = StateStopped
		w.stopDone = make(chan struct{})
		close(w.stopDone)
		w.mu.Unlock()
		return w.closeOwnedStore()
	case StateStopped, StateDraining:
		stopDone := w.stopDone
		w.mu.Unlock()
		select {
		case <-stopDone:
			return w.stopErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// running
	w.state = StateDraining
	w.cancel()
	loopDone := w.loopDone
	w.mu.Unlock()

	w.logger.Info("worker draining")
	<-loopDone

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	var stopErr error
	select {
	case <-drained:
	case <-ctx.Done():
		stopErr = fmt.Errorf("worker: drain interrupted: %w", ctx.Err())
	}
	if stopErr == nil {
		stopErr = w.closeOwnedStore()
	}

	w.mu.Lock()
	w.state = StateStopped
	w.stopErr = stopErr
	close(w.stopDone)
	w.mu.Unlock()

	w.logger.Info("worker stopped")
	return stopErr
}

func (w *Worker) closeOwnedStore() error {
	if !w.ownsStore {
		return nil
	}
	return w.store.Close()
}

// run is the polling loop. Single goroutine; the only acquirer of permits.
func (w *Worker) run(ctx context.Context) {
	defer close(w.loopDone)
	for {
		if ctx.Err() != nil {
			return
		}

		free := int(w.maxConcurrency - w.inFlight.Load())
		if free <= 0 {
			// At capacity: wait for a permit to free or the poll interval,
			// whichever comes first. Never drain the store while saturated.
			w.idle(ctx)
			continue
		}

		n := w.batchSize
		if free < n {
			n = free
		}
		reserved, err := w.store.Reserve(ctx, n, time.Now().UTC())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("reserve failed, backing off: %v", err)
			w.idle(ctx)
			continue
		}
		w.collector.AddReserved(len(reserved))

		for _, r := range reserved {
			// The permit is taken here, in the loop's goroutine, before the
			// dispatch goroutine exists. Accounting above guarantees a free
			// permit; the blocking acquire is a fallback that cannot stall.
			if !w.sem.TryAcquire(1) {
				_ = w.sem.Acquire(context.Background(), 1)
			}
			w.inFlight.Add(1)
			w.wg.Add(1)
			go w.dispatch(r)
		}

		if len(reserved) == 0 {
			w.idle(ctx)
		}
		// A non-empty batch, even a short one, means there may be more
		// eligible work: poll again immediately.
	}
}

// idle sleeps one poll interval, waking early when a dispatch finishes
// or the loop is cancelled.
func (w *Worker) idle(ctx context.Context) {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-w.wake:
	case <-timer.C:
	}
}

// dispatch executes one reserved task end to end: decode, run, record.
// Failures of any kind become a failed result; nothing propagates back
// into the polling loop.
func (w *Worker) dispatch(r task.Reserved) {
	ctx := context.Background()
	w.collector.DispatchStarted()
	defer func() {
		w.collector.DispatchFinished()
		w.inFlight.Add(-1)
		w.sem.Release(1)
		select {
		case w.wake <- struct{}{}:
		default:
		}
		w.wg.Done()
	}()

	handlerName, inv, err := w.codec.DecodeEnvelope(r.Payload)
	if err != nil {
		w.recordFailure(ctx, r.ID, err.Error(), fmt.Sprintf("decode envelope for task %s: %v", r.ID, err))
		return
	}

	fn, ok := w.registry.Lookup(handlerName)
	if !ok {
		w.recordFailure(ctx, r.ID,
			fmt.Sprintf("unknown handler %q", handlerName),
			fmt.Sprintf("handler %q is not registered with this worker", handlerName))
		return
	}

	value, trace, err := invoke(ctx, fn, inv)
	if err != nil {
		if trace == "" {
			trace = fmt.Sprintf("handler %s: %v", handlerName, err)
		}
		w.recordFailure(ctx, r.ID, err.Error(), trace)
		return
	}

	encoded, err := w.codec.EncodeValue(value)
	if err != nil {
		w.recordFailure(ctx, r.ID, err.Error(), fmt.Sprintf("encode result of handler %s: %v", handlerName, err))
		return
	}
	applied, err := w.store.MarkSuccess(ctx, r.ID, encoded, time.Now().UTC())
	if err != nil {
		w.logger.Error("mark_success %s: %v", r.ID, err)
		return
	}
	if !applied {
		w.logger.Warn("task %s already terminal, success not recorded", r.ID)
		return
	}
	w.collector.ObserveOutcome(true)
	w.logger.Debug("task %s succeeded", r.ID)
}

// invoke runs the handler, converting a panic into an error with the
// goroutine stack as its diagnostic trace.
func invoke(ctx context.Context, fn codec.HandlerFunc, inv codec.Invocation) (value any, trace string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			value = nil
			err = fmt.Errorf("%v", rec)
			trace = string(debug.Stack())
		}
	}()
	value, err = fn(ctx, inv)
	return
}

func (w *Worker) recordFailure(ctx context.Context, taskID, errMsg, trace string) {
	applied, err := w.store.MarkFailure(ctx, taskID, errMsg, trace, time.Now().UTC())
	if err != nil {
		w.logger.Error("mark_failure %s: %v", taskID, err)
		return
	}
	if !applied {
		w.logger.Warn("task %s already terminal, failure not recorded", taskID)
		return
	}
	w.collector.ObserveOutcome(false)
	w.logger.Debug("task %s failed: %s", taskID, errMsg)
}
