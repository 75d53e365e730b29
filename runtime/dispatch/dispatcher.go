package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/complyline/complyline/runtime/notify"
	"github.com/complyline/complyline/runtime/task"
	"github.com/complyline/complyline/runtime/taskerrors"
	"github.com/complyline/complyline/runtime/telemetry"
)

type (
	// Options configures a Dispatcher.
	Options struct {
		// Store is the durable task store. Required.
		Store task.Store
		// Registry maps task types to handlers. Required.
		Registry *Registry
		// Subscriber delivers task-created hints. Optional: without one the
		// dispatcher runs in pure-poll mode with identical semantics.
		Subscriber notify.Subscriber
		// Workers bounds in-process execution concurrency. Defaults to 4.
		Workers int
		// PollInterval is the idle re-poll period. Defaults to 5s.
		PollInterval time.Duration
		// TaskTimeout bounds each handler execution. Handlers are untrusted
		// and may hang; the dispatcher fails the task when the deadline
		// passes. Defaults to 1m.
		TaskTimeout time.Duration
		// StaleAfter is the liveness deadline for the reconciliation sweep:
		// tasks running longer than this are requeued to pending on the
		// assumption their worker crashed. Zero disables the sweep.
		StaleAfter time.Duration
		// SweepInterval is the sweep period. Defaults to 1m when the sweep
		// is enabled.
		SweepInterval time.Duration
		// WorkerPrefix prefixes generated worker IDs. Defaults to "worker".
		WorkerPrefix string
		// Logger receives dispatcher logs. Defaults to a no-op logger.
		Logger telemetry.Logger
		// Tracer wraps each task execution in a span. Defaults to no-op.
		Tracer telemetry.Tracer
	}

	// Dispatcher owns a pool of workers sharing one claim queue. Workers
	// cycle Idle -> Claiming -> Executing -> Idle; a claim miss is not an
	// error, just a return to idle. Multiple dispatcher processes may share
	// the same store: exclusivity lives entirely in the store's claim.
	Dispatcher struct {
		store    task.Store
		registry *Registry
		sub      notify.Subscriber

		workers       int
		pollInterval  time.Duration
		taskTimeout   time.Duration
		staleAfter    time.Duration
		sweepInterval time.Duration
		workerPrefix  string

		logger telemetry.Logger
		tracer telemetry.Tracer

		wake chan struct{}

		mu      sync.Mutex
		started bool
		cancel  context.CancelFunc
		done    chan struct{}
	}
)

const (
	defaultWorkers       = 4
	defaultPollInterval  = 5 * time.Second
	defaultTaskTimeout   = time.Minute
	defaultSweepInterval = time.Minute
)

// New validates the options and builds a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, errors.New("task store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	d := &Dispatcher{
		store:         opts.Store,
		registry:      opts.Registry,
		sub:           opts.Subscriber,
		workers:       opts.Workers,
		pollInterval:  opts.PollInterval,
		taskTimeout:   opts.TaskTimeout,
		staleAfter:    opts.StaleAfter,
		sweepInterval: opts.SweepInterval,
		workerPrefix:  opts.WorkerPrefix,
		logger:        opts.Logger,
		tracer:        opts.Tracer,
		wake:          make(chan struct{}, 1),
	}
	if d.workers <= 0 {
		d.workers = defaultWorkers
	}
	if d.pollInterval <= 0 {
		d.pollInterval = defaultPollInterval
	}
	if d.taskTimeout <= 0 {
		d.taskTimeout = defaultTaskTimeout
	}
	if d.sweepInterval <= 0 {
		d.sweepInterval = defaultSweepInterval
	}
	if d.workerPrefix == "" {
		d.workerPrefix = "worker"
	}
	if d.logger == nil {
		d.logger = telemetry.NewNoopLogger()
	}
	if d.tracer == nil {
		d.tracer = telemetry.NewNoopTracer()
	}
	if d.staleAfter > 0 && d.staleAfter <= d.taskTimeout {
		// A sweep deadline inside the execution window would requeue tasks
		// their worker is still legitimately running.
		return nil, errors.New("stale deadline must exceed task timeout")
	}
	return d, nil
}

// Start launches the worker pool, the notification listener, and the
// reconciliation sweep. It returns immediately; use Stop for shutdown.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("dispatcher already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.started = true
	d.cancel = cancel
	d.done = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		workerID := fmt.Sprintf("%s-%s", d.workerPrefix, uuid.NewString())
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runWorker(runCtx, workerID)
		}()
	}
	if d.sub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.listen(runCtx)
		}()
	}
	if d.staleAfter > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runSweep(runCtx)
		}()
	}
	go func() {
		wg.Wait()
		close(d.done)
	}()
	return nil
}

// Stop cancels all workers and blocks until they drain or ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	cancel, done := d.cancel, d.done
	d.started = false
	d.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kick wakes one idle worker. Callers use it after a local enqueue to skip
// the poll latency; losing the kick is harmless.
func (d *Dispatcher) Kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// listen forwards notification events into the wake channel. Events carry no
// payload the workers need; the claim re-polls the store regardless.
func (d *Dispatcher) listen(ctx context.Context) {
	events, cancel, err := d.sub.Subscribe(ctx)
	if err != nil {
		d.logger.Error(ctx, "notification subscribe failed, falling back to polling", "err", err)
		return
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			d.Kick()
		}
	}
}

// runWorker is one worker's Idle -> Claiming -> Executing loop.
func (d *Dispatcher) runWorker(ctx context.Context, workerID string) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	// Drain once at startup: pending work may predate the subscription.
	d.drain(ctx, workerID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
			d.drain(ctx, workerID)
		case <-ticker.C:
			d.drain(ctx, workerID)
		}
	}
}

// drain claims and executes tasks until the pending set is empty.
func (d *Dispatcher) drain(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := d.store.Claim(ctx, workerID)
		if err != nil {
			if !errors.Is(err, task.ErrNoPendingTasks) && ctx.Err() == nil {
				d.logger.Error(ctx, "claim failed", "worker", workerID, "err", err)
			}
			return
		}
		d.execute(ctx, workerID, claimed)
	}
}

// execute runs the handler for one claimed task and writes the terminal
// state. Handler failures never propagate: they become failed tasks with the
// error captured verbatim, and the worker moves on.
func (d *Dispatcher) execute(ctx context.Context, workerID string, t task.Task) {
	execCtx, span := d.tracer.Start(ctx, "dispatch.execute")
	defer span.End()

	handler, ok := d.registry.Lookup(t.Type)
	if !ok {
		d.fail(execCtx, workerID, t, taskerrors.Errorf("no handler registered for task type %q", t.Type))
		span.SetStatus(codes.Error, "unknown task type")
		return
	}

	result, err := d.invoke(execCtx, handler, t)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Shutdown interrupted the run, which is not a handler failure.
			// Release the claim so the task runs again after restart.
			d.release(t)
			span.SetStatus(codes.Error, "execution interrupted")
			return
		}
		d.fail(execCtx, workerID, t, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
		return
	}
	if _, err := d.store.Complete(execCtx, t.ID, workerID, result); err != nil {
		d.logger.Error(execCtx, "complete failed", "task", t.ID, "worker", workerID, "err", err)
		span.RecordError(err)
		return
	}
	d.logger.Info(execCtx, "task completed", "task", t.ID, "type", t.Type, "worker", workerID)
}

// invoke runs the handler under the per-task timeout, converting panics and
// deadline overruns into structured task errors. A canceled run context is
// surfaced as context.Canceled so execute can release the claim instead of
// failing the task. The handler runs in its own goroutine so a handler that
// ignores its context cannot stall the worker.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, t task.Task) (json.RawMessage, error) {
	taskCtx, cancel := context.WithTimeout(ctx, d.taskTimeout)
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	results := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- outcome{err: taskerrors.Errorf("handler panicked: %v", r)}
			}
		}()
		result, err := handler(taskCtx, t)
		results <- outcome{result: result, err: err}
	}()

	select {
	case out := <-results:
		if out.err != nil {
			if ctx.Err() != nil && errors.Is(out.err, context.Canceled) {
				return nil, out.err
			}
			return nil, taskerrors.FromError(out.err)
		}
		return out.result, nil
	case <-taskCtx.Done():
		// The goroutine may still be running; it is abandoned and its
		// eventual result discarded. The claim stays with this worker until
		// execute settles the task.
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			return nil, taskerrors.NewTimeout(fmt.Sprintf("execution exceeded %s", d.taskTimeout))
		}
		return nil, taskCtx.Err()
	}
}

// release returns an interrupted claim to the pending queue. Shutdown has
// already canceled the run context, so the write gets its own deadline.
func (d *Dispatcher) release(t task.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := d.store.Requeue(ctx, t.ID); err != nil {
		// The task stays running in the store; the liveness sweep picks it up.
		d.logger.Error(ctx, "requeue of interrupted task failed", "task", t.ID, "err", err)
		return
	}
	d.logger.Info(ctx, "requeued interrupted task", "task", t.ID, "type", t.Type)
}

func (d *Dispatcher) fail(ctx context.Context, workerID string, t task.Task, cause error) {
	// Shutdown may have canceled ctx; the failure write must still land.
	writeCtx := ctx
	if writeCtx.Err() != nil {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if _, err := d.store.Fail(writeCtx, t.ID, workerID, cause.Error()); err != nil {
		d.logger.Error(writeCtx, "fail write failed", "task", t.ID, "worker", workerID, "err", err)
		return
	}
	d.logger.Warn(writeCtx, "task failed", "task", t.ID, "type", t.Type, "worker", workerID, "reason", cause.Error())
}

// runSweep periodically requeues tasks stuck in running past the liveness
// deadline, reconciling work orphaned by crashed workers.
func (d *Dispatcher) runSweep(ctx context.Context) {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	deadline := time.Now().UTC().Add(-d.staleAfter)
	stale, err := d.store.ListStale(ctx, deadline)
	if err != nil {
		d.logger.Error(ctx, "stale scan failed", "err", err)
		return
	}
	for _, t := range stale {
		if _, err := d.store.Requeue(ctx, t.ID); err != nil {
			// The task may have completed between scan and requeue.
			if errors.Is(err, task.ErrTerminalTask) || errors.Is(err, task.ErrInvalidTransition) {
				continue
			}
			d.logger.Error(ctx, "requeue failed", "task", t.ID, "err", err)
			continue
		}
		d.logger.Warn(ctx, "requeued stale task", "task", t.ID, "type", t.Type, "claimed_by", t.ClaimedBy)
		d.Kick()
	}
}
