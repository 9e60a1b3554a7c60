package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pferrors "github.com/drblury/phaseflow/internal/runtime/errors"
	eventpkg "github.com/drblury/phaseflow/internal/runtime/event"
	executionpkg "github.com/drblury/phaseflow/internal/runtime/execution"
	loggingpkg "github.com/drblury/phaseflow/internal/runtime/logging"
)

// Submitter is the part of a Pipeline the Dispatcher drives.
type Submitter interface {
	Submit(ctx context.Context, evt eventpkg.Event, ec *executionpkg.Context) (*Outcome, error)
}

// Future resolves once a dispatched event has finished.
type Future struct {
	done    chan struct{}
	outcome *Outcome
	err     error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(outcome *Outcome, err error) {
	f.outcome = outcome
	f.err = err
	close(f.done)
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Await blocks until the execution finished or ctx is done.
func (f *Future) Await(ctx context.Context) (*Outcome, error) {
	select {
	case <-f.done:
		return f.outcome, f.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

type dispatchJob struct {
	ctx    context.Context
	evt    eventpkg.Event
	ec     *executionpkg.Context
	future *Future
}

// Dispatcher runs submissions on a fixed set of workers fed by a bounded
// queue. Dispatch blocks while the queue is full.
type Dispatcher struct {
	ctx       context.Context
	submitter Submitter
	logger    loggingpkg.ServiceLogger
	queue     chan dispatchJob
	workers   int
	wg        sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	inFlight atomic.Int64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithDispatcherLogger(logger loggingpkg.ServiceLogger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = loggingpkg.OrNop(logger) }
}

// NewDispatcher starts workers goroutines reading a queue of queueDepth jobs.
// Non-positive values fall back to one worker and an unbuffered queue.
// Cancelling ctx fails queued jobs with ErrCancelled.
func NewDispatcher(ctx context.Context, submitter Submitter, workers, queueDepth int, opts ...DispatcherOption) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	d := &Dispatcher{
		ctx:       ctx,
		submitter: submitter,
		logger:    loggingpkg.NopLogger(),
		queue:     make(chan dispatchJob, queueDepth),
		workers:   workers,
	}
	for _, opt := range opts {
		opt(d)
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.run()
		}()
	}
	return d
}

func (d *Dispatcher) run() {
	for job := range d.queue {
		if d.ctx.Err() != nil {
			err := cancelled(d.ctx)
			if job.ec != nil {
				job.ec.Fail(err)
			}
			job.future.complete(nil, err)
			continue
		}
		d.inFlight.Add(1)
		outcome, err := d.submitter.Submit(job.ctx, job.evt, job.ec)
		d.inFlight.Add(-1)
		job.future.complete(outcome, err)
	}
}

// Dispatch enqueues evt, waiting for room when the queue is full.
func (d *Dispatcher) Dispatch(ctx context.Context, evt eventpkg.Event, ec *executionpkg.Context) (*Future, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, pferrors.ErrDispatcherClosed
	}
	job := dispatchJob{ctx: ctx, evt: evt, ec: ec, future: newFuture()}
	select {
	case d.queue <- job:
		return job.future, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-d.ctx.Done():
		return nil, cancelled(d.ctx)
	}
}

// TryDispatch enqueues evt or fails with ErrQueueFull without waiting.
func (d *Dispatcher) TryDispatch(ctx context.Context, evt eventpkg.Event, ec *executionpkg.Context) (*Future, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, pferrors.ErrDispatcherClosed
	}
	if d.ctx.Err() != nil {
		return nil, cancelled(d.ctx)
	}
	job := dispatchJob{ctx: ctx, evt: evt, ec: ec, future: newFuture()}
	select {
	case d.queue <- job:
		return job.future, nil
	default:
		return nil, fmt.Errorf("%w: capacity %d", pferrors.ErrQueueFull, cap(d.queue))
	}
}

// Submit dispatches evt and waits for its outcome, so a Dispatcher can stand
// in for a Pipeline wherever a Submitter is expected.
func (d *Dispatcher) Submit(ctx context.Context, evt eventpkg.Event, ec *executionpkg.Context) (*Outcome, error) {
	fut, err := d.Dispatch(ctx, evt, ec)
	if err != nil {
		return nil, err
	}
	return fut.Await(ctx)
}

// Drain stops accepting work and waits until queued jobs have finished.
func (d *Dispatcher) Drain() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
	d.logger.Debug("Dispatcher drained", loggingpkg.LogFields{"workers": d.workers})
}

func (d *Dispatcher) QueueLen() int   { return len(d.queue) }
func (d *Dispatcher) QueueCap() int   { return cap(d.queue) }
func (d *Dispatcher) Workers() int    { return d.workers }
func (d *Dispatcher) InFlight() int64 { return d.inFlight.Load() }
