package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	pferrors "github.com/drblury/phaseflow/internal/runtime/errors"
	eventpkg "github.com/drblury/phaseflow/internal/runtime/event"
	executionpkg "github.com/drblury/phaseflow/internal/runtime/execution"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRunsSubmissions(t *testing.T) {
	p := newTestPipeline(t, "process")
	var processed atomic.Int32
	require.NoError(t, p.Intercept("process", func(_ context.Context, call *Call) error {
		processed.Add(1)
		call.Context().Set("result", call.Subject().Payload())
		return nil
	}))

	d := NewDispatcher(context.Background(), p, 4, 16)
	futures := make([]*Future, 0, 20)
	for i := 0; i < 20; i++ {
		f, err := d.Dispatch(context.Background(), eventpkg.Of(i), nil)
		require.NoError(t, err)
		futures = append(futures, f)
	}

	for i, f := range futures {
		outcome, err := f.Await(context.Background())
		require.NoError(t, err)
		v, _ := outcome.Context.Attribute("result")
		assert.Equal(t, i, v)
	}
	d.Drain()

	assert.Equal(t, int32(20), processed.Load())
	assert.Equal(t, 4, d.Workers())
	assert.Equal(t, 16, d.QueueCap())
	assert.Equal(t, int64(0), d.InFlight())
}

func TestTryDispatchReportsFullQueue(t *testing.T) {
	p := newTestPipeline(t, "process")
	release := make(chan struct{})
	running := make(chan struct{}, 1)
	require.NoError(t, p.Intercept("process", func(context.Context, *Call) error {
		running <- struct{}{}
		<-release
		return nil
	}))

	d := NewDispatcher(context.Background(), p, 1, 1)
	first, err := d.TryDispatch(context.Background(), eventpkg.Of(1), nil)
	require.NoError(t, err)
	<-running

	second, err := d.TryDispatch(context.Background(), eventpkg.Of(2), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, d.QueueLen())

	_, err = d.TryDispatch(context.Background(), eventpkg.Of(3), nil)
	assert.ErrorIs(t, err, pferrors.ErrQueueFull)

	close(release)
	_, err = first.Await(context.Background())
	require.NoError(t, err)
	<-running
	_, err = second.Await(context.Background())
	require.NoError(t, err)
	d.Drain()
}

func TestDispatchBlocksWhileQueueIsFull(t *testing.T) {
	p := newTestPipeline(t, "process")
	release := make(chan struct{})
	require.NoError(t, p.Intercept("process", func(context.Context, *Call) error {
		<-release
		return nil
	}))

	d := NewDispatcher(context.Background(), p, 1, 0)
	_, err := d.Dispatch(context.Background(), eventpkg.Of(1), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = d.Dispatch(ctx, eventpkg.Of(2), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	d.Drain()
}

func TestDispatchAfterDrain(t *testing.T) {
	p := newTestPipeline(t, "process")
	d := NewDispatcher(context.Background(), p, 2, 2)
	d.Drain()
	d.Drain()

	_, err := d.Dispatch(context.Background(), eventpkg.Of(1), nil)
	assert.ErrorIs(t, err, pferrors.ErrDispatcherClosed)
	_, err = d.TryDispatch(context.Background(), eventpkg.Of(1), nil)
	assert.ErrorIs(t, err, pferrors.ErrDispatcherClosed)
}

func TestDispatcherContextCancelFailsQueuedJobs(t *testing.T) {
	p := newTestPipeline(t, "process")
	release := make(chan struct{})
	running := make(chan struct{})
	require.NoError(t, p.Intercept("process", func(context.Context, *Call) error {
		close(running)
		<-release
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(ctx, p, 1, 4)
	first, err := d.Dispatch(context.Background(), eventpkg.Of(1), nil)
	require.NoError(t, err)
	<-running
	queuedCtx := executionpkg.NewBuilder().MustBuild()
	queued, err := d.Dispatch(context.Background(), eventpkg.Of(2), queuedCtx)
	require.NoError(t, err)

	cancel()
	close(release)

	_, err = first.Await(context.Background())
	require.NoError(t, err)
	_, err = queued.Await(context.Background())
	assert.ErrorIs(t, err, pferrors.ErrCancelled)
	assert.True(t, queuedCtx.IsFailed())
	assert.ErrorIs(t, queuedCtx.Err(), pferrors.ErrCancelled)

	_, err = d.TryDispatch(context.Background(), eventpkg.Of(3), nil)
	assert.ErrorIs(t, err, pferrors.ErrCancelled)
	d.Drain()
}

func TestFutureAwaitHonoursContext(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatcherSubmitWaitsForOutcome(t *testing.T) {
	p := newTestPipeline(t, "process")
	require.NoError(t, p.Intercept("process", func(_ context.Context, call *Call) error {
		call.Context().Set("seen", true)
		return nil
	}))

	d := NewDispatcher(context.Background(), p, 2, 2)
	var s Submitter = d
	outcome, err := s.Submit(context.Background(), eventpkg.Of("x"), nil)
	require.NoError(t, err)
	seen, _ := outcome.Context.Attribute("seen")
	assert.Equal(t, true, seen)

	d.Drain()
	_, err = d.Submit(context.Background(), eventpkg.Of("y"), nil)
	assert.ErrorIs(t, err, pferrors.ErrDispatcherClosed)
}
