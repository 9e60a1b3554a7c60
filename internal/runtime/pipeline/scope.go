package pipeline

import (
	"context"

	pferrors "github.com/drblury/phaseflow/internal/runtime/errors"
)

// Scope owns the lifetime of every execution a pipeline starts. Cancelling it
// cancels all in-flight executions.
type Scope struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewScope derives a scope from parent. Cancelling parent cancels the scope.
func NewScope(parent context.Context) *Scope {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Scope{ctx: ctx, cancel: cancel}
}

// Cancel stops the scope. A nil cause is recorded as ErrCancelled.
func (s *Scope) Cancel(cause error) {
	if cause == nil {
		cause = pferrors.ErrCancelled
	}
	s.cancel(cause)
}

func (s *Scope) IsActive() bool {
	return s.ctx.Err() == nil
}

func (s *Scope) Context() context.Context {
	return s.ctx
}

func (s *Scope) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Cause returns why the scope ended, nil while active.
func (s *Scope) Cause() error {
	return context.Cause(s.ctx)
}

// bind derives an execution context cancelled by either ctx or the scope.
func (s *Scope) bind(ctx context.Context) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)
	if s.ctx.Err() != nil {
		// AfterFunc would fire asynchronously for an already finished scope
		cancel(context.Cause(s.ctx))
		return runCtx, func() { cancel(nil) }
	}
	stop := context.AfterFunc(s.ctx, func() {
		cancel(context.Cause(s.ctx))
	})
	return runCtx, func() {
		stop()
		cancel(nil)
	}
}
