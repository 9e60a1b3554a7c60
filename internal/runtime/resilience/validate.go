package resilience

import (
	"context"

	eventpkg "github.com/drblury/phaseflow/internal/runtime/event"
	executionpkg "github.com/drblury/phaseflow/internal/runtime/execution"
	"github.com/drblury/phaseflow/internal/runtime/pipeline"
)

// Validate marks the execution failed with message when predicate rejects
// the subject. It never stops the chain. Already failed executions are not
// re-validated.
func Validate(predicate func(eventpkg.Event) bool, message string) pipeline.Interceptor {
	return func(_ context.Context, call *pipeline.Call) error {
		ec := call.Context()
		if ec.IsFailed() {
			return nil
		}
		if !predicate(call.Subject()) {
			ec.MarkFailed(message)
		}
		return nil
	}
}

// ValidatePayload is Validate over a typed payload. A payload of another
// type is rejected with the same message.
func ValidatePayload[T any](predicate func(T) bool, message string) pipeline.Interceptor {
	return Validate(func(evt eventpkg.Event) bool {
		v, ok := eventpkg.PayloadAs[T](evt)
		return ok && predicate(v)
	}, message)
}

// ValidateWith fails the execution with the validator's error.
func ValidateWith(validator func(ctx context.Context, evt eventpkg.Event) error) pipeline.Interceptor {
	return func(ctx context.Context, call *pipeline.Call) error {
		ec := call.Context()
		if ec.IsFailed() {
			return nil
		}
		if err := validator(ctx, call.Subject()); err != nil {
			ec.Fail(err)
		}
		return nil
	}
}

// Enrich derives attributes for a valid execution. Errors go to Monitor.
func Enrich(fn Func) pipeline.Interceptor {
	return guarded(fn)
}

// Process runs business logic unless the execution already failed. Errors
// propagate to Monitor, which records them.
func Process(fn Func) pipeline.Interceptor {
	return guarded(fn)
}

func guarded(fn Func) pipeline.Interceptor {
	return func(ctx context.Context, call *pipeline.Call) error {
		ec := call.Context()
		if ec.IsFailed() {
			return nil
		}
		return fn(ctx, call.Subject(), ec)
	}
}

// Set is an Enrich shortcut storing a derived value.
func Set[T any](key executionpkg.Key[T], derive func(eventpkg.Event) T) pipeline.Interceptor {
	return Enrich(func(_ context.Context, evt eventpkg.Event, ec *executionpkg.Context) error {
		key.Set(ec, derive(evt))
		return nil
	})
}
