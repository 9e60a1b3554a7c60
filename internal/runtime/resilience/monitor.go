package resilience

import (
	"context"
	"errors"
	"time"

	pferrors "github.com/drblury/phaseflow/internal/runtime/errors"
	executionpkg "github.com/drblury/phaseflow/internal/runtime/execution"
	loggingpkg "github.com/drblury/phaseflow/internal/runtime/logging"
	"github.com/drblury/phaseflow/internal/runtime/pipeline"
)

// Tracer starts a span around everything downstream of Monitor.
type Tracer interface {
	Start(ctx context.Context, name string, ec *executionpkg.Context) (context.Context, Span)
}

// Span is the tracing handle Monitor reports to.
type Span interface {
	RecordError(err error)
	End()
}

// MonitorConfig customises Monitor. Every field is optional.
type MonitorConfig struct {
	Tracer   Tracer
	Logger   loggingpkg.ServiceLogger
	SpanName string
	// Now replaces time.Now for duration measurement.
	Now func() time.Time
}

// Monitor wraps the rest of the chain. Downstream errors mark the Context
// failed and the chain is resumed after the failing interceptor, so the
// terminal phase still runs. The elapsed time is stored under AttrDuration
// whatever the outcome. Cancellation is passed through untouched.
func Monitor(cfg MonitorConfig) pipeline.Interceptor {
	logger := loggingpkg.OrNop(cfg.Logger)
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	spanName := cfg.SpanName
	if spanName == "" {
		spanName = "phaseflow.execution"
	}

	return func(ctx context.Context, call *pipeline.Call) error {
		ec := call.Context()
		start := now()

		var span Span
		if cfg.Tracer != nil {
			ctx, span = cfg.Tracer.Start(ctx, spanName, ec)
		}
		defer func() {
			DurationKey.Set(ec, now().Sub(start))
			if span != nil {
				span.End()
			}
		}()

		err := call.Continue(ctx)
		for err != nil {
			if errors.Is(err, pferrors.ErrCancelled) {
				if span != nil {
					span.RecordError(err)
				}
				return err
			}
			ec.Fail(err)
			if span != nil {
				span.RecordError(err)
			}
			logger.Error("Execution failed, routing to terminal phase", err, loggingpkg.LogFields{
				"correlation_id": ec.CorrelationID(),
				"event_id":       call.Subject().ID(),
			})
			// resume after the interceptor that failed
			err = call.Continue(ctx)
		}
		return nil
	}
}
