package resilience

import (
	"context"

	eventpkg "github.com/drblury/phaseflow/internal/runtime/event"
	executionpkg "github.com/drblury/phaseflow/internal/runtime/execution"
	loggingpkg "github.com/drblury/phaseflow/internal/runtime/logging"
)

// DeadLetterSink accepts events whose execution failed.
type DeadLetterSink interface {
	Send(ctx context.Context, evt eventpkg.Event, ec *executionpkg.Context) error
}

// DeadLetterSinkFunc adapts a function to DeadLetterSink.
type DeadLetterSinkFunc func(ctx context.Context, evt eventpkg.Event, ec *executionpkg.Context) error

func (f DeadLetterSinkFunc) Send(ctx context.Context, evt eventpkg.Event, ec *executionpkg.Context) error {
	return f(ctx, evt, ec)
}

// MultiSink sends to every sink and reports the first error.
type MultiSink []DeadLetterSink

func (m MultiSink) Send(ctx context.Context, evt eventpkg.Event, ec *executionpkg.Context) error {
	var first error
	for _, sink := range m {
		if err := sink.Send(ctx, evt, ec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// DeadLetter builds an on-failure handler forwarding to sink. Sink errors are
// logged; the execution is already failed and has nowhere else to go.
func DeadLetter(sink DeadLetterSink, logger loggingpkg.ServiceLogger) Handler {
	logger = loggingpkg.OrNop(logger)
	return func(ctx context.Context, evt eventpkg.Event, ec *executionpkg.Context) {
		if sink == nil {
			return
		}
		if err := sink.Send(ctx, evt, ec); err != nil {
			fields := baseFields(evt, ec)
			fields["error_message"] = ec.ErrorMessage()
			logger.Error("Dead letter delivery failed", err, fields)
			return
		}
		logger.Debug("Event dead-lettered", baseFields(evt, ec))
	}
}
