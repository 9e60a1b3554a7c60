package resilience

import (
	"context"
	"time"

	eventpkg "github.com/drblury/phaseflow/internal/runtime/event"
	executionpkg "github.com/drblury/phaseflow/internal/runtime/execution"
	loggingpkg "github.com/drblury/phaseflow/internal/runtime/logging"
	"github.com/drblury/phaseflow/internal/runtime/pipeline"
)

// TerminalHandlers are the two mutually exclusive ends of an execution.
// Nil handlers are skipped.
type TerminalHandlers struct {
	// OnFailure runs when the Context is failed: dead-lettering, alerting.
	OnFailure Handler
	// OnSuccess runs otherwise: metrics, notifications.
	OnSuccess Handler
}

// Merge combines two handler sets; handlers from other run after h's.
func (h TerminalHandlers) Merge(other TerminalHandlers) TerminalHandlers {
	return TerminalHandlers{
		OnFailure: chainHandlers(h.OnFailure, other.OnFailure),
		OnSuccess: chainHandlers(h.OnSuccess, other.OnSuccess),
	}
}

func chainHandlers(a, b Handler) Handler {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, evt eventpkg.Event, ec *executionpkg.Context) {
		a(ctx, evt, ec)
		b(ctx, evt, ec)
	}
}

// Terminal picks exactly one branch from the failure flag. Terminal
// interceptors share a per-Context claim, so when several are registered only
// the first one to run does anything. It never continues the chain itself.
func Terminal(handlers TerminalHandlers) pipeline.Interceptor {
	return func(ctx context.Context, call *pipeline.Call) error {
		ec := call.Context()
		if !ec.ClaimTerminal() {
			return nil
		}
		handler := handlers.OnSuccess
		if ec.IsFailed() {
			handler = handlers.OnFailure
		}
		if handler != nil {
			handler(ctx, call.Subject(), ec)
		}
		return nil
	}
}

func baseFields(evt eventpkg.Event, ec *executionpkg.Context) loggingpkg.LogFields {
	fields := loggingpkg.LogFields{
		"correlation_id": ec.CorrelationID(),
		"event_id":       evt.ID(),
		"event_type":     evt.Type(),
		"source":         executionpkg.Describe(ec.Source()),
	}
	fields["duration_ms"] = executionDuration(ec).Milliseconds()
	return fields
}

// executionDuration prefers the Monitor measurement. Terminal handlers run
// inside Monitor, so they usually see the elapsed time since the build.
func executionDuration(ec *executionpkg.Context) time.Duration {
	if d, ok := DurationKey.Get(ec); ok {
		return d
	}
	return ec.Elapsed()
}

// LoggingHandlers logs both outcomes.
func LoggingHandlers(logger loggingpkg.ServiceLogger) TerminalHandlers {
	logger = loggingpkg.OrNop(logger)
	return TerminalHandlers{
		OnSuccess: func(_ context.Context, evt eventpkg.Event, ec *executionpkg.Context) {
			logger.Info("Execution completed", baseFields(evt, ec))
		},
		OnFailure: func(_ context.Context, evt eventpkg.Event, ec *executionpkg.Context) {
			logger.Error("Execution failed", ec.Err(), baseFields(evt, ec))
		},
	}
}

// MetricsHandlers reports outcomes by event type with the measured duration.
func MetricsHandlers(onSuccess, onFailure func(eventType string, d time.Duration)) TerminalHandlers {
	observe := func(fn func(string, time.Duration)) Handler {
		if fn == nil {
			return nil
		}
		return func(_ context.Context, evt eventpkg.Event, ec *executionpkg.Context) {
			fn(evt.Type(), executionDuration(ec))
		}
	}
	return TerminalHandlers{
		OnSuccess: observe(onSuccess),
		OnFailure: observe(onFailure),
	}
}

// AlertingHandlers calls alert for failed executions only.
func AlertingHandlers(alert Handler) TerminalHandlers {
	return TerminalHandlers{OnFailure: alert}
}
