// Package tracing reports executions to OpenTelemetry.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	executionpkg "github.com/drblury/phaseflow/internal/runtime/execution"
	"github.com/drblury/phaseflow/internal/runtime/resilience"
)

// InstrumentationName identifies phaseflow spans.
const InstrumentationName = "github.com/drblury/phaseflow"

// OTel implements resilience.Tracer on top of an OpenTelemetry tracer.
type OTel struct {
	tracer trace.Tracer
}

// New uses provider, or the global provider when nil.
func New(provider trace.TracerProvider) *OTel {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &OTel{tracer: provider.Tracer(InstrumentationName)}
}

// Start opens a span carrying the correlation id and the event source.
func (o *OTel) Start(ctx context.Context, name string, ec *executionpkg.Context) (context.Context, resilience.Span) {
	ctx, span := o.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindConsumer))
	if ec != nil {
		span.SetAttributes(
			attribute.String("phaseflow.correlation_id", ec.CorrelationID()),
			attribute.String("phaseflow.source.kind", executionpkg.Kind(ec.Source())),
			attribute.String("phaseflow.source", executionpkg.Describe(ec.Source())),
		)
	}
	return ctx, &otelSpan{span: span, ec: ec}
}

type otelSpan struct {
	span trace.Span
	ec   *executionpkg.Context
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	if s.ec != nil {
		s.span.SetAttributes(attribute.Bool("phaseflow.failed", s.ec.IsFailed()))
		if d, ok := resilience.DurationKey.Get(s.ec); ok {
			s.span.SetAttributes(attribute.Int64("phaseflow.duration_ms", d.Milliseconds()))
		}
	}
	s.span.End()
}

var _ resilience.Tracer = (*OTel)(nil)
