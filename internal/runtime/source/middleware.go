package source

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	pferrors "github.com/drblury/phaseflow/internal/runtime/errors"
	idspkg "github.com/drblury/phaseflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/phaseflow/internal/runtime/logging"
)

// RetryConfig tunes redelivery of messages whose submission returned an error.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	return cfg
}

// CorrelationID sets a correlation id on messages that arrive without one.
func CorrelationID(gen idspkg.Generator) message.HandlerMiddleware {
	if gen == nil {
		gen = idspkg.Default()
	}
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			if msg.Metadata.Get(MetadataCorrelationID) == "" {
				msg.Metadata.Set(MetadataCorrelationID, gen.NewID())
			}
			return h(msg)
		}
	}
}

// LogMessages logs every consumed message with its payload at debug level.
func LogMessages(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	logger = loggingpkg.OrNop(logger)
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Consuming message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"topic":        message.SubscribeTopicFromCtx(msg.Context()),
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

// Tracer opens a consumer span per message. The execution span started by
// the monitor phase becomes its child.
func Tracer(provider trace.TracerProvider) message.HandlerMiddleware {
	tracer := provider.Tracer("github.com/drblury/phaseflow/source")
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx, span := tracer.Start(msg.Context(), "phaseflow.consume", trace.WithSpanKind(trace.SpanKindConsumer))
			defer span.End()
			span.SetAttributes(
				attribute.String("messaging.message.id", msg.UUID),
				attribute.String("messaging.destination.name", message.SubscribeTopicFromCtx(ctx)),
				attribute.String("phaseflow.correlation_id", msg.Metadata.Get(MetadataCorrelationID)),
			)
			msg.SetContext(ctx)

			out, err := h(msg)
			if err != nil {
				span.RecordError(err)
			}
			return out, err
		}
	}
}

// Retry retries failed submissions with exponential backoff. Cancellation is
// never retried.
func Retry(cfg RetryConfig, logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	cfg = cfg.withDefaults()
	retry := middleware.Retry{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      2,
		ShouldRetry: func(params middleware.RetryParams) bool {
			if errors.Is(params.Err, pferrors.ErrCancelled) {
				return false
			}
			if cfg.RetryIf != nil {
				return cfg.RetryIf(params.Err)
			}
			return true
		},
	}
	if logger != nil {
		retry.Logger = loggingpkg.NewWatermillAdapter(logger)
	}
	return retry.Middleware
}

// Recoverer turns handler panics into errors.
func Recoverer() message.HandlerMiddleware {
	return middleware.Recoverer
}
