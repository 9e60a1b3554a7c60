// Package source feeds broker messages into a pipeline. A Consumer wraps a
// watermill router: every consumed message becomes a raw event submitted to
// the pipeline, and the message is acked only after the execution finished.
// A slow chain therefore throttles consumption.
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	pferrors "github.com/drblury/phaseflow/internal/runtime/errors"
	executionpkg "github.com/drblury/phaseflow/internal/runtime/execution"
	idspkg "github.com/drblury/phaseflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/phaseflow/internal/runtime/logging"
	"github.com/drblury/phaseflow/internal/runtime/pipeline"
	sessionpkg "github.com/drblury/phaseflow/internal/runtime/session"
)

const (
	DefaultName         = "phaseflow"
	DefaultCloseTimeout = 30 * time.Second
)

// ContextFactory starts a fresh context builder per message, typically
// Pipeline.BuildContext so the pipeline's cache and services are shared.
type ContextFactory func() *executionpkg.Builder

type Consumer struct {
	name       string
	subscriber message.Subscriber
	submitter  pipeline.Submitter
	newContext ContextFactory
	sessions   *sessionpkg.Store
	ids        idspkg.Generator
	logger     loggingpkg.ServiceLogger

	logMessages  bool
	retry        *RetryConfig
	tracer       trace.TracerProvider
	registerer   prometheus.Registerer
	extra        []message.HandlerMiddleware
	plugins      []message.RouterPlugin
	closeTimeout time.Duration

	router *message.Router

	mu     sync.Mutex
	topics []string
}

type Option func(*Consumer)

// WithName prefixes router handler names and labels router metrics.
func WithName(name string) Option {
	return func(c *Consumer) {
		if name != "" {
			c.name = name
		}
	}
}

func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(c *Consumer) { c.logger = loggingpkg.OrNop(logger) }
}

func WithContextFactory(f ContextFactory) Option {
	return func(c *Consumer) {
		if f != nil {
			c.newContext = f
		}
	}
}

// WithSessions attaches the session named by the session_id metadata key,
// creating it on first use.
func WithSessions(store *sessionpkg.Store) Option {
	return func(c *Consumer) { c.sessions = store }
}

func WithIDGenerator(gen idspkg.Generator) Option {
	return func(c *Consumer) {
		if gen != nil {
			c.ids = gen
		}
	}
}

// WithMessageLogging logs every message payload at debug level.
func WithMessageLogging() Option {
	return func(c *Consumer) { c.logMessages = true }
}

// WithRetry retries submissions that return an error before nacking.
func WithRetry(cfg RetryConfig) Option {
	return func(c *Consumer) { c.retry = &cfg }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Consumer) { c.tracer = tp }
}

// WithRouterMetrics exposes watermill's router and subscriber metrics.
func WithRouterMetrics(reg prometheus.Registerer) Option {
	return func(c *Consumer) { c.registerer = reg }
}

// WithMiddleware appends router middleware after the built-in chain.
func WithMiddleware(mw ...message.HandlerMiddleware) Option {
	return func(c *Consumer) { c.extra = append(c.extra, mw...) }
}

// WithPlugins adds router plugins such as plugin.SignalsHandler.
func WithPlugins(plugins ...message.RouterPlugin) Option {
	return func(c *Consumer) { c.plugins = append(c.plugins, plugins...) }
}

func WithCloseTimeout(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.closeTimeout = d
		}
	}
}

// New builds a consumer reading from subscriber and submitting to submitter,
// which is either a Pipeline or a Dispatcher.
func New(subscriber message.Subscriber, submitter pipeline.Submitter, opts ...Option) (*Consumer, error) {
	if subscriber == nil {
		return nil, pferrors.ErrSubscriberRequired
	}
	if submitter == nil {
		return nil, pferrors.ErrSubmitterRequired
	}
	c := &Consumer{
		name:         DefaultName,
		subscriber:   subscriber,
		submitter:    submitter,
		newContext:   executionpkg.NewBuilder,
		ids:          idspkg.Default(),
		logger:       loggingpkg.NopLogger(),
		closeTimeout: DefaultCloseTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: c.closeTimeout,
	}, loggingpkg.NewWatermillAdapter(c.logger))
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	c.router = router
	router.AddPlugin(c.plugins...)

	if c.registerer != nil {
		builder := metrics.NewPrometheusMetricsBuilder(c.registerer, "phaseflow", c.name)
		builder.AddPrometheusRouterMetrics(router)
	}
	for _, mw := range c.middlewares() {
		router.AddMiddleware(mw)
	}
	return c, nil
}

// middlewares lists the chain outermost first. Recoverer sits innermost so a
// panic becomes an error the retry middleware sees.
func (c *Consumer) middlewares() []message.HandlerMiddleware {
	chain := []message.HandlerMiddleware{CorrelationID(c.ids)}
	if c.logMessages {
		chain = append(chain, LogMessages(c.logger))
	}
	if c.tracer != nil {
		chain = append(chain, Tracer(c.tracer))
	}
	if c.retry != nil {
		chain = append(chain, Retry(*c.retry, c.logger))
	}
	chain = append(chain, Recoverer())
	return append(chain, c.extra...)
}

// Consume registers a handler for topic. Call it before Run.
func (c *Consumer) Consume(topic string) error {
	if topic == "" {
		return pferrors.ErrTopicRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.router.IsRunning() {
		return pferrors.ErrConsumerRunning
	}
	for _, t := range c.topics {
		if t == topic {
			return fmt.Errorf("%w: %q", pferrors.ErrTopicSubscribed, topic)
		}
	}
	c.router.AddNoPublisherHandler(c.name+"."+topic, topic, c.subscriber, c.handler(topic))
	c.topics = append(c.topics, topic)
	return nil
}

// Topics returns the consumed topics in registration order.
func (c *Consumer) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

func (c *Consumer) handler(topic string) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		ctx := msg.Context()
		evt := ToEvent(topic, msg)
		ec, err := c.buildContext(topic, msg)
		if err != nil {
			return err
		}

		outcome, err := c.submitter.Submit(ctx, evt, ec)
		fields := loggingpkg.LogFields{
			"topic":          topic,
			"message_uuid":   msg.UUID,
			"correlation_id": ec.CorrelationID(),
		}
		if err != nil {
			if !errors.Is(err, pferrors.ErrCancelled) {
				c.logger.Error("Submission failed, message will be nacked", err, fields)
			}
			return err
		}
		fields["failed"] = outcome.Context.IsFailed()
		fields["short_circuited"] = outcome.ShortCircuited
		c.logger.Trace("Message consumed", fields)
		return nil
	}
}

func (c *Consumer) buildContext(topic string, msg *message.Message) (*executionpkg.Context, error) {
	b := c.newContext().
		CorrelationID(msg.Metadata.Get(MetadataCorrelationID)).
		Source(executionpkg.Queue{Topic: topic, MessageID: msg.UUID})
	if c.sessions != nil {
		if id := msg.Metadata.Get(MetadataSessionID); id != "" {
			sess, err := c.sessions.GetOrCreate(id)
			if err != nil {
				return nil, err
			}
			sess.Touch()
			b.Session(sess)
		}
	}
	return b.Build()
}

// Run consumes until ctx is cancelled or Close is called.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Starting consumer", loggingpkg.LogFields{
		"name":   c.name,
		"topics": c.Topics(),
	})
	return c.router.Run(ctx)
}

// Running is closed once every handler subscribed.
func (c *Consumer) Running() <-chan struct{} {
	return c.router.Running()
}

// Close stops consuming and waits up to the close timeout for handlers.
func (c *Consumer) Close() error {
	return c.router.Close()
}
