package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	cachepkg "github.com/drblury/phaseflow/internal/runtime/cache"
	configpkg "github.com/drblury/phaseflow/internal/runtime/config"
	"github.com/drblury/phaseflow/internal/runtime/deadletter"
	pferrors "github.com/drblury/phaseflow/internal/runtime/errors"
	eventpkg "github.com/drblury/phaseflow/internal/runtime/event"
	executionpkg "github.com/drblury/phaseflow/internal/runtime/execution"
	idspkg "github.com/drblury/phaseflow/internal/runtime/ids"
	"github.com/drblury/phaseflow/internal/runtime/janitor"
	loggingpkg "github.com/drblury/phaseflow/internal/runtime/logging"
	"github.com/drblury/phaseflow/internal/runtime/metrics"
	"github.com/drblury/phaseflow/internal/runtime/pipeline"
	"github.com/drblury/phaseflow/internal/runtime/resilience"
	servicespkg "github.com/drblury/phaseflow/internal/runtime/services"
	sessionpkg "github.com/drblury/phaseflow/internal/runtime/session"
	"github.com/drblury/phaseflow/internal/runtime/source"
	"github.com/drblury/phaseflow/internal/runtime/tracing"
	"github.com/drblury/phaseflow/transport"
)

const httpShutdownTimeout = 5 * time.Second

// EngineDependencies holds the optional collaborators an Engine can use.
// Leave fields nil to get the defaults.
type EngineDependencies struct {
	// Transport replaces the one built from pubsub_system. The engine does
	// not close a supplied transport.
	Transport *transport.Transport
	// Transports is consulted instead of transport.DefaultRegistry.
	Transports *transport.Registry

	Registerer     prometheus.Registerer
	Gatherer       prometheus.Gatherer
	TracerProvider trace.TracerProvider
	IDGenerator    idspkg.Generator
	Services       *servicespkg.Registry

	// TerminalHandlers run after the built-in logging, metrics and dead-letter handlers.
	TerminalHandlers resilience.TerminalHandlers
	// DeadLetterSinks receive failed events next to the configured ones.
	DeadLetterSinks []resilience.DeadLetterSink

	// Retry enables redelivery of messages whose submission returned an error.
	Retry           *source.RetryConfig
	ConsumerOptions []source.Option
	// HandleSignals closes the consumer on SIGINT/SIGTERM.
	HandleSignals bool
}

// Engine wires a resilience pipeline to a transport, a worker dispatcher,
// metrics, tracing, dead-letter sinks and the janitor from a Config.
type Engine struct {
	Conf   configpkg.Config
	Logger loggingpkg.ServiceLogger

	pipeline   *pipeline.Pipeline
	dispatcher *pipeline.Dispatcher
	metrics    *metrics.Collector
	gatherer   prometheus.Gatherer
	sessions   *sessionpkg.Store
	janitor    *janitor.Janitor
	store      *deadletter.SQLiteStore
	consumer   *source.Consumer

	transport     transport.Transport
	ownsTransport bool

	closeOnce sync.Once
	closeErr  error
}

// NewEngine validates conf and builds every component it enables. Register
// interceptors with Intercept before calling Start or submitting events.
func NewEngine(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps EngineDependencies) (*Engine, error) {
	if conf == nil {
		return nil, pferrors.ErrConfigRequired
	}
	c := conf.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log = loggingpkg.OrNop(log)

	log.Info("Creating engine", loggingpkg.LogFields{
		"pipeline":      c.PipelineName,
		"pubsub_system": c.PubSubSystem,
		"config":        c.String(),
	})

	e := &Engine{
		Conf:     c,
		Logger:   log,
		sessions: sessionpkg.NewStore(),
	}
	if err := e.buildTransport(ctx, deps); err != nil {
		return nil, err
	}

	e.gatherer = deps.Gatherer
	if deps.Registerer == nil {
		reg := prometheus.NewRegistry()
		deps.Registerer = reg
		if e.gatherer == nil {
			e.gatherer = reg
		}
	}
	if e.gatherer == nil {
		e.gatherer = prometheus.DefaultGatherer
	}
	e.metrics = metrics.NewCollector(deps.Registerer, c.PipelineName)
	if c.MetricsEnabled {
		if err := e.metrics.Register(); err != nil {
			_ = e.closeTransport()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	sinks, err := e.deadLetterSinks(deps.DeadLetterSinks)
	if err != nil {
		_ = e.closeTransport()
		return nil, err
	}

	if err := e.buildPipeline(deps, sinks); err != nil {
		_ = e.closeResources()
		return nil, err
	}
	e.dispatcher = pipeline.NewDispatcher(e.pipeline.Scope().Context(), e.pipeline, c.Workers, c.QueueDepth,
		pipeline.WithDispatcherLogger(log))

	if !c.JanitorDisabled() {
		opts := []janitor.Option{
			janitor.WithCache(e.pipeline.Cache()),
			janitor.WithSchedule(c.JanitorSchedule),
			janitor.WithRecorder(e.metrics),
			janitor.WithLogger(log),
		}
		if c.SessionEviction {
			opts = append(opts, janitor.WithSessions(e.sessions, c.SessionInactivity))
		}
		j, err := janitor.New(opts...)
		if err != nil {
			e.abort()
			return nil, err
		}
		e.janitor = j
	}

	if len(c.ConsumeTopics) > 0 {
		if err := e.buildConsumer(deps); err != nil {
			e.abort()
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) buildTransport(ctx context.Context, deps EngineDependencies) error {
	if deps.Transport != nil {
		e.transport = *deps.Transport
		return nil
	}
	registry := deps.Transports
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	t, err := registry.Build(ctx, &e.Conf, loggingpkg.NewWatermillAdapter(e.Logger))
	if err != nil {
		return err
	}
	e.transport = t
	e.ownsTransport = true
	return nil
}

func (e *Engine) deadLetterSinks(extra []resilience.DeadLetterSink) (resilience.MultiSink, error) {
	var sinks resilience.MultiSink
	if topic := e.Conf.DeadLetterTopic; topic != "" {
		sink, err := deadletter.NewPublisherSink(e.transport.Publisher, topic,
			deadletter.WithPublisherLogger(e.Logger),
			deadletter.WithPublisherRecorder(e.metrics),
		)
		if err != nil {
			return nil, fmt.Errorf("dead letter topic: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if path := e.Conf.DeadLetterSQLiteFile; path != "" {
		store, err := deadletter.OpenSQLite(path,
			deadletter.WithSQLiteLogger(e.Logger),
			deadletter.WithSQLiteRecorder(e.metrics),
		)
		if err != nil {
			return nil, err
		}
		e.store = store
		sinks = append(sinks, store)
	}
	for _, sink := range extra {
		if sink != nil {
			sinks = append(sinks, sink)
		}
	}
	return sinks, nil
}

func (e *Engine) buildPipeline(deps EngineDependencies, sinks resilience.MultiSink) error {
	opts := []pipeline.Option{
		pipeline.WithName(e.Conf.PipelineName),
		pipeline.WithLogger(e.Logger),
	}
	if deps.IDGenerator != nil {
		opts = append(opts, pipeline.WithIDGenerator(deps.IDGenerator))
	}
	if deps.Services != nil {
		opts = append(opts, pipeline.WithServices(deps.Services))
	}
	p := resilience.NewPipeline(opts...)

	var monitors []pipeline.Interceptor
	if e.Conf.MetricsEnabled {
		monitors = append(monitors, e.metrics.Interceptor())
	}
	monitorCfg := resilience.MonitorConfig{Logger: e.Logger, SpanName: e.Conf.PipelineName + ".execute"}
	if e.Conf.TracingEnabled {
		monitorCfg.Tracer = tracing.New(deps.TracerProvider)
	}
	monitors = append(monitors, resilience.Monitor(monitorCfg))
	if err := resilience.Register(p, resilience.PhaseMonitor, monitors...); err != nil {
		return err
	}

	handlers := resilience.LoggingHandlers(e.Logger)
	if e.Conf.MetricsEnabled {
		handlers = handlers.Merge(resilience.MetricsHandlers(e.metrics.ObserveSuccess, e.metrics.ObserveFailure))
	}
	if len(sinks) > 0 {
		handlers = handlers.Merge(resilience.TerminalHandlers{OnFailure: resilience.DeadLetter(sinks, e.Logger)})
	}
	handlers = handlers.Merge(deps.TerminalHandlers)
	if err := resilience.Register(p, resilience.PhaseTerminal, resilience.Terminal(handlers)); err != nil {
		return err
	}

	e.pipeline = p
	return nil
}

func (e *Engine) buildConsumer(deps EngineDependencies) error {
	if e.transport.Subscriber == nil {
		return fmt.Errorf("consume topics: %w", pferrors.ErrSubscriberRequired)
	}
	opts := []source.Option{
		source.WithName(e.Conf.PipelineName),
		source.WithLogger(e.Logger),
		source.WithContextFactory(e.pipeline.BuildContext),
		source.WithSessions(e.sessions),
	}
	if deps.IDGenerator != nil {
		opts = append(opts, source.WithIDGenerator(deps.IDGenerator))
	}
	if e.Conf.TracingEnabled {
		opts = append(opts, source.WithTracerProvider(deps.TracerProvider))
	}
	if e.Conf.MetricsEnabled {
		opts = append(opts, source.WithRouterMetrics(deps.Registerer))
	}
	if deps.Retry != nil {
		opts = append(opts, source.WithRetry(*deps.Retry))
	}
	if deps.HandleSignals {
		opts = append(opts, source.WithPlugins(plugin.SignalsHandler))
	}
	opts = append(opts, deps.ConsumerOptions...)

	consumer, err := source.New(e.transport.Subscriber, e.dispatcher, opts...)
	if err != nil {
		return err
	}
	for _, topic := range e.Conf.ConsumeTopics {
		if err := consumer.Consume(topic); err != nil {
			return err
		}
	}
	e.consumer = consumer
	return nil
}

func (e *Engine) Pipeline() *pipeline.Pipeline             { return e.pipeline }
func (e *Engine) Dispatcher() *pipeline.Dispatcher         { return e.dispatcher }
func (e *Engine) Metrics() *metrics.Collector              { return e.metrics }
func (e *Engine) Sessions() *sessionpkg.Store              { return e.sessions }
func (e *Engine) Cache() *cachepkg.Cache                   { return e.pipeline.Cache() }
func (e *Engine) Services() *servicespkg.Registry          { return e.pipeline.Services() }
func (e *Engine) Janitor() *janitor.Janitor                { return e.janitor }
func (e *Engine) Transport() transport.Transport           { return e.transport }
func (e *Engine) DeadLetterStore() *deadletter.SQLiteStore { return e.store }

// Intercept registers interceptors for phase in order.
func (e *Engine) Intercept(phase pipeline.Phase, interceptors ...pipeline.Interceptor) error {
	return resilience.Register(e.pipeline, phase, interceptors...)
}

// Submit runs evt on the worker pool and waits for the outcome. A nil ec
// gets a fresh Context.
func (e *Engine) Submit(ctx context.Context, evt eventpkg.Event, ec *executionpkg.Context) (*pipeline.Outcome, error) {
	return e.dispatcher.Submit(ctx, evt, ec)
}

// Dispatch queues evt without waiting. It blocks while the queue is full.
func (e *Engine) Dispatch(ctx context.Context, evt eventpkg.Event, ec *executionpkg.Context) (*pipeline.Future, error) {
	return e.dispatcher.Dispatch(ctx, evt, ec)
}

// Publish sends evt to topic through the transport publisher. The
// correlation id of an execution carried by ctx is propagated.
func (e *Engine) Publish(ctx context.Context, topic string, evt eventpkg.Event) error {
	if topic == "" {
		return pferrors.ErrTopicRequired
	}
	if e.transport.Publisher == nil {
		return pferrors.ErrPublisherRequired
	}
	var correlationID string
	if ec, ok := executionpkg.FromContext(ctx); ok {
		correlationID = ec.CorrelationID()
	}
	msg, err := source.ToMessage(evt, correlationID)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", evt.ID(), err)
	}
	msg.SetContext(ctx)
	return e.transport.Publisher.Publish(topic, msg)
}

// MetricsHandler serves the gatherer in the Prometheus text format.
func (e *Engine) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(e.gatherer, promhttp.HandlerOpts{})
}

// Start runs the consumer, the janitor and the metrics and admin endpoints
// until ctx is cancelled or one of them fails. It does not close the engine.
func (e *Engine) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if e.janitor != nil {
		if err := e.janitor.Start(gctx); err != nil {
			return err
		}
	}
	if e.consumer != nil {
		g.Go(func() error {
			return e.consumer.Run(gctx)
		})
	}
	if e.Conf.MetricsEnabled && e.Conf.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", e.MetricsHandler())
		g.Go(func() error {
			return e.serveHTTP(gctx, "metrics", e.Conf.MetricsPort, mux)
		})
	}
	if e.Conf.AdminEnabled {
		g.Go(func() error {
			return e.serveHTTP(gctx, "admin", e.Conf.AdminPort, e.AdminHandler())
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	e.Logger.Info("Engine started", loggingpkg.LogFields{
		"pipeline": e.Conf.PipelineName,
		"workers":  e.dispatcher.Workers(),
		"topics":   e.Conf.ConsumeTopics,
	})
	return g.Wait()
}

func (e *Engine) serveHTTP(ctx context.Context, name string, port int, handler http.Handler) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	e.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"server": name, "address": srv.Addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// Close stops consuming, lets queued executions finish and releases the
// transport and dead-letter store. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		var errs []error
		if e.consumer != nil {
			errs = append(errs, e.consumer.Close())
		}
		if e.janitor != nil {
			e.janitor.Stop()
		}
		e.dispatcher.Drain()
		e.pipeline.Cancel(nil)
		errs = append(errs, e.closeResources())
		e.closeErr = errors.Join(errs...)
		e.Logger.Info("Engine closed", loggingpkg.LogFields{"pipeline": e.Conf.PipelineName})
	})
	return e.closeErr
}

// abort releases what a failed NewEngine already started.
func (e *Engine) abort() {
	e.dispatcher.Drain()
	e.pipeline.Cancel(nil)
	_ = e.closeResources()
}

func (e *Engine) closeResources() error {
	var errs []error
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	errs = append(errs, e.closeTransport())
	return errors.Join(errs...)
}

func (e *Engine) closeTransport() error {
	if !e.ownsTransport {
		return nil
	}
	return e.transport.Close()
}
