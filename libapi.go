package phaseflow

import (
	"context"
	"time"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/phaseflow/internal/runtime"
	cachepkg "github.com/drblury/phaseflow/internal/runtime/cache"
	configpkg "github.com/drblury/phaseflow/internal/runtime/config"
	"github.com/drblury/phaseflow/internal/runtime/deadletter"
	errspkg "github.com/drblury/phaseflow/internal/runtime/errors"
	eventpkg "github.com/drblury/phaseflow/internal/runtime/event"
	executionpkg "github.com/drblury/phaseflow/internal/runtime/execution"
	idspkg "github.com/drblury/phaseflow/internal/runtime/ids"
	"github.com/drblury/phaseflow/internal/runtime/janitor"
	"github.com/drblury/phaseflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/phaseflow/internal/runtime/logging"
	"github.com/drblury/phaseflow/internal/runtime/metrics"
	"github.com/drblury/phaseflow/internal/runtime/pipeline"
	"github.com/drblury/phaseflow/internal/runtime/resilience"
	servicespkg "github.com/drblury/phaseflow/internal/runtime/services"
	sessionpkg "github.com/drblury/phaseflow/internal/runtime/session"
	"github.com/drblury/phaseflow/internal/runtime/source"
	"github.com/drblury/phaseflow/internal/runtime/tracing"
	"github.com/drblury/phaseflow/transport"
	_ "github.com/drblury/phaseflow/transport/transports"
)

type (
	Config             = configpkg.Config
	Engine             = runtimepkg.Engine
	EngineDependencies = runtimepkg.EngineDependencies

	Event                = eventpkg.Event
	EventValidationError = eventpkg.ValidationError

	Context        = executionpkg.Context
	ContextBuilder = executionpkg.Builder
	Key[T any]     = executionpkg.Key[T]
	Source         = executionpkg.Source
	HTTPSource     = executionpkg.HTTP
	SocketSource   = executionpkg.Socket
	QueueSource    = executionpkg.Queue
	FileSource     = executionpkg.FileSystem
	DBSource       = executionpkg.DBTrigger
	CustomSource   = executionpkg.Custom

	Pipeline    = pipeline.Pipeline
	Option      = pipeline.Option
	Phase       = pipeline.Phase
	Phases      = pipeline.Phases
	Interceptor = pipeline.Interceptor
	Call        = pipeline.Call
	Outcome     = pipeline.Outcome
	PanicError  = pipeline.PanicError
	Scope       = pipeline.Scope
	Dispatcher  = pipeline.Dispatcher
	Future      = pipeline.Future
	Submitter   = pipeline.Submitter

	Handler          = resilience.Handler
	Func             = resilience.Func
	TerminalHandlers = resilience.TerminalHandlers
	MonitorConfig    = resilience.MonitorConfig
	Tracer           = resilience.Tracer
	Span             = resilience.Span
	Converter        = resilience.Converter
	KeyFunc          = resilience.KeyFunc
	DeadLetterSink   = resilience.DeadLetterSink
	DeadLetterFunc   = resilience.DeadLetterSinkFunc
	MultiSink        = resilience.MultiSink

	Cache           = cachepkg.Cache
	ServiceRegistry = servicespkg.Registry
	Session         = sessionpkg.Session
	SessionStore    = sessionpkg.Store
	IDGenerator     = idspkg.Generator

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	MetricsCollector = metrics.Collector
	MetricsSnapshot  = metrics.Snapshot
	Janitor          = janitor.Janitor

	DeadLetterRecord    = deadletter.Record
	DeadLetterStore     = deadletter.SQLiteStore
	DeadLetterFilter    = deadletter.Filter
	DeadLetterPublisher = deadletter.PublisherSink

	Consumer    = source.Consumer
	RetryConfig = source.RetryConfig

	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

// The five phases of a resilience pipeline, in execution order.
const (
	PhaseIngest   = resilience.PhaseIngest
	PhaseMonitor  = resilience.PhaseMonitor
	PhaseValidate = resilience.PhaseValidate
	PhaseProcess  = resilience.PhaseProcess
	PhaseTerminal = resilience.PhaseTerminal
)

var (
	NewEngine      = runtimepkg.NewEngine
	LoadConfig     = configpkg.Load
	ParseConfig    = configpkg.Parse
	ValidateConfig = configpkg.ValidateConfig

	NewEvent       = eventpkg.New
	NewEventWithID = eventpkg.NewWithID
	EventOf        = eventpkg.Of

	NewContextBuilder = executionpkg.NewBuilder
	WithContext       = executionpkg.NewContext
	ContextFrom       = executionpkg.FromContext
	DescribeSource    = executionpkg.Describe

	NewPipeline          = resilience.NewPipeline
	NewBarePipeline      = pipeline.New
	NewPhases            = pipeline.NewPhases
	NewScope             = pipeline.NewScope
	NewDispatcher        = pipeline.NewDispatcher
	WithName             = pipeline.WithName
	WithLogger           = pipeline.WithLogger
	WithIDGenerator      = pipeline.WithIDGenerator
	WithCache            = pipeline.WithCache
	WithServices         = pipeline.WithServices
	WithScope            = pipeline.WithScope
	WithPhases           = pipeline.WithPhases
	WithDispatcherLogger = pipeline.WithDispatcherLogger
	Register             = resilience.Register

	Ingest           = resilience.Ingest
	IngestProto      = resilience.IngestProto
	Monitor          = resilience.Monitor
	Validate         = resilience.Validate
	ValidateWith     = resilience.ValidateWith
	Enrich           = resilience.Enrich
	Process          = resilience.Process
	Terminal         = resilience.Terminal
	ServeCached      = resilience.ServeCached
	CacheResult      = resilience.CacheResult
	DeadLetter       = resilience.DeadLetter
	LoggingHandlers  = resilience.LoggingHandlers
	MetricsHandlers  = resilience.MetricsHandlers
	AlertingHandlers = resilience.AlertingHandlers
	DurationKey      = resilience.DurationKey

	NewCache           = cachepkg.New
	NewServiceRegistry = servicespkg.NewRegistry
	NewSession         = sessionpkg.New
	NewSessionStore    = sessionpkg.NewStore

	DefaultIDGenerator = idspkg.Default
	NewULIDGenerator   = idspkg.NewULID
	NewUUIDGenerator   = idspkg.NewUUID
	NewSequence        = idspkg.NewSequence

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.NopLogger

	NewMetricsCollector = metrics.NewCollector
	NewOTelTracer       = tracing.New
	NewJanitor          = janitor.New

	OpenDeadLetterStore     = deadletter.OpenSQLite
	NewDeadLetterPublisher  = deadletter.NewPublisherSink
	DecodeDeadLetterMessage = deadletter.DecodeRecord

	NewConsumer = source.New

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	TransportCapabilitiesOf  = transport.CapabilitiesOf

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrPhaseNotFound       = errspkg.ErrPhaseNotFound
	ErrPhaseExists         = errspkg.ErrPhaseExists
	ErrInvalidPhase        = errspkg.ErrInvalidPhase
	ErrPipelineStarted     = errspkg.ErrPipelineStarted
	ErrInterceptorRequired = errspkg.ErrInterceptorRequired
	ErrCancelled           = errspkg.ErrCancelled
	ErrQueueFull           = errspkg.ErrQueueFull
	ErrDispatcherClosed    = errspkg.ErrDispatcherClosed
	ErrServiceExists       = errspkg.ErrServiceExists
	ErrServiceNameRequired = errspkg.ErrServiceNameRequired
	ErrServiceRequired     = errspkg.ErrServiceRequired
	ErrSessionExists       = errspkg.ErrSessionExists
	ErrSinkRequired        = errspkg.ErrSinkRequired
	ErrTopicRequired       = errspkg.ErrTopicRequired
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrUnexpectedPayload   = errspkg.ErrUnexpectedPayload
	ErrUnknownTransport    = errspkg.ErrUnknownTransport
)

// NewKey declares a typed Context attribute.
func NewKey[T any](name string) Key[T] {
	return executionpkg.NewKey[T](name)
}

// Attribute reads a Context attribute, reporting false when it is missing or
// holds another type.
func Attribute[T any](ec *Context, name string) (T, bool) {
	return executionpkg.Get[T](ec, name)
}

// PayloadAs returns the event payload as T.
func PayloadAs[T any](evt Event) (T, bool) {
	return eventpkg.PayloadAs[T](evt)
}

func IngestJSON[T any]() Interceptor {
	return resilience.IngestJSON[T]()
}

// IngestProtoAs decodes payloads into a fresh T for every event.
func IngestProtoAs[T proto.Message](factory func() T) Interceptor {
	return resilience.IngestProto(func() proto.Message { return factory() })
}

func ValidatePayload[T any](predicate func(T) bool, message string) Interceptor {
	return resilience.ValidatePayload(predicate, message)
}

// Set stores derive(evt) under key unless the execution already failed.
func Set[T any](key Key[T], derive func(Event) T) Interceptor {
	return resilience.Set(key, derive)
}

// CachedAs reads a cache entry as T.
func CachedAs[T any](c *Cache, key string) (T, bool) {
	return cachepkg.GetAs[T](c, key)
}

// ServiceAs looks a service up by name and asserts it to T.
func ServiceAs[T any](r *ServiceRegistry, name string) (T, bool) {
	return servicespkg.GetAs[T](r, name)
}

// ServiceOf returns the first registered service assignable to T.
func ServiceOf[T any](r *ServiceRegistry) (T, bool) {
	return servicespkg.GetByType[T](r)
}

// SessionValue reads a session value as T.
func SessionValue[T any](s *Session, key string) (T, bool) {
	return sessionpkg.Value[T](s, key)
}

// Run builds an engine from conf, lets register add interceptors, and serves
// until ctx is cancelled.
func Run(ctx context.Context, conf *Config, logger ServiceLogger, deps EngineDependencies, register func(*Engine) error) error {
	e, err := NewEngine(ctx, conf, logger, deps)
	if err != nil {
		return err
	}
	defer e.Close()

	if register != nil {
		if err := register(e); err != nil {
			return err
		}
	}
	return e.Start(ctx)
}

// Elapsed reports how long ec's execution took, preferring the duration the
// monitor phase recorded.
func Elapsed(ec *Context) time.Duration {
	if d, ok := DurationKey.Get(ec); ok {
		return d
	}
	return ec.Elapsed()
}
