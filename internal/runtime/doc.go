/*
Package runtime wires the phaseflow building blocks into a running Engine.

# Architecture Overview

An execution is one event travelling through an ordered list of phases.
Interceptors registered on a phase run in registration order and wrap
everything after them through Call.Continue. The resilience layer defines
five phases:

	ingest → monitor → validate → process → terminal

The Engine owns one such pipeline and feeds it from a watermill consumer or
from direct Submit/Dispatch calls.

# Package Structure

## Engine (engine.go)

The Engine is the central orchestrator that wires together:
  - Resilience pipeline with logging, metrics and dead-letter terminal handlers
  - Worker Dispatcher with a bounded queue (backpressure)
  - Transport publisher and subscriber selected by pubsub_system
  - Consumer routing every consume_topics entry into the dispatcher
  - Session store and cron janitor
  - HTTP servers for metrics and the admin API

## Admin API (admin.go)

Read-only JSON endpoints for the pipeline state and stored dead letters.

# Sub-packages

  - cache/: TTL cache shared by all executions
  - config/: Engine configuration, YAML loading and validation
  - deadletter/: Publisher and SQLite dead-letter sinks
  - errors/: Sentinel errors
  - event/: Immutable event value
  - execution/: Per-execution Context, Source variants and typed keys
  - ids/: ULID, UUID and sequence id generators
  - janitor/: Scheduled eviction of expired cache entries and idle sessions
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metrics/: Prometheus collector
  - pipeline/: Phases, interceptor executor, scope and dispatcher
  - resilience/: The five-phase pattern and its interceptors
  - services/: Named service registry
  - session/: Sessions and the session store
  - source/: Watermill consumer and router middleware
  - tracing/: OpenTelemetry tracer

# Usage Example

	cfg := &phaseflow.Config{
		PubSubSystem:         "kafka",
		KafkaBrokers:         []string{"localhost:9092"},
		ConsumeTopics:        []string{"orders.created"},
		DeadLetterSQLiteFile: "dead_letters.db",
		MetricsEnabled:       true,
		MetricsPort:          9090,
	}

	engine, err := phaseflow.NewEngine(ctx, cfg, logger, phaseflow.EngineDependencies{})
	if err != nil {
		return err
	}
	defer engine.Close()

	engine.Intercept(phaseflow.PhaseIngest, phaseflow.IngestJSON[OrderCreated]())
	engine.Intercept(phaseflow.PhaseProcess, phaseflow.Process(processOrder))

	engine.Start(ctx)
*/
package runtime
