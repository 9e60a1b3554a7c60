// Package phaseflow runs events through an ordered chain of interceptors
// grouped into named phases. Every interceptor sees the event and its
// execution Context, may call Continue to wrap the rest of the chain, and may
// short-circuit or replace the event on the way.
//
// NewPipeline returns a pipeline with the five resilience phases:
//
//	ingest → monitor → validate → process → terminal
//
// Ingest converts raw input (fail-forward). Monitor wraps everything after it,
// turns errors and panics into a failed Context and records the duration.
// Validate and process interceptors are skipped once the Context failed.
// Terminal runs exactly one of OnSuccess or OnFailure.
//
// An execution Context carries the correlation id, the Source the event came
// from, an optional Session, the shared Cache and the service registry.
// Build one with Pipeline.BuildContext or let Submit create it.
//
// # Engine
//
// Engine wires a pipeline from Config: a worker Dispatcher with a bounded
// queue, Prometheus metrics, OpenTelemetry tracing, dead-letter sinks
// (a broker topic and/or SQLite), a cron janitor evicting expired cache
// entries and idle sessions, and a watermill consumer per configured topic.
//
// # Transports
//
// Brokers are selected by pubsub_system and registered by sub-packages of
// transport: channel, kafka, rabbitmq, nats, aws (SNS/SQS), http and io.
// Importing phaseflow registers all of them.
package phaseflow
