// Package resilience specializes a pipeline into five fixed phases:
// ingest, monitor, validate, process and terminal.
//
// Failures are fail-forward. A rejected validation or a processing error is
// recorded on the execution Context and the chain keeps going, so the
// terminal phase always sees it. Only a successful early exit, such as a
// cache hit, may short-circuit, and only before process.
package resilience

import (
	"context"
	"time"

	eventpkg "github.com/drblury/phaseflow/internal/runtime/event"
	executionpkg "github.com/drblury/phaseflow/internal/runtime/execution"
	"github.com/drblury/phaseflow/internal/runtime/pipeline"
)

const (
	PhaseIngest   pipeline.Phase = "ingest"
	PhaseMonitor  pipeline.Phase = "monitor"
	PhaseValidate pipeline.Phase = "validate"
	PhaseProcess  pipeline.Phase = "process"
	PhaseTerminal pipeline.Phase = "terminal"
)

// Attribute names written by the helpers in this package.
const (
	AttrDuration = "duration"
	AttrCacheHit = "cache_hit"
	AttrCacheKey = "cache_key"
)

// DurationKey reads the elapsed time recorded by Monitor.
var DurationKey = executionpkg.NewKey[time.Duration](AttrDuration)

// DefaultPhases lists the five phases in execution order.
func DefaultPhases() []pipeline.Phase {
	return []pipeline.Phase{PhaseIngest, PhaseMonitor, PhaseValidate, PhaseProcess, PhaseTerminal}
}

// NewPipeline creates a pipeline preconfigured with DefaultPhases. Extra
// phases can still be spliced in before the first Submit.
func NewPipeline(opts ...pipeline.Option) *pipeline.Pipeline {
	all := append([]pipeline.Option{pipeline.WithPhases(pipeline.MustPhases(DefaultPhases()...))}, opts...)
	return pipeline.New(all...)
}

// Register adds interceptors to phase in order, stopping at the first error.
func Register(p *pipeline.Pipeline, phase pipeline.Phase, interceptors ...pipeline.Interceptor) error {
	for _, fn := range interceptors {
		if err := p.Intercept(phase, fn); err != nil {
			return err
		}
	}
	return nil
}

// Handler is a terminal callback.
type Handler func(ctx context.Context, evt eventpkg.Event, ec *executionpkg.Context)

// Func is business logic run by Process and Enrich.
type Func func(ctx context.Context, evt eventpkg.Event, ec *executionpkg.Context) error
