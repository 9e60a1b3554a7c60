// Package pipeline runs events through an ordered chain of phases.
//
// Each phase holds interceptors in registration order. On the first Submit
// the phases and their interceptors are flattened into one list which is then
// walked for every event. An interceptor controls the walk through its Call:
// Continue runs the remainder of the chain and returns once it has finished,
// ShortCircuit ends the walk, ReplaceSubject swaps the event and continues.
// An interceptor that returns without doing either lets the walk move on.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	cachepkg "github.com/drblury/phaseflow/internal/runtime/cache"
	pferrors "github.com/drblury/phaseflow/internal/runtime/errors"
	eventpkg "github.com/drblury/phaseflow/internal/runtime/event"
	executionpkg "github.com/drblury/phaseflow/internal/runtime/execution"
	idspkg "github.com/drblury/phaseflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/phaseflow/internal/runtime/logging"
	servicespkg "github.com/drblury/phaseflow/internal/runtime/services"
)

// Interceptor is a behavior bound to one phase.
type Interceptor func(ctx context.Context, call *Call) error

// Outcome is what Submit hands back once the chain has finished.
type Outcome struct {
	// Event is the subject at the end of the chain, after any ReplaceSubject.
	Event eventpkg.Event
	// Context is the execution context, inspect IsFailed and ErrorMessage.
	Context *executionpkg.Context
	// ShortCircuited is set when an interceptor ended the chain early.
	ShortCircuited bool
}

// PanicError wraps a panic recovered from an interceptor.
type PanicError struct {
	Phase Phase
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("phaseflow: interceptor in phase %q panicked: %v", e.Phase, e.Value)
}

// Unwrap exposes a panicked error value.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

type link struct {
	phase Phase
	fn    Interceptor
}

// Pipeline is a phase-ordered interceptor chain.
type Pipeline struct {
	name     string
	phases   *Phases
	logger   loggingpkg.ServiceLogger
	ids      idspkg.Generator
	cache    *cachepkg.Cache
	services *servicespkg.Registry
	scope    *Scope

	mu           sync.Mutex
	interceptors map[Phase][]Interceptor
	chain        []link
	started      bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPhases sets the phase registry. The pipeline freezes it on first Submit.
func WithPhases(phases *Phases) Option {
	return func(p *Pipeline) {
		if phases != nil {
			p.phases = phases
		}
	}
}

func WithName(name string) Option {
	return func(p *Pipeline) { p.name = name }
}

func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(p *Pipeline) { p.logger = loggingpkg.OrNop(logger) }
}

// WithIDGenerator sets the generator for correlation ids of built contexts.
func WithIDGenerator(gen idspkg.Generator) Option {
	return func(p *Pipeline) {
		if gen != nil {
			p.ids = gen
		}
	}
}

// WithCache shares c with every context built by the pipeline.
func WithCache(c *cachepkg.Cache) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.cache = c
		}
	}
}

// WithServices shares r with every context built by the pipeline.
func WithServices(r *servicespkg.Registry) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.services = r
		}
	}
}

// WithScope ties the pipeline's executions to s.
func WithScope(s *Scope) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.scope = s
		}
	}
}

// New creates a pipeline. Without WithPhases it starts with no phases.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		name:         "phaseflow",
		phases:       &Phases{},
		logger:       loggingpkg.NopLogger(),
		ids:          idspkg.Default(),
		cache:        cachepkg.New(),
		services:     servicespkg.NewRegistry(),
		interceptors: make(map[Phase][]Interceptor),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.scope == nil {
		p.scope = NewScope(context.Background())
	}
	return p
}

func (p *Pipeline) Name() string                    { return p.name }
func (p *Pipeline) Phases() *Phases                 { return p.phases }
func (p *Pipeline) Cache() *cachepkg.Cache          { return p.cache }
func (p *Pipeline) Services() *servicespkg.Registry { return p.services }
func (p *Pipeline) Scope() *Scope                   { return p.scope }

// Intercept appends fn to phase. It must be called before the first Submit.
func (p *Pipeline) Intercept(phase Phase, fn Interceptor) error {
	if fn == nil {
		return pferrors.ErrInterceptorRequired
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return pferrors.ErrPipelineStarted
	}
	if !p.phases.Contains(phase) {
		return fmt.Errorf("%w: %s", pferrors.ErrPhaseNotFound, phase)
	}
	p.interceptors[phase] = append(p.interceptors[phase], fn)
	return nil
}

// InsertPhaseBefore adds a phase ahead of anchor.
func (p *Pipeline) InsertPhaseBefore(anchor, phase Phase) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return pferrors.ErrPipelineStarted
	}
	return p.phases.InsertBefore(anchor, phase)
}

// InsertPhaseAfter adds a phase behind anchor.
func (p *Pipeline) InsertPhaseAfter(anchor, phase Phase) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return pferrors.ErrPipelineStarted
	}
	return p.phases.InsertAfter(anchor, phase)
}

// Started reports whether the topology is fixed.
func (p *Pipeline) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// BuildContext returns a builder preloaded with the pipeline's cache,
// services and id generator.
func (p *Pipeline) BuildContext() *executionpkg.Builder {
	return executionpkg.NewBuilder().
		Cache(p.cache).
		Services(p.services).
		IDGenerator(p.ids)
}

// Cancel cancels the pipeline scope and every in-flight execution.
func (p *Pipeline) Cancel(cause error) {
	p.scope.Cancel(cause)
}

func (p *Pipeline) IsActive() bool {
	return p.scope.IsActive()
}

// links flattens phases × interceptors once and freezes the topology.
func (p *Pipeline) links() []link {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return p.chain
	}
	p.started = true
	order := p.phases.freeze()
	chain := make([]link, 0, len(order))
	for _, phase := range order {
		for _, fn := range p.interceptors[phase] {
			chain = append(chain, link{phase: phase, fn: fn})
		}
	}
	p.chain = chain
	return chain
}

// Submit runs evt through the chain and waits until it has finished. A nil ec
// gets a fresh context from BuildContext. Failures recorded by interceptors
// are reported through the Outcome's Context; the returned error is reserved
// for errors nobody handled and for cancellation (wrapping ErrCancelled).
func (p *Pipeline) Submit(ctx context.Context, evt eventpkg.Event, ec *executionpkg.Context) (*Outcome, error) {
	if ec == nil {
		built, err := p.BuildContext().Build()
		if err != nil {
			return nil, err
		}
		ec = built
	}
	chain := p.links()

	runCtx, release := p.scope.bind(ctx)
	defer release()
	runCtx = executionpkg.NewContext(runCtx, ec)

	call := &Call{
		chain:   chain,
		subject: evt,
		ec:      ec,
		logger:  p.logger.With(loggingpkg.LogFields{"correlation_id": ec.CorrelationID()}),
	}
	call.logger.Debug("Submitting event", loggingpkg.LogFields{"pipeline": p.name, "event_id": evt.ID(), "event_type": evt.Type()})

	err := call.proceed(runCtx)
	if err != nil && runCtx.Err() != nil && !errors.Is(err, pferrors.ErrCancelled) {
		err = cancelled(runCtx)
	}
	if errors.Is(err, pferrors.ErrCancelled) {
		ec.Fail(err)
	}

	outcome := &Outcome{Event: call.subject, Context: ec, ShortCircuited: call.shortCircuited}
	if err != nil {
		call.logger.Error("Event execution ended with an error", err, loggingpkg.LogFields{"pipeline": p.name, "phase": string(call.lastPhase)})
		return outcome, err
	}
	call.logger.Debug("Event execution finished", loggingpkg.LogFields{
		"pipeline":        p.name,
		"failed":          ec.IsFailed(),
		"short_circuited": call.shortCircuited,
	})
	return outcome, nil
}

func cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, pferrors.ErrCancelled) {
		return pferrors.ErrCancelled
	}
	return fmt.Errorf("%w: %w", pferrors.ErrCancelled, cause)
}

// Call is an interceptor's handle on one execution. It is not safe for use
// outside the interceptor invocation it was passed to.
type Call struct {
	chain          []link
	index          int
	current        Phase
	lastPhase      Phase
	subject        eventpkg.Event
	ec             *executionpkg.Context
	finished       bool
	shortCircuited bool
	logger         loggingpkg.ServiceLogger
}

// Subject is the event currently flowing through the chain.
func (c *Call) Subject() eventpkg.Event { return c.subject }

// Context is the execution context shared by every interceptor.
func (c *Call) Context() *executionpkg.Context { return c.ec }

// Phase is the phase of the running interceptor.
func (c *Call) Phase() Phase { return c.current }

func (c *Call) ShortCircuited() bool { return c.shortCircuited }

// Logger carries the execution's correlation id.
func (c *Call) Logger() loggingpkg.ServiceLogger { return c.logger }

// Continue runs the rest of the chain and returns when it has completed,
// failed or been short-circuited. Errors from downstream are returned to the
// caller, which may handle them or pass them up.
func (c *Call) Continue(ctx context.Context) error {
	return c.proceed(ctx)
}

// ShortCircuit stops the chain. Nothing after the calling interceptor runs,
// including later phases.
func (c *Call) ShortCircuit() {
	c.finished = true
	c.shortCircuited = true
}

// ReplaceSubject swaps the event and continues with the new one.
func (c *Call) ReplaceSubject(ctx context.Context, evt eventpkg.Event) error {
	c.subject = evt
	return c.Continue(ctx)
}

func (c *Call) proceed(ctx context.Context) error {
	for !c.finished && c.index < len(c.chain) {
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		next := c.chain[c.index]
		c.index++
		if err := c.invoke(ctx, next); err != nil {
			return err
		}
	}
	return nil
}

func (c *Call) invoke(ctx context.Context, l link) (err error) {
	outer := c.current
	c.current = l.phase
	c.lastPhase = l.phase
	defer func() {
		c.current = outer
		if r := recover(); r != nil {
			err = &PanicError{Phase: l.phase, Value: r, Stack: debug.Stack()}
			c.logger.Error("Interceptor panicked", err, loggingpkg.LogFields{"phase": string(l.phase)})
		}
	}()
	return l.fn(ctx, c)
}
