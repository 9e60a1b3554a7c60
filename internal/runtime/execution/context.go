// Package execution holds the mutable state that accompanies one event
// through a pipeline: correlation id, origin, session, shared cache and
// services, free-form attributes and the failure flag consulted by the
// terminal phase.
package execution

import (
	"context"
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	cachepkg "github.com/drblury/phaseflow/internal/runtime/cache"
	servicespkg "github.com/drblury/phaseflow/internal/runtime/services"
	sessionpkg "github.com/drblury/phaseflow/internal/runtime/session"
)

// Context is the execution state for one unit of work. It is safe to read
// from several goroutines, but one execution mutates it at a time.
type Context struct {
	correlationID string
	source        Source
	session       *sessionpkg.Session
	cache         *cachepkg.Cache
	services      *servicespkg.Registry
	startedAt     time.Time

	mu       sync.RWMutex
	attrs    map[string]any
	failed   bool
	errMsg   string
	cause    error
	terminal atomic.Bool
}

func (c *Context) CorrelationID() string           { return c.correlationID }
func (c *Context) Source() Source                  { return c.source }
func (c *Context) Session() *sessionpkg.Session    { return c.session }
func (c *Context) Cache() *cachepkg.Cache          { return c.cache }
func (c *Context) Services() *servicespkg.Registry { return c.services }
func (c *Context) StartedAt() time.Time            { return c.startedAt }

// Service looks up a collaborator by name.
func (c *Context) Service(name string) (any, bool) {
	if c.services == nil {
		return nil, false
	}
	return c.services.Get(name)
}

// Set stores an attribute, replacing any previous value.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	if c.attrs == nil {
		c.attrs = make(map[string]any)
	}
	c.attrs[key] = value
	c.mu.Unlock()
}

// Attribute reads an attribute.
func (c *Context) Attribute(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.attrs[key]
	return v, ok
}

// Delete removes an attribute.
func (c *Context) Delete(key string) {
	c.mu.Lock()
	delete(c.attrs, key)
	c.mu.Unlock()
}

// Attributes returns a snapshot of all attributes.
func (c *Context) Attributes() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.attrs)
}

// MarkFailed flags the execution as failed with message. Only the first cause
// is kept; it returns false when the context was already failed.
func (c *Context) MarkFailed(message string) bool {
	return c.fail(message, nil)
}

// Fail is MarkFailed for an error value, keeping err for errors.Is checks.
func (c *Context) Fail(err error) bool {
	if err == nil {
		return false
	}
	return c.fail(err.Error(), err)
}

func (c *Context) fail(message string, cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed {
		return false
	}
	c.failed = true
	c.errMsg = message
	c.cause = cause
	return true
}

func (c *Context) IsFailed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failed
}

// ErrorMessage is the first recorded failure message, empty when not failed.
func (c *Context) ErrorMessage() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errMsg
}

// Err returns the recorded failure as an error, nil when not failed.
func (c *Context) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.failed {
		return nil
	}
	if c.cause != nil {
		return c.cause
	}
	return errors.New(c.errMsg)
}

// ClaimTerminal returns true exactly once per Context. Terminal handlers use it
// so at most one of them runs for an execution.
func (c *Context) ClaimTerminal() bool {
	return c.terminal.CompareAndSwap(false, true)
}

// TerminalClaimed reports whether a terminal handler already ran.
func (c *Context) TerminalClaimed() bool {
	return c.terminal.Load()
}

// Elapsed is the time since the context was built.
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.startedAt)
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying ec.
func NewContext(ctx context.Context, ec *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, ec)
}

// FromContext extracts the execution Context stored by NewContext.
func FromContext(ctx context.Context) (*Context, bool) {
	ec, ok := ctx.Value(contextKey{}).(*Context)
	return ec, ok && ec != nil
}
