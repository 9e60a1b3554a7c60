// Package janitor periodically evicts expired cache entries and idle sessions.
// Neither the cache nor the session store expire anything on their own; the
// janitor is the opt-in caller that does it on a cron schedule.
package janitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	cachepkg "github.com/drblury/phaseflow/internal/runtime/cache"
	loggingpkg "github.com/drblury/phaseflow/internal/runtime/logging"
	sessionpkg "github.com/drblury/phaseflow/internal/runtime/session"
)

const (
	DefaultSchedule          = "@every 1m"
	DefaultSessionInactivity = 30 * time.Minute
)

// Store names reported to the Recorder.
const (
	StoreCache    = "cache"
	StoreSessions = "sessions"
)

// Recorder counts evicted entries per store.
type Recorder interface {
	RecordEvictions(store string, n int)
}

// Result is the outcome of one sweep.
type Result struct {
	CacheEntries int
	Sessions     int
}

type Janitor struct {
	cache             *cachepkg.Cache
	sessions          *sessionpkg.Store
	sessionInactivity time.Duration
	schedule          string
	recorder          Recorder
	logger            loggingpkg.ServiceLogger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

type Option func(*Janitor)

func WithCache(c *cachepkg.Cache) Option {
	return func(j *Janitor) { j.cache = c }
}

// WithSessions evicts sessions idle for longer than inactivity.
func WithSessions(store *sessionpkg.Store, inactivity time.Duration) Option {
	return func(j *Janitor) {
		j.sessions = store
		if inactivity > 0 {
			j.sessionInactivity = inactivity
		}
	}
}

// WithSchedule sets a standard cron expression or descriptor such as "@every 30s".
func WithSchedule(schedule string) Option {
	return func(j *Janitor) {
		if schedule != "" {
			j.schedule = schedule
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(j *Janitor) { j.recorder = r }
}

func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(j *Janitor) { j.logger = loggingpkg.OrNop(logger) }
}

// New validates the schedule up front so a typo fails at startup.
func New(opts ...Option) (*Janitor, error) {
	j := &Janitor{
		sessionInactivity: DefaultSessionInactivity,
		schedule:          DefaultSchedule,
		logger:            loggingpkg.NopLogger(),
	}
	for _, opt := range opts {
		opt(j)
	}
	if _, err := cron.ParseStandard(j.schedule); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", j.schedule, err)
	}
	j.logger = j.logger.With(loggingpkg.LogFields{"component": "janitor"})
	return j, nil
}

func (j *Janitor) Schedule() string { return j.schedule }

// RunOnce performs a single sweep.
func (j *Janitor) RunOnce(ctx context.Context) Result {
	var res Result
	if ctx.Err() != nil {
		return res
	}
	if j.cache != nil {
		res.CacheEntries = j.cache.EvictExpired()
		j.record(StoreCache, res.CacheEntries)
	}
	if j.sessions != nil {
		res.Sessions = j.sessions.EvictExpired(j.sessionInactivity)
		j.record(StoreSessions, res.Sessions)
	}

	if res.CacheEntries+res.Sessions > 0 {
		j.logger.Info("Janitor sweep evicted entries", loggingpkg.LogFields{
			"cache_entries": res.CacheEntries,
			"sessions":      res.Sessions,
		})
	} else {
		j.logger.Debug("Janitor sweep found nothing to evict", nil)
	}
	return res
}

func (j *Janitor) record(store string, n int) {
	if j.recorder != nil {
		j.recorder.RecordEvictions(store, n)
	}
}

// Start runs sweeps on the schedule until Stop is called or ctx ends.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}

	logger := cronLogger{base: j.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(j.schedule, func() { j.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	c.Start()
	j.cron = c
	j.running = true
	j.logger.Info("Janitor started", loggingpkg.LogFields{
		"schedule":           j.schedule,
		"session_inactivity": j.sessionInactivity.String(),
	})

	go func() {
		<-ctx.Done()
		j.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	<-j.cron.Stop().Done()
	j.running = false
	j.logger.Info("Janitor stopped", nil)
}

func (j *Janitor) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// NextRun reports when the next sweep is due.
func (j *Janitor) NextRun() (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return time.Time{}, false
	}
	entries := j.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}, false
	}
	return entries[0].Next, true
}

// cronLogger routes cron's key/value logging into a ServiceLogger.
type cronLogger struct {
	base loggingpkg.ServiceLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.base.Trace("cron: "+msg, kvFields(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.base.Error("cron: "+msg, err, kvFields(keysAndValues))
}

func kvFields(kv []any) loggingpkg.LogFields {
	if len(kv) == 0 {
		return nil
	}
	fields := make(loggingpkg.LogFields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
