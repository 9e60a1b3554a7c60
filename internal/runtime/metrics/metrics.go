// Package metrics exposes pipeline outcomes as Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	pferrors "github.com/drblury/phaseflow/internal/runtime/errors"
	"github.com/drblury/phaseflow/internal/runtime/pipeline"
)

// Outcome labels.
const (
	OutcomeSuccess      = "success"
	OutcomeFailure      = "failure"
	OutcomeShortCircuit = "short_circuit"
	OutcomeCancelled    = "cancelled"
)

// TypeMetrics holds counters for one event type.
type TypeMetrics struct {
	Succeeded      uint64    `json:"succeeded"`
	Failed         uint64    `json:"failed"`
	ShortCircuited uint64    `json:"short_circuited"`
	Cancelled      uint64    `json:"cancelled"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
}

// Snapshot provides a point-in-time view of the collector.
type Snapshot struct {
	ByType      map[string]*TypeMetrics `json:"by_type"`
	DeadLetters uint64                  `json:"dead_letters"`
	Evictions   uint64                  `json:"evictions"`
	InFlight    int64                   `json:"in_flight"`
	CollectedAt time.Time               `json:"collected_at"`
}

// Collector tracks execution outcomes, durations, in-flight executions,
// dead letters and janitor evictions.
type Collector struct {
	mu sync.RWMutex

	byType      map[string]*TypeMetrics
	deadLetters uint64
	evictions   uint64
	inFlight    int64

	executionsTotal  *prometheus.CounterVec
	durationSeconds  *prometheus.HistogramVec
	inFlightGauge    prometheus.Gauge
	deadLettersTotal *prometheus.CounterVec
	evictionsTotal   *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(pipelineName, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "phaseflow",
			Subsystem:   "pipeline",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"pipeline": pipelineName},
		},
		labels,
	)
}

// NewCollector creates collectors labelled with pipelineName. A nil
// registerer means prometheus.DefaultRegisterer.
func NewCollector(registerer prometheus.Registerer, pipelineName string) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if pipelineName == "" {
		pipelineName = "phaseflow"
	}
	return &Collector{
		byType:           make(map[string]*TypeMetrics),
		registerer:       registerer,
		executionsTotal:  newCounterVec(pipelineName, "executions_total", "Total number of finished executions by outcome", []string{"event_type", "outcome"}),
		deadLettersTotal: newCounterVec(pipelineName, "dead_letters_total", "Total number of events handed to a dead letter sink", []string{"sink"}),
		evictionsTotal:   newCounterVec(pipelineName, "evictions_total", "Total number of cache entries and sessions evicted by the janitor", []string{"store"}),
		durationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   "phaseflow",
				Subsystem:   "pipeline",
				Name:        "execution_duration_seconds",
				Help:        "Duration of executions measured by the monitor phase",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: prometheus.Labels{"pipeline": pipelineName},
			},
			[]string{"event_type", "outcome"},
		),
		inFlightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "phaseflow",
			Subsystem:   "pipeline",
			Name:        "executions_in_flight",
			Help:        "Number of executions currently running",
			ConstLabels: prometheus.Labels{"pipeline": pipelineName},
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (c *Collector) Register() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		c.executionsTotal,
		c.durationSeconds,
		c.inFlightGauge,
		c.deadLettersTotal,
		c.evictionsTotal,
	}
	for _, col := range collectors {
		if err := c.registerer.Register(col); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	c.registered = true
	return nil
}

// ObserveSuccess records a successful execution. Its signature matches
// resilience.MetricsHandlers.
func (c *Collector) ObserveSuccess(eventType string, d time.Duration) {
	c.observe(eventType, OutcomeSuccess, d)
}

// ObserveFailure records a failed execution.
func (c *Collector) ObserveFailure(eventType string, d time.Duration) {
	c.observe(eventType, OutcomeFailure, d)
}

func (c *Collector) observe(eventType, outcome string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreateTypeMetrics(eventType)
	switch outcome {
	case OutcomeSuccess:
		m.Succeeded++
	case OutcomeFailure:
		m.Failed++
	case OutcomeShortCircuit:
		m.ShortCircuited++
	case OutcomeCancelled:
		m.Cancelled++
	}
	m.LastUpdatedAt = time.Now()

	c.executionsTotal.WithLabelValues(eventType, outcome).Inc()
	if d > 0 {
		c.durationSeconds.WithLabelValues(eventType, outcome).Observe(d.Seconds())
	}
}

// RecordDeadLetter counts an event handed to the named sink.
func (c *Collector) RecordDeadLetter(sink string) {
	c.mu.Lock()
	c.deadLetters++
	c.mu.Unlock()
	c.deadLettersTotal.WithLabelValues(sink).Inc()
}

// RecordEvictions counts n entries evicted from store.
func (c *Collector) RecordEvictions(store string, n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.evictions += uint64(n)
	c.mu.Unlock()
	c.evictionsTotal.WithLabelValues(store).Add(float64(n))
}

// Interceptor tracks in-flight executions and counts short-circuits and
// cancellations, which never reach terminal handlers. Register it first in
// the monitor phase.
func (c *Collector) Interceptor() pipeline.Interceptor {
	return func(ctx context.Context, call *pipeline.Call) error {
		c.addInFlight(1)
		start := time.Now()
		err := call.Continue(ctx)
		c.addInFlight(-1)

		eventType := call.Subject().Type()
		switch {
		case errors.Is(err, pferrors.ErrCancelled):
			c.observe(eventType, OutcomeCancelled, time.Since(start))
		case err == nil && call.ShortCircuited():
			c.observe(eventType, OutcomeShortCircuit, time.Since(start))
		}
		return err
	}
}

func (c *Collector) addInFlight(delta int64) {
	c.mu.Lock()
	c.inFlight += delta
	c.mu.Unlock()
	c.inFlightGauge.Add(float64(delta))
}

// GetSnapshot returns a point-in-time copy of the counters.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := Snapshot{
		ByType:      make(map[string]*TypeMetrics, len(c.byType)),
		DeadLetters: c.deadLetters,
		Evictions:   c.evictions,
		InFlight:    c.inFlight,
		CollectedAt: time.Now(),
	}
	for eventType, m := range c.byType {
		cp := *m
		snapshot.ByType[eventType] = &cp
	}
	return snapshot
}

func (c *Collector) getOrCreateTypeMetrics(eventType string) *TypeMetrics {
	if m, ok := c.byType[eventType]; ok {
		return m
	}
	m := &TypeMetrics{}
	c.byType[eventType] = m
	return m
}

// Reset clears all counters (useful for testing).
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byType = make(map[string]*TypeMetrics)
	c.deadLetters = 0
	c.evictions = 0
	c.executionsTotal.Reset()
	c.durationSeconds.Reset()
	c.deadLettersTotal.Reset()
	c.evictionsTotal.Reset()
}
