// Package metrics exposes the sync engine's Prometheus instruments.
package metrics

import (
	"net/http"
	"sync"

	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "matchsync"

// Metrics groups the engine's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	events        *prometheus.CounterVec
	matches       prometheus.Counter
	inconsistent  *prometheus.CounterVec
	cursor        prometheus.Gauge
	head          prometheus.Gauge
	drift         prometheus.Counter
}

var (
	defaultOnce sync.Once
	defaultSet  *Metrics
)

// Default returns the process-wide set registered on the default registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultSet = New(prometheus.DefaultRegisterer)
	})
	return defaultSet
}

// New creates and registers a set on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "cycles_total",
			Help:      "Poll cycles by outcome (ok, failed, idle, skipped).",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of poll cycles that processed a range.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "events_total",
			Help:      "Ledger events handled, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matches",
			Name:      "created_total",
			Help:      "Match records created by this process.",
		}),
		inconsistent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "inconsistencies_total",
			Help:      "Ledger events rejected by a conditional transition, by kind.",
		}, []string{"kind"}),
		cursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "cursor_block",
			Help:      "Last fully processed block.",
		}),
		head: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "head_block",
			Help:      "Ledger head observed at the start of the last cycle.",
		}),
		drift: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auditor",
			Name:      "drift_total",
			Help:      "Mirror rows found to differ from the ledger.",
		}),
	}
	reg.MustRegister(m.cycles, m.cycleDuration, m.events, m.matches, m.inconsistent, m.cursor, m.head, m.drift)
	return m
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CycleOutcome records a finished cycle.
func (m *Metrics) CycleOutcome(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		m.cycleDuration.Observe(seconds)
	}
}

// EventHandled counts one applied or failed event.
func (m *Metrics) EventHandled(kind domain.EventKind, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.events.WithLabelValues(string(kind), outcome).Inc()
}

// MatchCreated counts a match this process inserted.
func (m *Metrics) MatchCreated() {
	if m == nil {
		return
	}
	m.matches.Inc()
}

// Inconsistency counts a rejected transition.
func (m *Metrics) Inconsistency(kind domain.EventKind) {
	if m == nil {
		return
	}
	m.inconsistent.WithLabelValues(string(kind)).Inc()
}

// Progress records the cursor and observed head.
func (m *Metrics) Progress(cursor, head uint64) {
	if m == nil {
		return
	}
	m.cursor.Set(float64(cursor))
	m.head.Set(float64(head))
}

// Drift counts a divergent row.
func (m *Metrics) Drift() {
	if m == nil {
		return
	}
	m.drift.Inc()
}
