// Package metrics holds the Prometheus collectors for delivery operations.
//
// Collectors live on a Metrics value bound to an explicit registry so that
// tests can build isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery attempt outcomes.
const (
	OutcomeSuccess    = "success"
	OutcomeTransient  = "transient"
	OutcomePermanent  = "permanent"
	OutcomeSuppressed = "suppressed"
	OutcomeDeferred   = "deferred"
	OutcomeExpired    = "expired"
	OutcomeLeaseLost  = "lease_lost"
)

// Metrics is the collector set.
type Metrics struct {
	registry *prometheus.Registry

	DeliveryOutcomes *prometheus.CounterVec
	AdapterDuration  *prometheus.HistogramVec
	ClaimedEntries   prometheus.Counter
	LedgerEvents     *prometheus.CounterVec
	RealtimeSessions prometheus.Gauge
	RealtimeDropped  prometheus.Counter
	IngestMessages   *prometheus.CounterVec
}

// New creates collectors on a fresh registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DeliveryOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifier_delivery_outcomes_total",
				Help: "Delivery queue entry outcomes by channel",
			},
			[]string{"channel", "outcome"},
		),
		AdapterDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notifier_adapter_duration_seconds",
				Help:    "Duration of channel adapter calls",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 15},
			},
			[]string{"channel"},
		),
		ClaimedEntries: f.NewCounter(prometheus.CounterOpts{
			Name: "notifier_claimed_entries_total",
			Help: "Queue entries claimed by this process",
		}),
		LedgerEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifier_ledger_events_total",
				Help: "History events appended by action",
			},
			[]string{"action"},
		),
		RealtimeSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "notifier_realtime_sessions",
			Help: "Live realtime sessions on this instance",
		}),
		RealtimeDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "notifier_realtime_dropped_total",
			Help: "Realtime frames dropped because a session buffer was full",
		}),
		IngestMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifier_ingest_messages_total",
				Help: "Notification facts consumed from Kafka by result",
			},
			[]string{"result"},
		),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
