package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements recon.Metrics using Prometheus.
type Metrics struct {
	eventsTotal                *prometheus.CounterVec
	processingDuration         *prometheus.HistogramVec
	errorsTotal                *prometheus.CounterVec
	casRetriesTotal            prometheus.Counter
	recomputeTotal             *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of payment events processed, by outcome.",
		}, []string{"event_type", "outcome"}),

		processingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_duration_seconds",
			Help:      "Latency of payment event processing.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of reconciliation errors, by kind.",
		}, []string{"kind"}),

		casRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_cas_retries_total",
			Help:      "Total number of optimistic balance writes that lost a race.",
		}),

		recomputeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_recompute_total",
			Help:      "Total number of user metrics recompute attempts.",
		}, []string{"status"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of recompute circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordEvent(eventType, outcome string) {
	m.eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordProcessingDuration(eventType string, duration time.Duration) {
	m.processingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordError(kind string) {
	m.errorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordCASRetry() {
	m.casRetriesTotal.Inc()
}

func (m *Metrics) RecordRecompute(status string) {
	m.recomputeTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}
