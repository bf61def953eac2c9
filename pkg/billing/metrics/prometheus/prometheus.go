package prommetrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/payrecon/pkg/billing"
)

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	retriesRequested *prometheus.CounterVec
	rejected         *prometheus.CounterVec
}

// NewMetrics registers the webhook delivery collectors on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook deliveries answered, by reconciliation outcome and HTTP status.",
		}, []string{"provider", "event_type", "outcome", "status"}),

		deliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "delivery_duration_seconds",
			Help:      "Time from request to acknowledgment.",
			// processors give up at roughly 30s
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"provider", "event_type"}),

		retriesRequested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "retries_requested_total",
			Help:      "Deliveries answered 5xx so the processor redelivers them.",
		}, []string{"provider", "event_type"}),

		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "rejected_total",
			Help:      "Deliveries refused at the transport or signature check.",
		}, []string{"provider", "reason"}),
	}
}

func (m *Metrics) RecordDelivery(provider, eventType, outcome string, status int) {
	m.deliveries.WithLabelValues(provider, eventType, outcome, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		m.retriesRequested.WithLabelValues(provider, eventType).Inc()
	}
}

func (m *Metrics) RecordDeliveryDuration(provider, eventType string, d time.Duration) {
	m.deliveryDuration.WithLabelValues(provider, eventType).Observe(d.Seconds())
}

func (m *Metrics) RecordRejected(provider, reason string) {
	m.rejected.WithLabelValues(provider, reason).Inc()
}

var _ billing.Metrics = (*Metrics)(nil)
