package billing

import "time"

// Metrics tracks webhook deliveries as the processor sees them.
// Engine level counters live in recon.Metrics.
type Metrics interface {
	// RecordDelivery counts one answered delivery by reconciliation outcome
	// ("applied", "duplicate", "rejected", ...) and the HTTP status returned.
	RecordDelivery(provider, eventType, outcome string, status int)

	// RecordDeliveryDuration records the time from request to acknowledgment.
	RecordDeliveryDuration(provider, eventType string, d time.Duration)

	// RecordRejected counts deliveries refused before reaching the engine or
	// failing its signature check: "bad_signature", "invalid_body",
	// "payload_too_large", "rate_limited", "write_failed".
	RecordRejected(provider, reason string)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDelivery(_, _, _ string, _ int)                {}
func (n *NoopMetrics) RecordDeliveryDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordRejected(_, _ string)                          {}
