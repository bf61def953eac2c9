package recon

import "time"

// Metrics defines the interface for tracking reconciliation outcomes.
type Metrics interface {
	// RecordEvent records one processed event and its outcome.
	RecordEvent(eventType, outcome string)

	// RecordProcessingDuration records end-to-end handling time for one event.
	RecordProcessingDuration(eventType string, duration time.Duration)

	// RecordError records an error by kind (see ErrorKind.String).
	RecordError(kind string)

	// RecordCASRetry records one failed optimistic balance write.
	RecordCASRetry()

	// RecordRecompute records a metrics recompute attempt ("success", "error", "skipped").
	RecordRecompute(status string)

	// RecordCircuitBreakerStateChange records a recompute breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordError(_ string)                               {}
func (n *NoopMetrics) RecordCASRetry()                                    {}
func (n *NoopMetrics) RecordRecompute(_ string)                           {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)           {}
