package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

var _ recon.Metrics = (*Metrics)(nil)

func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestPrometheusMetrics_RecordEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordEvent("checkout.session.completed", "applied")
	metrics.RecordEvent("checkout.session.completed", "applied")
	metrics.RecordEvent("checkout.session.completed", "duplicate")

	mf := findFamily(t, reg, "test_events_total")
	if mf == nil {
		t.Fatal("Expected test_events_total to be registered")
	}
	var applied float64
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "outcome" && lp.GetValue() == "applied" {
				applied = m.GetCounter().GetValue()
			}
		}
	}
	if applied != 2 {
		t.Errorf("applied counter: got %v, want 2", applied)
	}
}

func TestPrometheusMetrics_Recorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordProcessingDuration("invoice.paid", 15*time.Millisecond)
	metrics.RecordError("transient_store")
	metrics.RecordCASRetry()
	metrics.RecordCASRetry()
	metrics.RecordRecompute("success")
	metrics.RecordCircuitBreakerStateChange("open")

	for _, name := range []string{
		"test_event_processing_duration_seconds",
		"test_errors_total",
		"test_balance_cas_retries_total",
		"test_metrics_recompute_total",
		"test_circuit_breaker_state_changes_total",
	} {
		if findFamily(t, reg, name) == nil {
			t.Errorf("Expected %s to be recorded", name)
		}
	}

	cas := findFamily(t, reg, "test_balance_cas_retries_total")
	if got := cas.GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Errorf("cas retries: got %v, want 2", got)
	}
}
