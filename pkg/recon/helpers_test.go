package recon_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/payrecon/pkg/recon"
	"github.com/mihaimyh/payrecon/storage/memory"
)

const testSecret = "whsec_test_secret"

var testCreated = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type logEntry struct {
	level  string
	msg    string
	fields map[string]interface{}
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) add(level, msg string, fields []recon.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: m})
}

func (l *recordingLogger) Debug(msg string, fields ...recon.Field) { l.add("debug", msg, fields) }
func (l *recordingLogger) Info(msg string, fields ...recon.Field)  { l.add("info", msg, fields) }
func (l *recordingLogger) Warn(msg string, fields ...recon.Field)  { l.add("warn", msg, fields) }
func (l *recordingLogger) Error(msg string, fields ...recon.Field) { l.add("error", msg, fields) }

// find returns the first entry at level whose fields contain key=value
func (l *recordingLogger) find(level, key string, value interface{}) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.fields[key] == value {
			return e, true
		}
	}
	return logEntry{}, false
}

func (l *recordingLogger) hasMessage(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

type countingMetrics struct {
	recon.NoopMetrics
	casRetries  atomic.Int64
	recomputes  sync.Map
	breakerOpen atomic.Int64
}

func (m *countingMetrics) RecordCASRetry() { m.casRetries.Add(1) }

func (m *countingMetrics) RecordRecompute(status string) {
	v, _ := m.recomputes.LoadOrStore(status, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (m *countingMetrics) recomputeCount(status string) int64 {
	v, ok := m.recomputes.Load(status)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

func (m *countingMetrics) RecordCircuitBreakerStateChange(state string) {
	if state == string(recon.StateOpen) {
		m.breakerOpen.Add(1)
	}
}

type harness struct {
	engine  *recon.Engine
	store   recon.Store
	logger  *recordingLogger
	metrics *countingMetrics
}

func newHarness(t *testing.T, store recon.Store, opts ...func(*recon.Config)) *harness {
	t.Helper()
	h := &harness{
		store:   store,
		logger:  &recordingLogger{},
		metrics: &countingMetrics{},
	}
	cfg := recon.Config{
		Verifier: recon.NewHMACVerifier(testSecret),
		Logger:   h.logger,
		Metrics:  h.metrics,
		Now:      func() time.Time { return testCreated.Add(time.Minute) },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	engine, err := recon.NewEngine(store, cfg)
	require.NoError(t, err)
	h.engine = engine
	t.Cleanup(engine.Wait)
	return h
}

func (h *harness) deliver(payload []byte) recon.Result {
	return h.engine.Process(context.Background(), payload, recon.Sign(testSecret, payload))
}

func newMemoryHarness(t *testing.T, opts ...func(*recon.Config)) (*harness, *memory.Store) {
	store := memory.New()
	return newHarness(t, store, opts...), store
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func eventPayload(t *testing.T, id, eventType string, object map[string]interface{}) []byte {
	return mustJSON(t, map[string]interface{}{
		"id":      id,
		"type":    eventType,
		"created": testCreated.Unix(),
		"data":    map[string]interface{}{"object": object},
	})
}

func checkoutPayload(t *testing.T, id, paymentIntent string, amount int64, metadata map[string]string) []byte {
	return eventPayload(t, id, string(recon.EventCheckoutCompleted), map[string]interface{}{
		"id":             "cs_" + id,
		"object":         "checkout.session",
		"mode":           "payment",
		"payment_intent": paymentIntent,
		"customer":       "cus_1",
		"amount_total":   amount,
		"currency":       "usd",
		"metadata":       metadata,
	})
}

func subscriptionPayload(t *testing.T, id, eventType, subID, status string, created time.Time, metadata map[string]string) []byte {
	return mustJSON(t, map[string]interface{}{
		"id":      id,
		"type":    eventType,
		"created": created.Unix(),
		"data": map[string]interface{}{"object": map[string]interface{}{
			"id":                 subID,
			"object":             "subscription",
			"customer":           "cus_1",
			"status":             status,
			"current_period_end": created.Add(30 * 24 * time.Hour).Unix(),
			"metadata":           metadata,
		}},
	})
}

func recordTip(t *testing.T, h *harness, paymentIntent string, amount int64) {
	t.Helper()
	_, err := h.engine.RecordPending(context.Background(), recon.PendingPayment{
		PaymentIntentID: paymentIntent,
		Type:            recon.TypeTip,
		PayerID:         "U1",
		PayeeID:         "R1",
		Amount:          amount,
	})
	require.NoError(t, err)
}
