package recon_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/payrecon/pkg/recon"
	"github.com/mihaimyh/payrecon/storage/memory"
)

func tipMetadata() map[string]string {
	return map[string]string{
		recon.MetaUserID:  "U1",
		recon.MetaRacerID: "R1",
		recon.MetaType:    "tip",
	}
}

func TestEngine_TipCompletion(t *testing.T) {
	h, store := newMemoryHarness(t)
	recordTip(t, h, "pi_tip", 1000)

	res := h.deliver(checkoutPayload(t, "evt_tip", "pi_tip", 1000, tipMetadata()))
	assert.Equal(t, recon.OutcomeApplied, res.Outcome)
	assert.Equal(t, recon.StageApplied, res.Stage)
	assert.Equal(t, http.StatusOK, res.StatusCode())
	assert.Equal(t, "evt_tip", res.EventID)

	txn, err := store.GetTransaction(context.Background(), "pi_tip")
	require.NoError(t, err)
	assert.Equal(t, recon.StatusCompleted, txn.Status)
	assert.Equal(t, int64(1000), txn.TotalAmount)
	assert.Equal(t, int64(800), txn.PayeeAmount)
	assert.Equal(t, int64(200), txn.PlatformAmount)
	assert.True(t, txn.Balanced())
	assert.NotNil(t, txn.ProcessedAt)

	h.engine.Wait()
	m, err := store.GetUserMetrics(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, int64(800), m.TotalEarned)
}

func TestEngine_ReplayIsIdempotent(t *testing.T) {
	h, store := newMemoryHarness(t)
	recordTip(t, h, "pi_replay", 1999)
	payload := checkoutPayload(t, "evt_replay", "pi_replay", 1999, tipMetadata())

	first := h.deliver(payload)
	require.Equal(t, recon.OutcomeApplied, first.Outcome)
	before, err := store.GetTransaction(context.Background(), "pi_replay")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res := h.deliver(payload)
		assert.Equal(t, recon.OutcomeDuplicate, res.Outcome)
		assert.Equal(t, recon.KindDuplicateApplication, res.Kind)
		assert.Equal(t, http.StatusOK, res.StatusCode())
		assert.True(t, res.Clean())
	}

	after, err := store.GetTransaction(context.Background(), "pi_replay")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, after.TotalAmount, after.PayeeAmount+after.PlatformAmount)
}

func TestEngine_VerificationGate(t *testing.T) {
	h, store := newMemoryHarness(t)
	recordTip(t, h, "pi_gate", 1000)

	called := false
	h.engine.Handle(recon.EventCheckoutCompleted, func(context.Context, *recon.Event) (recon.Result, error) {
		called = true
		return recon.Result{}, nil
	})

	payload := checkoutPayload(t, "evt_gate", "pi_gate", 1000, tipMetadata())
	sig := recon.Sign(testSecret, payload)

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = ' '

	cases := []struct {
		name    string
		payload []byte
		sig     string
	}{
		{"tampered body", tampered, sig},
		{"wrong secret", payload, recon.Sign("other", payload)},
		{"missing signature", payload, ""},
		{"garbage signature", payload, "not-hex"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := h.engine.Process(context.Background(), tc.payload, tc.sig)
			assert.Equal(t, recon.KindVerification, res.Kind)
			assert.Equal(t, recon.OutcomeRejected, res.Outcome)
			assert.Equal(t, recon.StageReceived, res.Stage)
			assert.Equal(t, http.StatusBadRequest, res.StatusCode())
			assert.ErrorIs(t, res.Err, recon.ErrVerification)
		})
	}

	assert.False(t, called, "handler must not run for unverified events")
	txn, err := store.GetTransaction(context.Background(), "pi_gate")
	require.NoError(t, err)
	assert.Equal(t, recon.StatusPending, txn.Status)
}

func TestEngine_NoVerifierRejects(t *testing.T) {
	h, _ := newMemoryHarness(t, func(c *recon.Config) { c.Verifier = nil })
	payload := checkoutPayload(t, "evt_1", "pi_1", 1000, tipMetadata())

	res := h.deliver(payload)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode())
}

func TestEngine_UnknownEventType(t *testing.T) {
	h, store := newMemoryHarness(t)

	payload := eventPayload(t, "evt_unknown", "charge.dispute.created", map[string]interface{}{
		"id":     "dp_1",
		"object": "dispute",
	})
	res := h.deliver(payload)

	assert.Equal(t, recon.OutcomeIgnored, res.Outcome)
	assert.Equal(t, recon.KindUnknownEventType, res.Kind)
	assert.Equal(t, http.StatusOK, res.StatusCode())
	assert.True(t, h.logger.hasMessage("info", "unhandled event type"))

	incidents, err := store.ListIncidents(context.Background(), recon.IncidentFilter{IncludeResolved: true})
	require.NoError(t, err)
	assert.Empty(t, incidents)
}

func TestEngine_MissingPrerequisite(t *testing.T) {
	h, store := newMemoryHarness(t)

	res := h.deliver(checkoutPayload(t, "evt_orphan", "pi_orphan", 1000, tipMetadata()))

	assert.Equal(t, http.StatusOK, res.StatusCode())
	assert.Equal(t, recon.KindMissingPrerequisite, res.Kind)
	assert.Equal(t, recon.OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, recon.ErrTransactionNotFound)

	entry, ok := h.logger.find("error", "paymentIntentId", "pi_orphan")
	require.True(t, ok, "expected an error log carrying the payment intent id")
	assert.Equal(t, "evt_orphan", entry.fields["eventId"])
	assert.Equal(t, string(recon.EventCheckoutCompleted), entry.fields["eventType"])

	incidents, err := store.ListIncidents(context.Background(), recon.IncidentFilter{})
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, recon.IncidentMissingTransaction, incidents[0].Kind)
	assert.Equal(t, "pi_orphan", incidents[0].NaturalKey)

	// a redelivery does not duplicate the incident
	h.deliver(checkoutPayload(t, "evt_orphan", "pi_orphan", 1000, tipMetadata()))
	incidents, _ = store.ListIncidents(context.Background(), recon.IncidentFilter{})
	assert.Len(t, incidents, 1)
}

func TestEngine_AmountBelowMinimumStillApplied(t *testing.T) {
	h, store := newMemoryHarness(t, func(c *recon.Config) { c.MinimumAmount = recon.Ptr(int64(100)) })
	require.NoError(t, store.CreatePendingTransaction(context.Background(), &recon.Transaction{
		PaymentIntentID: "pi_small",
		Type:            recon.TypeTip,
		PayerID:         "U1",
		PayeeID:         "R1",
		TotalAmount:     75,
		Status:          recon.StatusPending,
	}))

	res := h.deliver(checkoutPayload(t, "evt_small", "pi_small", 75, tipMetadata()))
	assert.Equal(t, recon.OutcomeAppliedWithWarnings, res.Outcome)
	assert.Equal(t, http.StatusOK, res.StatusCode())
	assert.Len(t, res.Warnings, 1)

	txn, err := store.GetTransaction(context.Background(), "pi_small")
	require.NoError(t, err)
	assert.Equal(t, recon.StatusCompleted, txn.Status)
	assert.Equal(t, int64(60), txn.PayeeAmount)
	assert.Equal(t, int64(15), txn.PlatformAmount)

	incidents, _ := store.ListIncidents(context.Background(), recon.IncidentFilter{Kind: recon.IncidentAmountBelowMinimum})
	assert.Len(t, incidents, 1)
}

func TestEngine_AmountMismatchIsFlagged(t *testing.T) {
	h, store := newMemoryHarness(t)
	recordTip(t, h, "pi_mismatch", 1000)

	res := h.deliver(checkoutPayload(t, "evt_mismatch", "pi_mismatch", 1200, tipMetadata()))
	assert.Equal(t, recon.OutcomeAppliedWithWarnings, res.Outcome)

	txn, _ := store.GetTransaction(context.Background(), "pi_mismatch")
	assert.Equal(t, int64(1200), txn.TotalAmount)
	assert.Equal(t, int64(960), txn.PayeeAmount)
	assert.True(t, txn.Balanced())

	incidents, _ := store.ListIncidents(context.Background(), recon.IncidentFilter{Kind: recon.IncidentAmountMismatch})
	assert.Len(t, incidents, 1)
}

func TestEngine_SetupModeIgnored(t *testing.T) {
	h, _ := newMemoryHarness(t)
	payload := eventPayload(t, "evt_setup", string(recon.EventCheckoutCompleted), map[string]interface{}{
		"id":     "cs_setup",
		"object": "checkout.session",
		"mode":   "setup",
	})
	res := h.deliver(payload)
	assert.Equal(t, recon.OutcomeIgnored, res.Outcome)
	assert.Equal(t, http.StatusOK, res.StatusCode())
}

type failingStore struct {
	*memory.Store
	err error
}

func (s *failingStore) CompleteTransaction(context.Context, *recon.CompleteRequest) (*recon.Transaction, error) {
	return nil, s.err
}

func TestEngine_TransientStoreErrorAsksForRetry(t *testing.T) {
	store := &failingStore{Store: memory.New(), err: errors.New("connection reset by peer")}
	h := newHarness(t, store)
	recordTip(t, h, "pi_flaky", 1000)

	res := h.deliver(checkoutPayload(t, "evt_flaky", "pi_flaky", 1000, tipMetadata()))
	assert.Equal(t, recon.KindTransientStore, res.Kind)
	assert.Equal(t, recon.OutcomeFailed, res.Outcome)
	assert.Equal(t, 0, res.SideEffects)
	assert.True(t, res.Retryable())
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode())

	_, ok := h.logger.find("error", "eventId", "evt_flaky")
	assert.True(t, ok)
}

func TestEngine_EventCacheShortCircuits(t *testing.T) {
	cache := recon.NewLRUEventCache(10, 0)
	h, _ := newMemoryHarness(t, func(c *recon.Config) { c.EventCache = cache })
	recordTip(t, h, "pi_cached", 1000)
	payload := checkoutPayload(t, "evt_cached", "pi_cached", 1000, tipMetadata())

	require.Equal(t, recon.OutcomeApplied, h.deliver(payload).Outcome)
	res := h.deliver(payload)
	assert.Equal(t, recon.OutcomeDuplicate, res.Outcome)
	assert.Equal(t, int64(1), cache.Stats().Hits)
}

func TestEngine_HandlerPanicIsContained(t *testing.T) {
	h, _ := newMemoryHarness(t)
	h.engine.Handle("custom.event", func(context.Context, *recon.Event) (recon.Result, error) {
		panic("boom")
	})

	res := h.deliver(eventPayload(t, "evt_panic", "custom.event", map[string]interface{}{"id": "x"}))
	assert.Equal(t, recon.OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, recon.ErrHandlerPanic)
	assert.Equal(t, recon.KindHandlerFailure, res.Kind)
	assert.False(t, res.Retryable(), "a panic would recur on every redelivery")
	assert.Equal(t, http.StatusOK, res.StatusCode())

	_, ok := h.logger.find("error", "eventId", "evt_panic")
	assert.True(t, ok, "handler failure must be logged at error level")
	incidents, _ := h.store.ListIncidents(context.Background(), recon.IncidentFilter{Kind: recon.IncidentHandlerFailure})
	require.Len(t, incidents, 1)
	assert.Equal(t, "evt_panic", incidents[0].EventID)
}

func TestEngine_HandlerErrorIsAcknowledged(t *testing.T) {
	h, store := newMemoryHarness(t)
	h.engine.Handle("custom.event", func(context.Context, *recon.Event) (recon.Result, error) {
		return recon.Result{}, errors.New("unexpected object shape")
	})

	res := h.deliver(eventPayload(t, "evt_handler_err", "custom.event", map[string]interface{}{"id": "x"}))
	assert.Equal(t, recon.KindHandlerFailure, res.Kind)
	assert.Equal(t, http.StatusOK, res.StatusCode())

	incidents, _ := store.ListIncidents(context.Background(), recon.IncidentFilter{Kind: recon.IncidentHandlerFailure})
	assert.Len(t, incidents, 1)
}

func TestEngine_RecomputeFailureNeverFailsRequest(t *testing.T) {
	failing := recon.RecomputerFunc(func(context.Context, string) error {
		return errors.New("aggregate store down")
	})
	h, _ := newMemoryHarness(t, func(c *recon.Config) { c.Recomputer = failing })
	recordTip(t, h, "pi_agg", 1000)

	res := h.deliver(checkoutPayload(t, "evt_agg", "pi_agg", 1000, tipMetadata()))
	assert.Equal(t, recon.OutcomeApplied, res.Outcome)
	assert.Equal(t, http.StatusOK, res.StatusCode())

	h.engine.Wait()
	assert.True(t, h.logger.hasMessage("warn", "metrics recompute failed"))
	assert.Equal(t, int64(2), h.metrics.recomputeCount("error"))
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := recon.NewEngine(nil, recon.Config{})
	assert.ErrorIs(t, err, recon.ErrInvalidConfig)

	_, err = recon.NewEngine(memory.New(), recon.Config{PayeeShare: recon.Ptr(recon.BasisPoints(12000))})
	assert.ErrorIs(t, err, recon.ErrInvalidConfig)

	_, err = recon.NewEngine(memory.New(), recon.Config{SubscriptionOrdering: "newest"})
	assert.ErrorIs(t, err, recon.ErrInvalidConfig)
}
