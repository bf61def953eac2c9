package recon_test

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/payrecon/pkg/recon"
	"github.com/mihaimyh/payrecon/storage/memory"
)

func tokenMetadata(count string) map[string]string {
	return map[string]string{
		recon.MetaUserID:     "U1",
		recon.MetaType:       "tokens",
		recon.MetaTokenCount: count,
	}
}

func TestEngine_TokenPurchaseCreditedOnce(t *testing.T) {
	h, store := newMemoryHarness(t)
	payload := checkoutPayload(t, "evt_tokens", "pi_tokens", 500, tokenMetadata("50"))

	first := h.deliver(payload)
	require.Equal(t, recon.OutcomeApplied, first.Outcome)
	second := h.deliver(payload)
	assert.Equal(t, recon.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, http.StatusOK, second.StatusCode())

	ctx := context.Background()
	purchases, err := store.ListTokenPurchases(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Equal(t, int64(50), purchases[0].Amount)
	assert.Equal(t, int64(500), purchases[0].PricePaid)
	assert.Equal(t, "pi_tokens", purchases[0].PaymentIntentID)
	assert.Equal(t, recon.TokenPurchaseCompleted, purchases[0].Status)

	bal, err := store.GetTokenBalance(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal.Balance)
	assert.Equal(t, int64(50), bal.LifetimePurchased)

	// no pending row existed: warn, not an incident
	assert.True(t, h.logger.hasMessage("warn", "no pending transaction for token purchase"))
	incidents, _ := store.ListIncidents(ctx, recon.IncidentFilter{})
	assert.Empty(t, incidents)
}

func TestEngine_TokenPurchaseCompletesPendingRow(t *testing.T) {
	h, store := newMemoryHarness(t)
	ctx := context.Background()
	_, err := h.engine.RecordPending(ctx, recon.PendingPayment{
		PaymentIntentID: "pi_tok_pending",
		Type:            recon.TypeTokens,
		PayerID:         "U1",
		Amount:          500,
	})
	require.NoError(t, err)

	res := h.deliver(checkoutPayload(t, "evt_tok_pending", "pi_tok_pending", 500, tokenMetadata("50")))
	assert.Equal(t, recon.OutcomeApplied, res.Outcome)
	assert.Equal(t, 3, res.SideEffects)

	txn, err := store.GetTransaction(ctx, "pi_tok_pending")
	require.NoError(t, err)
	assert.Equal(t, recon.StatusCompleted, txn.Status)
}

func TestEngine_TokenPurchaseConcurrentDelivery(t *testing.T) {
	stores := map[string]*memory.Store{
		"atomic increment": memory.New(),
		"compare and swap": memory.New(memory.WithoutAtomicIncrement()),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, store)
			payload := checkoutPayload(t, "evt_race", "pi_race", 500, tokenMetadata("50"))

			const deliveries = 20
			var applied, duplicates atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < deliveries; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res := h.deliver(payload)
					switch res.Outcome {
					case recon.OutcomeApplied:
						applied.Add(1)
					case recon.OutcomeDuplicate:
						duplicates.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int64(1), applied.Load())
			assert.Equal(t, int64(deliveries-1), duplicates.Load())

			purchases, err := store.ListTokenPurchases(context.Background(), "U1")
			require.NoError(t, err)
			assert.Len(t, purchases, 1)

			bal, err := store.GetTokenBalance(context.Background(), "U1")
			require.NoError(t, err)
			assert.Equal(t, int64(50), bal.Balance)
		})
	}
}

func TestEngine_DistinctPurchasesAccumulate(t *testing.T) {
	h, store := newMemoryHarness(t)

	h.deliver(checkoutPayload(t, "evt_a", "pi_a", 500, tokenMetadata("50")))
	h.deliver(checkoutPayload(t, "evt_b", "pi_b", 1000, tokenMetadata("120")))

	bal, err := store.GetTokenBalance(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(170), bal.Balance)
	assert.Equal(t, int64(170), bal.LifetimePurchased)
}

func TestEngine_InvalidTokenPurchase(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
	}{
		{"zero count", tokenMetadata("0")},
		{"negative count", tokenMetadata("-5")},
		{"malformed count", tokenMetadata("fifty")},
		{"missing user", map[string]string{recon.MetaType: "tokens", recon.MetaTokenCount: "50"}},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, store := newMemoryHarness(t)
			id := "evt_invalid_" + string(rune('a'+i))
			res := h.deliver(checkoutPayload(t, id, "pi_invalid", 500, tt.metadata))

			assert.Equal(t, recon.OutcomeRejected, res.Outcome)
			assert.Equal(t, recon.KindInvalidEvent, res.Kind)
			assert.Equal(t, http.StatusOK, res.StatusCode())

			_, err := store.GetTokenBalance(context.Background(), "U1")
			assert.ErrorIs(t, err, recon.ErrBalanceNotFound)
			incidents, _ := store.ListIncidents(context.Background(), recon.IncidentFilter{Kind: recon.IncidentInvalidEvent})
			assert.Len(t, incidents, 1)
		})
	}
}

// contendedStore makes the balance version move under every CAS attempt
// until failures runs out.
type contendedStore struct {
	*memory.Store
	failures atomic.Int64
}

type contendedTx struct {
	recon.LedgerTx
	store *contendedStore
}

func (s *contendedStore) RunInTx(ctx context.Context, fn func(context.Context, recon.LedgerTx) error) error {
	return s.Store.RunInTx(ctx, func(ctx context.Context, tx recon.LedgerTx) error {
		return fn(ctx, &contendedTx{LedgerTx: tx, store: s})
	})
}

func (t *contendedTx) IncrementBalance(context.Context, string, int64) error {
	return recon.ErrIncrementUnsupported
}

func (t *contendedTx) CompareAndSwapBalance(ctx context.Context, userID string, expected, balance, lifetime int64) (bool, error) {
	if t.store.failures.Add(-1) >= 0 {
		return false, nil
	}
	return t.LedgerTx.CompareAndSwapBalance(ctx, userID, expected, balance, lifetime)
}

func TestEngine_CASFallbackRetries(t *testing.T) {
	store := &contendedStore{Store: memory.New()}
	store.failures.Store(2)
	h := newHarness(t, store)

	res := h.deliver(checkoutPayload(t, "evt_cas", "pi_cas", 500, tokenMetadata("50")))
	assert.Equal(t, recon.OutcomeApplied, res.Outcome)
	assert.Equal(t, int64(2), h.metrics.casRetries.Load())

	bal, err := store.GetTokenBalance(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal.Balance)
}

func TestEngine_CASFallbackExhausted(t *testing.T) {
	store := &contendedStore{Store: memory.New()}
	store.failures.Store(100)
	h := newHarness(t, store, func(c *recon.Config) { c.MaxCASRetries = 3 })

	payload := checkoutPayload(t, "evt_cas_x", "pi_cas_x", 500, tokenMetadata("50"))
	res := h.deliver(payload)

	assert.ErrorIs(t, res.Err, recon.ErrConcurrentUpdate)
	assert.Equal(t, recon.KindTransientStore, res.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode())
	assert.Equal(t, int64(3), h.metrics.casRetries.Load())

	// the purchase insert rolled back with the failed credit
	purchases, _ := store.ListTokenPurchases(context.Background(), "U1")
	assert.Empty(t, purchases)
	_, err := store.GetTokenBalance(context.Background(), "U1")
	assert.ErrorIs(t, err, recon.ErrBalanceNotFound)

	// the retry succeeds once contention clears
	store.failures.Store(0)
	assert.Equal(t, recon.OutcomeApplied, h.deliver(payload).Outcome)
}
