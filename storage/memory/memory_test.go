package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

func pendingTxn(pi string) *recon.Transaction {
	return &recon.Transaction{
		PaymentIntentID: pi,
		Type:            recon.TypeTip,
		PayerID:         "U1",
		PayeeID:         "R1",
		TotalAmount:     1000,
		PayeeAmount:     800,
		PlatformAmount:  200,
		Currency:        "usd",
		Status:          recon.StatusPending,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestStore_PendingAndComplete(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.CreatePendingTransaction(ctx, pendingTxn("pi_1")); err != nil {
		t.Fatalf("CreatePendingTransaction failed: %v", err)
	}
	if err := store.CreatePendingTransaction(ctx, pendingTxn("pi_1")); !errors.Is(err, recon.ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}

	req := &recon.CompleteRequest{
		PaymentIntentID: "pi_1",
		TotalAmount:     1000,
		PayeeAmount:     800,
		PlatformAmount:  200,
		ProcessedAt:     time.Now().UTC(),
	}
	txn, err := store.CompleteTransaction(ctx, req)
	if err != nil {
		t.Fatalf("CompleteTransaction failed: %v", err)
	}
	if txn.Status != recon.StatusCompleted {
		t.Errorf("Status mismatch: got %s, want %s", txn.Status, recon.StatusCompleted)
	}
	if txn.ProcessedAt == nil {
		t.Error("Expected ProcessedAt to be set")
	}

	if _, err := store.CompleteTransaction(ctx, req); !errors.Is(err, recon.ErrAlreadyApplied) {
		t.Errorf("Expected ErrAlreadyApplied, got %v", err)
	}

	req.PaymentIntentID = "pi_missing"
	if _, err := store.CompleteTransaction(ctx, req); !errors.Is(err, recon.ErrTransactionNotFound) {
		t.Errorf("Expected ErrTransactionNotFound, got %v", err)
	}
}

func TestStore_RunInTx_RollsBackOnError(t *testing.T) {
	store := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.RunInTx(ctx, func(ctx context.Context, tx recon.LedgerTx) error {
		if err := tx.InsertTokenPurchase(ctx, &recon.TokenPurchase{ID: "p1", UserID: "U1", Amount: 50, PaymentIntentID: "pi_1"}); err != nil {
			return err
		}
		if err := tx.IncrementBalance(ctx, "U1", 50); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	if _, err := store.GetTokenBalance(ctx, "U1"); !errors.Is(err, recon.ErrBalanceNotFound) {
		t.Errorf("Expected ErrBalanceNotFound after rollback, got %v", err)
	}
	purchases, _ := store.ListTokenPurchases(ctx, "U1")
	if len(purchases) != 0 {
		t.Errorf("Expected no purchases after rollback, got %d", len(purchases))
	}
}

func TestStore_DuplicatePurchase(t *testing.T) {
	store := New()
	ctx := context.Background()

	insert := func() error {
		return store.RunInTx(ctx, func(ctx context.Context, tx recon.LedgerTx) error {
			if err := tx.InsertTokenPurchase(ctx, &recon.TokenPurchase{ID: "p", UserID: "U1", Amount: 50, PaymentIntentID: "pi_1"}); err != nil {
				return err
			}
			return tx.IncrementBalance(ctx, "U1", 50)
		})
	}

	if err := insert(); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := insert(); !errors.Is(err, recon.ErrDuplicate) {
		t.Fatalf("Expected ErrDuplicate, got %v", err)
	}

	bal, err := store.GetTokenBalance(ctx, "U1")
	if err != nil {
		t.Fatalf("GetTokenBalance failed: %v", err)
	}
	if bal.Balance != 50 || bal.LifetimePurchased != 50 {
		t.Errorf("Balance mismatch: got %d/%d, want 50/50", bal.Balance, bal.LifetimePurchased)
	}
}

func TestStore_CompareAndSwapBalance(t *testing.T) {
	store := New(WithoutAtomicIncrement())
	ctx := context.Background()

	err := store.RunInTx(ctx, func(ctx context.Context, tx recon.LedgerTx) error {
		if err := tx.IncrementBalance(ctx, "U1", 10); !errors.Is(err, recon.ErrIncrementUnsupported) {
			t.Errorf("Expected ErrIncrementUnsupported, got %v", err)
		}

		ok, err := tx.CompareAndSwapBalance(ctx, "U1", 0, 10, 10)
		if err != nil || !ok {
			t.Fatalf("CAS on absent row failed: ok=%v err=%v", ok, err)
		}

		// stale version
		ok, err = tx.CompareAndSwapBalance(ctx, "U1", 0, 20, 20)
		if err != nil || ok {
			t.Errorf("Expected stale CAS to fail: ok=%v err=%v", ok, err)
		}

		ok, err = tx.CompareAndSwapBalance(ctx, "U1", 1, 25, 25)
		if err != nil || !ok {
			t.Errorf("CAS with current version failed: ok=%v err=%v", ok, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunInTx failed: %v", err)
	}

	bal, err := store.GetTokenBalance(ctx, "U1")
	if err != nil {
		t.Fatalf("GetTokenBalance failed: %v", err)
	}
	if bal.Balance != 25 || bal.Version != 2 {
		t.Errorf("got balance %d version %d, want 25 and 2", bal.Balance, bal.Version)
	}
}

func TestStore_UpsertSubscription_Ordering(t *testing.T) {
	store := New()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	newer := &recon.Subscription{ID: "sub_1", UserID: "U1", Status: recon.SubscriptionPastDue, EventCreated: t0.Add(time.Minute)}
	older := &recon.Subscription{ID: "sub_1", UserID: "U1", Status: recon.SubscriptionActive, EventCreated: t0}

	if applied, err := store.UpsertSubscription(ctx, newer, recon.OrderingEventCreated); err != nil || !applied {
		t.Fatalf("first upsert: applied=%v err=%v", applied, err)
	}
	if applied, err := store.UpsertSubscription(ctx, older, recon.OrderingEventCreated); err != nil || applied {
		t.Errorf("older upsert should be skipped: applied=%v err=%v", applied, err)
	}
	sub, _ := store.GetSubscription(ctx, "sub_1")
	if sub.Status != recon.SubscriptionPastDue {
		t.Errorf("Status mismatch: got %s, want past_due", sub.Status)
	}

	// last processed wins
	if applied, err := store.UpsertSubscription(ctx, older, recon.OrderingLastProcessed); err != nil || !applied {
		t.Errorf("last-processed upsert: applied=%v err=%v", applied, err)
	}
	sub, _ = store.GetSubscription(ctx, "sub_1")
	if sub.Status != recon.SubscriptionActive {
		t.Errorf("Status mismatch: got %s, want active", sub.Status)
	}
}

func TestStore_RecomputeUserMetrics(t *testing.T) {
	store := New()
	ctx := context.Background()

	_ = store.CreatePendingTransaction(ctx, pendingTxn("pi_1"))
	_ = store.CreatePendingTransaction(ctx, pendingTxn("pi_2"))
	_, _ = store.CompleteTransaction(ctx, &recon.CompleteRequest{
		PaymentIntentID: "pi_1", TotalAmount: 1000, PayeeAmount: 800, PlatformAmount: 200, ProcessedAt: time.Now(),
	})
	_, _ = store.UpsertSubscription(ctx, &recon.Subscription{
		ID: "sub_1", UserID: "U2", RacerID: "R1", Status: recon.SubscriptionActive,
	}, recon.OrderingLastProcessed)

	m, err := store.RecomputeUserMetrics(ctx, "R1")
	if err != nil {
		t.Fatalf("RecomputeUserMetrics failed: %v", err)
	}
	if m.TotalEarned != 800 {
		t.Errorf("TotalEarned: got %d, want 800", m.TotalEarned)
	}
	if m.SupporterCount != 2 {
		t.Errorf("SupporterCount: got %d, want 2", m.SupporterCount)
	}
	if m.ActiveSubscriptions != 1 {
		t.Errorf("ActiveSubscriptions: got %d, want 1", m.ActiveSubscriptions)
	}

	payer, _ := store.RecomputeUserMetrics(ctx, "U1")
	if payer.TotalTipped != 1000 {
		t.Errorf("TotalTipped: got %d, want 1000", payer.TotalTipped)
	}

	got, _ := store.GetUserMetrics(ctx, "R1")
	if got.TotalEarned != 800 {
		t.Errorf("GetUserMetrics TotalEarned: got %d, want 800", got.TotalEarned)
	}
}

func TestStore_Incidents(t *testing.T) {
	store := New()
	ctx := context.Background()

	inc := &recon.Incident{ID: "i1", EventID: "evt_1", Kind: recon.IncidentMissingTransaction, CreatedAt: time.Now()}
	if err := store.RecordIncident(ctx, inc); err != nil {
		t.Fatalf("RecordIncident failed: %v", err)
	}
	dup := *inc
	dup.ID = "i2"
	if err := store.RecordIncident(ctx, &dup); !errors.Is(err, recon.ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}

	if err := store.ResolveIncident(ctx, "i1", time.Now()); err != nil {
		t.Fatalf("ResolveIncident failed: %v", err)
	}
	open, _ := store.ListIncidents(ctx, recon.IncidentFilter{})
	if len(open) != 0 {
		t.Errorf("Expected no open incidents, got %d", len(open))
	}
	all, _ := store.ListIncidents(ctx, recon.IncidentFilter{IncludeResolved: true})
	if len(all) != 1 {
		t.Errorf("Expected 1 incident, got %d", len(all))
	}
	if err := store.ResolveIncident(ctx, "nope", time.Now()); !errors.Is(err, recon.ErrIncidentNotFound) {
		t.Errorf("Expected ErrIncidentNotFound, got %v", err)
	}
}
