package recon

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ledgerSentinels are the errors a Store reports on purpose. Anything else
// coming out of a Store is a driver or transport failure.
var ledgerSentinels = []error{
	ErrDuplicate,
	ErrAlreadyApplied,
	ErrTransactionNotFound,
	ErrSubscriptionNotFound,
	ErrBalanceNotFound,
	ErrIncidentNotFound,
	ErrIncrementUnsupported,
	ErrConcurrentUpdate,
	ErrStoreUnavailable,
	ErrInvalidEvent,
	ErrHandlerPanic,
	context.Canceled,
	context.DeadlineExceeded,
}

// storeFailure marks unrecognised store errors as ErrStoreUnavailable so
// Classify can tell them apart from handler bugs.
func storeFailure(err error) error {
	if err == nil {
		return nil
	}
	for _, target := range ledgerSentinels {
		if errors.Is(err, target) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// failureMarkingStore applies storeFailure to every Store and LedgerTx call
type failureMarkingStore struct {
	Store
}

func (s failureMarkingStore) CreatePendingTransaction(ctx context.Context, txn *Transaction) error {
	return storeFailure(s.Store.CreatePendingTransaction(ctx, txn))
}

func (s failureMarkingStore) GetTransaction(ctx context.Context, paymentIntentID string) (*Transaction, error) {
	txn, err := s.Store.GetTransaction(ctx, paymentIntentID)
	return txn, storeFailure(err)
}

func (s failureMarkingStore) CompleteTransaction(ctx context.Context, req *CompleteRequest) (*Transaction, error) {
	txn, err := s.Store.CompleteTransaction(ctx, req)
	return txn, storeFailure(err)
}

func (s failureMarkingStore) RunInTx(ctx context.Context, fn func(context.Context, LedgerTx) error) error {
	return storeFailure(s.Store.RunInTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		return fn(ctx, failureMarkingTx{tx})
	}))
}

func (s failureMarkingStore) GetTokenBalance(ctx context.Context, userID string) (*TokenBalance, error) {
	bal, err := s.Store.GetTokenBalance(ctx, userID)
	return bal, storeFailure(err)
}

func (s failureMarkingStore) UpsertSubscription(ctx context.Context, sub *Subscription, ordering SubscriptionOrdering) (bool, error) {
	applied, err := s.Store.UpsertSubscription(ctx, sub, ordering)
	return applied, storeFailure(err)
}

func (s failureMarkingStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	sub, err := s.Store.GetSubscription(ctx, id)
	return sub, storeFailure(err)
}

func (s failureMarkingStore) RecordIncident(ctx context.Context, inc *Incident) error {
	return storeFailure(s.Store.RecordIncident(ctx, inc))
}

func (s failureMarkingStore) ResolveIncident(ctx context.Context, id string, at time.Time) error {
	return storeFailure(s.Store.ResolveIncident(ctx, id, at))
}

type failureMarkingTx struct {
	LedgerTx
}

func (t failureMarkingTx) InsertTokenPurchase(ctx context.Context, p *TokenPurchase) error {
	return storeFailure(t.LedgerTx.InsertTokenPurchase(ctx, p))
}

func (t failureMarkingTx) IncrementBalance(ctx context.Context, userID string, amount int64) error {
	return storeFailure(t.LedgerTx.IncrementBalance(ctx, userID, amount))
}

func (t failureMarkingTx) GetBalance(ctx context.Context, userID string) (*TokenBalance, error) {
	bal, err := t.LedgerTx.GetBalance(ctx, userID)
	return bal, storeFailure(err)
}

func (t failureMarkingTx) CompareAndSwapBalance(ctx context.Context, userID string, expected, balance, lifetime int64) (bool, error) {
	ok, err := t.LedgerTx.CompareAndSwapBalance(ctx, userID, expected, balance, lifetime)
	return ok, storeFailure(err)
}
