package recon

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// creditTokens records the purchase and credits the balance in one store
// transaction. The (user, payment intent) unique key on purchases makes a
// second delivery fail the insert before any balance change.
func (e *Engine) creditTokens(ctx context.Context, ev *Event) (Result, error) {
	md := ev.Metadata
	if md.UserID == "" {
		return Result{}, fmt.Errorf("%w: token purchase without user id", ErrInvalidEvent)
	}
	if md.TokenCount <= 0 {
		return Result{}, fmt.Errorf("%w: token count %d", ErrInvalidEvent, md.TokenCount)
	}
	key := ev.NaturalKey()
	if key == "" {
		return Result{}, fmt.Errorf("%w: token purchase without payment intent", ErrInvalidEvent)
	}

	purchase := &TokenPurchase{
		ID:              uuid.NewString(),
		UserID:          md.UserID,
		Amount:          md.TokenCount,
		PricePaid:       ev.AmountTotal,
		PaymentIntentID: key,
		Status:          TokenPurchaseCompleted,
		CreatedAt:       e.now(),
	}

	err := e.store.RunInTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		if err := tx.InsertTokenPurchase(ctx, purchase); err != nil {
			return err
		}
		return e.credit(ctx, tx, md.UserID, md.TokenCount)
	})
	credited := err == nil
	if err != nil && !errors.Is(err, ErrDuplicate) {
		return Result{}, fmt.Errorf("credit %d tokens to %s: %w", md.TokenCount, md.UserID, err)
	}

	var res Result
	if credited {
		res.SideEffects = 2
	}

	// A redelivery still retries completion in case the first one stopped
	// between the credit and this write.
	if done, warning := e.completeTokenTransaction(ctx, ev, key); done {
		res.SideEffects++
	} else if warning != "" {
		res.Warnings = append(res.Warnings, warning)
	}

	if !credited {
		return res, fmt.Errorf("token purchase %s for %s: %w", key, md.UserID, ErrDuplicate)
	}
	e.trigger.Fire(md.UserID)
	return res, nil
}

// credit adds amount to the balance, preferring the store's atomic increment
// and falling back to a bounded compare-and-swap loop on the row version.
func (e *Engine) credit(ctx context.Context, tx LedgerTx, userID string, amount int64) error {
	err := tx.IncrementBalance(ctx, userID, amount)
	if !errors.Is(err, ErrIncrementUnsupported) {
		return err
	}

	for attempt := 0; attempt < e.cfg.MaxCASRetries; attempt++ {
		var version, balance, lifetime int64
		current, err := tx.GetBalance(ctx, userID)
		switch {
		case err == nil:
			version, balance, lifetime = current.Version, current.Balance, current.LifetimePurchased
		case errors.Is(err, ErrBalanceNotFound):
		default:
			return err
		}
		if balance > math.MaxInt64-amount || lifetime > math.MaxInt64-amount {
			return fmt.Errorf("%w: balance overflow for %s", ErrInvalidEvent, userID)
		}

		ok, err := tx.CompareAndSwapBalance(ctx, userID, version, balance+amount, lifetime+amount)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		e.metrics.RecordCASRetry()
		e.logger.Debug("balance version moved, retrying",
			Field{"userId", userID},
			Field{"attempt", attempt + 1},
		)
	}
	return fmt.Errorf("credit %s: %w", userID, ErrConcurrentUpdate)
}

// completeTokenTransaction completes the pending row for a token purchase if
// one exists. Token purchases are not always pre-inserted.
func (e *Engine) completeTokenTransaction(ctx context.Context, ev *Event, key string) (bool, string) {
	payee, platform, err := Split(ev.AmountTotal, *e.cfg.PayeeShare)
	if err != nil {
		return false, err.Error()
	}
	_, err = e.store.CompleteTransaction(ctx, &CompleteRequest{
		PaymentIntentID: key,
		CustomerID:      ev.CustomerID,
		TotalAmount:     ev.AmountTotal,
		PayeeAmount:     payee,
		PlatformAmount:  platform,
		ProcessedAt:     e.now(),
	})
	switch {
	case err == nil:
		return true, ""
	case errors.Is(err, ErrAlreadyApplied):
		return false, ""
	case errors.Is(err, ErrTransactionNotFound):
		e.logger.Warn("no pending transaction for token purchase", eventFields(ev,
			Field{"paymentIntentId", key},
			Field{"userId", ev.Metadata.UserID},
		)...)
		return false, ""
	default:
		return false, "transaction completion failed: " + err.Error()
	}
}
