package recon

import (
	"context"
	"errors"
	"fmt"
)

func (e *Engine) handleCheckoutCompleted(ctx context.Context, ev *Event) (Result, error) {
	switch ev.Mode {
	case ModeSetup:
		return Result{Outcome: OutcomeIgnored}, nil
	case ModePayment, ModeSubscription, "":
	default:
		return Result{}, fmt.Errorf("%w: unsupported checkout mode %q", ErrInvalidEvent, ev.Mode)
	}

	if ev.Metadata.Type == TypeTokens {
		return e.creditTokens(ctx, ev)
	}
	return e.completePayment(ctx, ev)
}

// completePayment is phase two of a one-time payment: the pending row written
// at session creation moves to completed with the split stamped on it.
func (e *Engine) completePayment(ctx context.Context, ev *Event) (Result, error) {
	key := ev.NaturalKey()
	if key == "" {
		return Result{}, fmt.Errorf("%w: completion without payment intent or session id", ErrInvalidEvent)
	}
	if ev.Metadata.Type != "" && !ev.Metadata.Type.Valid() {
		return Result{}, fmt.Errorf("%w: unknown transaction type %q", ErrInvalidEvent, ev.Metadata.Type)
	}

	payee, platform, err := Split(ev.AmountTotal, *e.cfg.PayeeShare)
	if err != nil {
		return Result{}, err
	}

	// Advisory read for mismatch reporting; the conditional write below is
	// what guards against double completion.
	pending, err := e.store.GetTransaction(ctx, key)
	switch {
	case err == nil:
		if pending.Status == StatusCompleted {
			return Result{}, fmt.Errorf("transaction %s: %w", key, ErrAlreadyApplied)
		}
	case errors.Is(err, ErrTransactionNotFound):
		if ev.Mode == ModeSubscription {
			// subscription checkouts are not always pre-inserted
			return Result{
				Warnings: []string{"no pending transaction for subscription checkout " + key},
			}, nil
		}
		return Result{}, fmt.Errorf("complete payment %s: %w", key, err)
	default:
		return Result{}, fmt.Errorf("load transaction %s: %w", key, err)
	}

	txn, err := e.store.CompleteTransaction(ctx, &CompleteRequest{
		PaymentIntentID: key,
		CustomerID:      ev.CustomerID,
		SubscriptionID:  ev.SubscriptionID,
		TotalAmount:     ev.AmountTotal,
		PayeeAmount:     payee,
		PlatformAmount:  platform,
		ProcessedAt:     e.now(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("complete payment %s: %w", key, err)
	}

	res := Result{SideEffects: 1}
	if pending.TotalAmount != ev.AmountTotal {
		detail := fmt.Sprintf("pending amount %d, captured %d", pending.TotalAmount, ev.AmountTotal)
		res.Warnings = append(res.Warnings, detail)
		e.recordIncident(ctx, ev, IncidentAmountMismatch, detail)
	}
	if ev.AmountTotal < *e.cfg.MinimumAmount {
		detail := fmt.Sprintf("amount %d below minimum %d", ev.AmountTotal, *e.cfg.MinimumAmount)
		res.Warnings = append(res.Warnings, detail)
		e.recordIncident(ctx, ev, IncidentAmountBelowMinimum, detail)
	}

	e.trigger.Fire(txn.PayeeID, txn.PayerID, ev.Metadata.RacerID, ev.Metadata.UserID)
	return res, nil
}
