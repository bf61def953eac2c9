package recon

import (
	"context"
	"errors"
	"fmt"
)

func (e *Engine) handleSubscriptionChange(ctx context.Context, ev *Event) (Result, error) {
	status := SubscriptionStatus(ev.Status)
	if ev.Type == EventSubscriptionDeleted {
		status = SubscriptionCanceled
	}
	if status == "" {
		return Result{}, fmt.Errorf("%w: subscription event without status", ErrInvalidEvent)
	}
	return e.syncSubscription(ctx, ev, status)
}

func (e *Engine) handleInvoicePaid(ctx context.Context, ev *Event) (Result, error) {
	if ev.SubscriptionID == "" {
		// one-off invoice, nothing to sync
		return Result{Outcome: OutcomeIgnored}, nil
	}
	return e.syncSubscription(ctx, ev, SubscriptionActive)
}

// syncSubscription upserts the subscription keyed by its processor id.
// Owner ids missing from the event are taken from the stored row.
func (e *Engine) syncSubscription(ctx context.Context, ev *Event, status SubscriptionStatus) (Result, error) {
	if ev.SubscriptionID == "" {
		return Result{}, fmt.Errorf("%w: missing subscription id", ErrInvalidEvent)
	}

	sub := &Subscription{
		ID:               ev.SubscriptionID,
		UserID:           ev.Metadata.UserID,
		RacerID:          ev.Metadata.RacerID,
		CustomerID:       ev.CustomerID,
		Status:           status,
		CurrentPeriodEnd: ev.CurrentPeriodEnd,
		EventCreated:     ev.Created,
		UpdatedAt:        e.now(),
	}

	if sub.UserID == "" || sub.RacerID == "" || sub.CustomerID == "" || sub.CurrentPeriodEnd == nil {
		stored, err := e.store.GetSubscription(ctx, sub.ID)
		switch {
		case err == nil:
			mergeSubscription(sub, stored)
		case errors.Is(err, ErrSubscriptionNotFound):
			if sub.UserID == "" {
				return Result{}, fmt.Errorf("subscription %s has no owner: %w", sub.ID, err)
			}
		default:
			return Result{}, fmt.Errorf("load subscription %s: %w", sub.ID, err)
		}
	}

	applied, err := e.store.UpsertSubscription(ctx, sub, e.cfg.SubscriptionOrdering)
	if err != nil {
		return Result{}, fmt.Errorf("upsert subscription %s: %w", sub.ID, err)
	}
	if !applied {
		e.logger.Info("stale subscription event skipped", eventFields(ev,
			Field{"subscriptionId", sub.ID},
			Field{"eventCreated", ev.Created},
		)...)
		return Result{Outcome: OutcomeIgnored}, nil
	}

	e.trigger.Fire(sub.UserID, sub.RacerID)
	return Result{SideEffects: 1}, nil
}

func mergeSubscription(sub, stored *Subscription) {
	if sub.UserID == "" {
		sub.UserID = stored.UserID
	}
	if sub.RacerID == "" {
		sub.RacerID = stored.RacerID
	}
	if sub.CustomerID == "" {
		sub.CustomerID = stored.CustomerID
	}
	if sub.CurrentPeriodEnd == nil {
		sub.CurrentPeriodEnd = stored.CurrentPeriodEnd
	}
}
