package recon

import (
	"context"
	"fmt"
	"strings"
)

// PendingPayment is what the session-creation collaborator records before it
// redirects the payer. PaymentIntentID is the natural key the completion event
// will carry (or the checkout session id when no intent exists yet).
type PendingPayment struct {
	PaymentIntentID string
	SubscriptionID  string
	CustomerID      string
	Type            TransactionType
	PayerID         string
	PayeeID         string
	Amount          int64
	Currency        string
	Metadata        map[string]string
}

// RecordPending inserts phase one of a payment with the split precomputed.
// Returns ErrDuplicate if the natural key was already recorded.
func (e *Engine) RecordPending(ctx context.Context, p PendingPayment) (*Transaction, error) {
	if err := e.validatePending(&p); err != nil {
		return nil, err
	}
	payee, platform, err := Split(p.Amount, *e.cfg.PayeeShare)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	now := e.now()
	currency := strings.ToLower(p.Currency)
	if currency == "" {
		currency = e.cfg.Currency
	}
	txn := &Transaction{
		PaymentIntentID: p.PaymentIntentID,
		SubscriptionID:  p.SubscriptionID,
		CustomerID:      p.CustomerID,
		Type:            p.Type,
		PayerID:         p.PayerID,
		PayeeID:         p.PayeeID,
		TotalAmount:     p.Amount,
		PayeeAmount:     payee,
		PlatformAmount:  platform,
		Currency:        currency,
		Status:          StatusPending,
		Metadata:        p.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreatePendingTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("record pending %s: %w", p.PaymentIntentID, err)
	}

	e.logger.Debug("pending transaction recorded",
		Field{"paymentIntentId", p.PaymentIntentID},
		Field{"type", string(p.Type)},
		Field{"amount", p.Amount},
	)
	return txn, nil
}

func (e *Engine) validatePending(p *PendingPayment) error {
	switch {
	case p.PaymentIntentID == "":
		return fmt.Errorf("%w: payment intent id is required", ErrInvalidPayment)
	case !p.Type.Valid():
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidPayment, p.Type)
	case p.PayerID == "":
		return fmt.Errorf("%w: payer id is required", ErrInvalidPayment)
	case p.Type != TypeTokens && p.PayeeID == "":
		return fmt.Errorf("%w: payee id is required for %s", ErrInvalidPayment, p.Type)
	case p.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidPayment)
	case p.Amount < *e.cfg.MinimumAmount:
		return fmt.Errorf("%w: amount %d below minimum %d", ErrInvalidPayment, p.Amount, *e.cfg.MinimumAmount)
	}
	return nil
}
