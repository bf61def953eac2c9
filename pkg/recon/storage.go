package recon

import (
	"context"
	"time"
)

// Store defines the durable ledger the engine mutates.
// Every mutating method is conditional or keyed by a unique natural key so that
// replays and concurrent duplicate deliveries are no-ops at the store.
type Store interface {
	// CreatePendingTransaction inserts phase one of a payment.
	// Returns ErrDuplicate if a row with the same payment intent id exists.
	CreatePendingTransaction(ctx context.Context, txn *Transaction) error

	// GetTransaction returns the transaction for a payment intent id or ErrTransactionNotFound.
	GetTransaction(ctx context.Context, paymentIntentID string) (*Transaction, error)

	// CompleteTransaction transitions pending -> completed in a single conditional write
	// keyed by PaymentIntentID, stamping the split and ProcessedAt.
	// Returns ErrAlreadyApplied if the row is already completed and
	// ErrTransactionNotFound if no row exists.
	CompleteTransaction(ctx context.Context, req *CompleteRequest) (*Transaction, error)

	// RunInTx runs fn in one store transaction. fn's error rolls everything back.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error

	// GetTokenBalance returns a user's balance or ErrBalanceNotFound.
	GetTokenBalance(ctx context.Context, userID string) (*TokenBalance, error)

	// ListTokenPurchases returns a user's purchases, newest first.
	ListTokenPurchases(ctx context.Context, userID string) ([]TokenPurchase, error)

	// UpsertSubscription writes the subscription keyed by its id.
	// With OrderingEventCreated, an incoming row whose EventCreated is older than
	// the stored one is ignored and applied is false.
	UpsertSubscription(ctx context.Context, sub *Subscription, ordering SubscriptionOrdering) (applied bool, err error)

	// GetSubscription returns the subscription or ErrSubscriptionNotFound.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// RecomputeUserMetrics rebuilds and persists the aggregates for one user.
	RecomputeUserMetrics(ctx context.Context, userID string) (*UserMetrics, error)

	// GetUserMetrics returns the last computed aggregates (zero value if never computed).
	GetUserMetrics(ctx context.Context, userID string) (*UserMetrics, error)

	// RecordIncident appends to the manual reconciliation queue.
	// Returns ErrDuplicate if (EventID, Kind) was already recorded.
	RecordIncident(ctx context.Context, inc *Incident) error

	// ListIncidents returns incidents, oldest first.
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error)

	// ResolveIncident marks an incident resolved or returns ErrIncidentNotFound.
	ResolveIncident(ctx context.Context, id string, at time.Time) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// LedgerTx is the set of token ledger operations available inside RunInTx.
type LedgerTx interface {
	// InsertTokenPurchase appends a purchase row.
	// Returns ErrDuplicate if (UserID, PaymentIntentID) already exists.
	InsertTokenPurchase(ctx context.Context, p *TokenPurchase) error

	// IncrementBalance performs balance += amount, lifetime += amount server-side,
	// creating the row if needed. Returns ErrIncrementUnsupported if the store
	// cannot do this atomically.
	IncrementBalance(ctx context.Context, userID string, amount int64) error

	// GetBalance reads the balance within the transaction or returns ErrBalanceNotFound.
	GetBalance(ctx context.Context, userID string) (*TokenBalance, error)

	// CompareAndSwapBalance writes balance and lifetime only if the stored version
	// still equals expectedVersion (0 means "row must not exist yet").
	// Returns false without error when the version moved.
	CompareAndSwapBalance(ctx context.Context, userID string, expectedVersion, balance, lifetime int64) (bool, error)
}
