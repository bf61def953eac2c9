package recon

import (
	"strconv"
	"strings"
	"time"
)

// EventType is the processor's lifecycle notification type
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout.session.completed"
	EventInvoicePaid         EventType = "invoice.paid"
	EventInvoicePaymentOK    EventType = "invoice.payment_succeeded"
	EventSubscriptionCreated EventType = "customer.subscription.created"
	EventSubscriptionUpdated EventType = "customer.subscription.updated"
	EventSubscriptionDeleted EventType = "customer.subscription.deleted"
)

// CheckoutMode mirrors the processor's checkout session mode
type CheckoutMode string

const (
	ModePayment      CheckoutMode = "payment"
	ModeSubscription CheckoutMode = "subscription"
	ModeSetup        CheckoutMode = "setup"
)

// TransactionType tags what a payment was for
type TransactionType string

const (
	TypeTip          TransactionType = "tip"
	TypeSubscription TransactionType = "subscription"
	TypeSponsorship  TransactionType = "sponsorship"
	TypeTokens       TransactionType = "tokens"
)

// Valid reports whether t is one of the known transaction types
func (t TransactionType) Valid() bool {
	switch t {
	case TypeTip, TypeSubscription, TypeSponsorship, TypeTokens:
		return true
	default:
		return false
	}
}

// TransactionStatus only moves forward: pending -> completed
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
)

// SubscriptionStatus mirrors the processor's subscription states
type SubscriptionStatus string

const (
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionPaused            SubscriptionStatus = "paused"
)

// Active reports whether the subscription counts toward supporter metrics
func (s SubscriptionStatus) Active() bool {
	return s == SubscriptionActive || s == SubscriptionTrialing
}

// Metadata keys the session-creation collaborator attaches to every session
const (
	MetaUserID      = "user_id"
	MetaRacerID     = "racer_id"
	MetaType        = "type"
	MetaTokenCount  = "token_count"
	MetaDescription = "description"
)

// Event is a verified, provider-neutral payment notification
type Event struct {
	ID      string
	Type    EventType
	Created time.Time

	Mode             CheckoutMode
	PaymentIntentID  string
	SessionID        string
	CustomerID       string
	SubscriptionID   string
	AmountTotal      int64
	Currency         string
	Status           string
	CurrentPeriodEnd *time.Time

	Metadata EventMetadata
}

// NaturalKey returns the payment-intent id, or the checkout session id when the
// processor did not attach an intent to the session.
func (e *Event) NaturalKey() string {
	if e.PaymentIntentID != "" {
		return e.PaymentIntentID
	}
	return e.SessionID
}

// EventMetadata is the opaque metadata bag, parsed
type EventMetadata struct {
	UserID      string
	RacerID     string
	Type        TransactionType
	TokenCount  int64
	Description string

	// Extra holds keys not consumed by the engine
	Extra map[string]string
}

// ParseMetadata extracts the well-known keys from a raw metadata map.
// A malformed token_count parses as zero.
func ParseMetadata(raw map[string]string) EventMetadata {
	md := EventMetadata{}
	for k, v := range raw {
		switch k {
		case MetaUserID:
			md.UserID = strings.TrimSpace(v)
		case MetaRacerID:
			md.RacerID = strings.TrimSpace(v)
		case MetaType:
			md.Type = TransactionType(strings.ToLower(strings.TrimSpace(v)))
		case MetaTokenCount:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err == nil {
				md.TokenCount = n
			}
		case MetaDescription:
			md.Description = v
		default:
			if md.Extra == nil {
				md.Extra = make(map[string]string)
			}
			md.Extra[k] = v
		}
	}
	return md
}

// Map renders the metadata back into the processor's key/value form
func (m EventMetadata) Map() map[string]string {
	out := make(map[string]string, len(m.Extra)+5)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.UserID != "" {
		out[MetaUserID] = m.UserID
	}
	if m.RacerID != "" {
		out[MetaRacerID] = m.RacerID
	}
	if m.Type != "" {
		out[MetaType] = string(m.Type)
	}
	if m.TokenCount != 0 {
		out[MetaTokenCount] = strconv.FormatInt(m.TokenCount, 10)
	}
	if m.Description != "" {
		out[MetaDescription] = m.Description
	}
	return out
}

// Transaction is one ledger row for a one-time payment
type Transaction struct {
	PaymentIntentID string
	SubscriptionID  string
	CustomerID      string
	Type            TransactionType
	PayerID         string
	PayeeID         string
	TotalAmount     int64
	PayeeAmount     int64
	PlatformAmount  int64
	Currency        string
	Status          TransactionStatus
	ProcessedAt     *time.Time
	Metadata        map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Balanced reports whether the split conserves the total
func (t *Transaction) Balanced() bool {
	return t.PayeeAmount+t.PlatformAmount == t.TotalAmount
}

// CompleteRequest is phase two of a payment: pending -> completed
type CompleteRequest struct {
	PaymentIntentID string
	CustomerID      string
	SubscriptionID  string
	TotalAmount     int64
	PayeeAmount     int64
	PlatformAmount  int64
	ProcessedAt     time.Time
}

// Subscription is the latest known processor state for one subscription id
type Subscription struct {
	ID               string
	UserID           string
	RacerID          string
	CustomerID       string
	Status           SubscriptionStatus
	CurrentPeriodEnd *time.Time
	EventCreated     time.Time
	UpdatedAt        time.Time
}

// SubscriptionOrdering decides how concurrent upserts for the same id resolve
type SubscriptionOrdering string

const (
	// OrderingLastProcessed lets the last processed event win
	OrderingLastProcessed SubscriptionOrdering = "last_processed"
	// OrderingEventCreated ignores events created before the stored one
	OrderingEventCreated SubscriptionOrdering = "event_created"
)

// TokenBalance is a user's prepaid token balance
type TokenBalance struct {
	UserID            string
	Balance           int64
	LifetimePurchased int64
	Version           int64
	UpdatedAt         time.Time
}

// TokenPurchase is the append-only audit row for one credited purchase
type TokenPurchase struct {
	ID              string
	UserID          string
	Amount          int64
	PricePaid       int64
	PaymentIntentID string
	Status          string
	CreatedAt       time.Time
}

// TokenPurchaseCompleted is the only status the reconciler writes
const TokenPurchaseCompleted = "completed"

// UserMetrics are the derived engagement aggregates for one user
type UserMetrics struct {
	UserID              string
	TotalEarned         int64
	TotalTipped         int64
	SupporterCount      int64
	ActiveSubscriptions int64
	TokenBalance        int64
	ComputedAt          time.Time
}

// IncidentKind classifies rows in the manual reconciliation queue
type IncidentKind string

const (
	IncidentMissingTransaction  IncidentKind = "missing_transaction"
	IncidentMissingSubscription IncidentKind = "missing_subscription"
	IncidentAmountBelowMinimum  IncidentKind = "amount_below_minimum"
	IncidentAmountMismatch      IncidentKind = "amount_mismatch"
	IncidentPartialApplication  IncidentKind = "partial_application"
	IncidentInvalidEvent        IncidentKind = "invalid_event"
	IncidentHandlerFailure      IncidentKind = "handler_failure"
)

// Incident is a ledger inconsistency surfaced for an operator
type Incident struct {
	ID         string
	EventID    string
	EventType  EventType
	Kind       IncidentKind
	NaturalKey string
	Detail     string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// IncidentFilter narrows ListIncidents
type IncidentFilter struct {
	Kind            IncidentKind
	IncludeResolved bool
	Limit           int
}
