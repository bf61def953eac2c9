package recon

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrVerification is returned when an envelope fails signature verification
	ErrVerification = errors.New("event verification failed")

	// ErrUnknownEventType is returned by the router for unhandled event types
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrInvalidEvent is returned for verified events whose payload cannot be applied
	ErrInvalidEvent = errors.New("invalid event")

	// ErrTransactionNotFound is returned when no transaction exists for a natural key
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrSubscriptionNotFound is returned when no subscription exists for an id
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrBalanceNotFound is returned when a user has never been credited
	ErrBalanceNotFound = errors.New("token balance not found")

	// ErrIncidentNotFound is returned when resolving an unknown incident
	ErrIncidentNotFound = errors.New("incident not found")

	// ErrDuplicate is returned when a natural key unique constraint rejects an insert
	ErrDuplicate = errors.New("duplicate natural key")

	// ErrAlreadyApplied is returned when a conditional transition finds the target state
	ErrAlreadyApplied = errors.New("already applied")

	// ErrIncrementUnsupported is returned by stores without a server-side increment
	ErrIncrementUnsupported = errors.New("atomic increment not supported")

	// ErrConcurrentUpdate is returned when optimistic writes exhaust their retries
	ErrConcurrentUpdate = errors.New("concurrent update: retries exhausted")

	// ErrStoreUnavailable is returned when the store cannot be reached
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrHandlerPanic wraps a panic recovered from an event handler
	ErrHandlerPanic = errors.New("event handler panicked")

	// ErrInvalidPayment is returned by RecordPending for an unusable pending payment
	ErrInvalidPayment = errors.New("invalid pending payment")

	// ErrInvalidConfig is returned by Config.Validate
	ErrInvalidConfig = errors.New("invalid config")
)

// ErrorKind is the failure taxonomy that drives logging and acknowledgment
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindVerification
	KindUnknownEventType
	KindMissingPrerequisite
	KindDuplicateApplication
	KindTransientStore
	KindInvalidEvent
	KindMetricsRecompute
	KindHandlerFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindVerification:
		return "verification"
	case KindUnknownEventType:
		return "unknown_event_type"
	case KindMissingPrerequisite:
		return "missing_prerequisite"
	case KindDuplicateApplication:
		return "duplicate_application"
	case KindTransientStore:
		return "transient_store"
	case KindInvalidEvent:
		return "invalid_event"
	case KindMetricsRecompute:
		return "metrics_recompute"
	case KindHandlerFailure:
		return "handler_failure"
	default:
		return "unknown"
	}
}

// Classify maps an error to its kind. Only failures of the store or its
// transport are transient; any other error is a deterministic handler
// failure that a redelivery would hit again.
func Classify(err error) ErrorKind {
	var netErr net.Error
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrVerification):
		return KindVerification
	case errors.Is(err, ErrUnknownEventType):
		return KindUnknownEventType
	case errors.Is(err, ErrDuplicate), errors.Is(err, ErrAlreadyApplied):
		return KindDuplicateApplication
	case errors.Is(err, ErrTransactionNotFound), errors.Is(err, ErrSubscriptionNotFound):
		return KindMissingPrerequisite
	case errors.Is(err, ErrInvalidEvent):
		return KindInvalidEvent
	case errors.Is(err, ErrHandlerPanic):
		return KindHandlerFailure
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrConcurrentUpdate),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		errors.As(err, &netErr):
		return KindTransientStore
	default:
		return KindHandlerFailure
	}
}
