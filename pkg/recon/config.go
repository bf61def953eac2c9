package recon

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultCurrency          = "usd"
	defaultMinimumAmount     = 50
	defaultStoreTimeout      = 10 * time.Second
	defaultMaxCASRetries     = 5
	defaultRecomputeTimeout  = 5 * time.Second
	defaultBreakerThreshold  = 5
	defaultBreakerResetAfter = 30 * time.Second
)

// Config holds Engine configuration. Zero values fall back to defaults.
type Config struct {
	// Verifier authenticates raw payloads. If nil, Process rejects everything.
	Verifier Verifier

	// Logger receives structured logs. Defaults to NoopLogger.
	Logger Logger

	// Metrics receives outcome counters. Defaults to NoopMetrics.
	Metrics Metrics

	// EventCache is an optional fast-path for already applied event ids.
	// It is never the source of truth for idempotency.
	EventCache EventCache

	// Recomputer refreshes derived per-user aggregates after a mutation.
	// Defaults to recomputing through the Store.
	Recomputer Recomputer

	// PayeeShare is the payee's share of one-time payments in basis points.
	// nil means the default; Ptr(BasisPoints(0)) sends everything to the platform.
	// Default: 8000 (80/20 racer/platform)
	PayeeShare *BasisPoints

	// Currency is the default ISO currency code when an event omits one.
	// Default: "usd"
	Currency string

	// MinimumAmount is the smallest payable amount in minor units. Smaller
	// completed payments are still applied but raise an incident.
	// nil means the default; Ptr(int64(0)) disables the check.
	// Default: 50
	MinimumAmount *int64

	// StoreTimeout bounds all store work for one event. It must stay below the
	// processor's delivery timeout so a response is always produced.
	// Default: 10s
	StoreTimeout time.Duration

	// MaxCASRetries bounds the optimistic balance write fallback.
	// Default: 5
	MaxCASRetries int

	// SubscriptionOrdering selects how subscription upserts resolve.
	// Default: OrderingLastProcessed
	SubscriptionOrdering SubscriptionOrdering

	// RecomputeTimeout bounds one detached recompute call.
	// Default: 5s
	RecomputeTimeout time.Duration

	// RecomputeBreakerThreshold is the consecutive failure count that opens the
	// recompute circuit breaker. Default: 5
	RecomputeBreakerThreshold int

	// RecomputeBreakerReset is how long the breaker stays open. Default: 30s
	RecomputeBreakerReset time.Duration

	// Now is the clock. Default: time.Now
	Now func() time.Time
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.PayeeShare != nil && !c.PayeeShare.Valid() {
		return fmt.Errorf("%w: payee share must be within 0..10000 basis points", ErrInvalidConfig)
	}
	if c.MinimumAmount != nil && *c.MinimumAmount < 0 {
		return fmt.Errorf("%w: minimum amount must not be negative", ErrInvalidConfig)
	}
	if c.StoreTimeout < 0 || c.RecomputeTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	if c.MaxCASRetries < 0 {
		return fmt.Errorf("%w: max CAS retries must not be negative", ErrInvalidConfig)
	}
	switch c.SubscriptionOrdering {
	case "", OrderingLastProcessed, OrderingEventCreated:
	default:
		return fmt.Errorf("%w: unknown subscription ordering %q", ErrInvalidConfig, c.SubscriptionOrdering)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.PayeeShare == nil {
		c.PayeeShare = Ptr(DefaultPayeeShare)
	}
	c.Currency = strings.ToLower(strings.TrimSpace(c.Currency))
	if c.Currency == "" {
		c.Currency = defaultCurrency
	}
	if c.MinimumAmount == nil {
		c.MinimumAmount = Ptr(int64(defaultMinimumAmount))
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	if c.MaxCASRetries == 0 {
		c.MaxCASRetries = defaultMaxCASRetries
	}
	if c.SubscriptionOrdering == "" {
		c.SubscriptionOrdering = OrderingLastProcessed
	}
	if c.RecomputeTimeout == 0 {
		c.RecomputeTimeout = defaultRecomputeTimeout
	}
	if c.RecomputeBreakerThreshold == 0 {
		c.RecomputeBreakerThreshold = defaultBreakerThreshold
	}
	if c.RecomputeBreakerReset == 0 {
		c.RecomputeBreakerReset = defaultBreakerResetAfter
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Ptr returns a pointer to v, for the optional Config fields
func Ptr[T any](v T) *T {
	return &v
}
