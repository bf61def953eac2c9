package billing

import (
	"time"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Engine reconciles verified events into the ledger (required).
	// Its Verifier is replaced by the provider's own.
	Engine *recon.Engine

	// WebhookSecret is the shared secret used to verify incoming webhook
	// signatures (e.g. Stripe's whsec_... endpoint secret).
	WebhookSecret string

	// MaxBodyBytes caps webhook request bodies. Default: 256 KiB
	MaxBodyBytes int64

	// RateLimit is the number of webhook requests allowed per client IP
	// within RateLimitWindow. Default: 100 per minute
	RateLimit       int
	RateLimitWindow time.Duration

	// OnProcessed is an optional hook called after each verified event has
	// been acknowledged. It must not block.
	OnProcessed func(WebhookEvent)

	// Metrics is an optional metrics collector for tracking webhook traffic.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.NewMetrics(reg, namespace) for Prometheus metrics.
	Metrics Metrics
}
