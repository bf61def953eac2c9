package stripe

import (
	"net/http"
	"time"

	"github.com/mihaimyh/payrecon/pkg/billing"
	"github.com/mihaimyh/payrecon/pkg/billing/internal"
	"github.com/mihaimyh/payrecon/pkg/recon"
)

const (
	providerName             = "stripe"
	signatureHeader          = "Stripe-Signature"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// SignatureTolerance is the maximum age of a signed timestamp.
	// Default: 5 minutes
	SignatureTolerance time.Duration
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	engine       *recon.Engine
	verifier     *Verifier
	rateLimiter  *internal.RateLimiter
	maxBodyBytes int64
	onProcessed  func(billing.WebhookEvent)
	metrics      billing.Metrics
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Engine == nil {
		return nil, billing.ErrMissingEngine
	}
	if config.WebhookSecret == "" {
		return nil, billing.ErrMissingWebhookSecret
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	limit := config.RateLimit
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}
	window := config.RateLimitWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	limiter := internal.NewRateLimiter(limit, window)
	limiter.OnLimited = func(string) { metrics.RecordRejected(providerName, "rate_limited") }

	maxBody := config.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = internal.DefaultMaxBodyBytes
	}

	return &Provider{
		engine:       config.Engine,
		verifier:     NewVerifier(config.WebhookSecret, config.SignatureTolerance),
		rateLimiter:  limiter,
		maxBodyBytes: maxBody,
		onProcessed:  config.OnProcessed,
		metrics:      metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// Verifier returns the Stripe signature verifier
func (p *Provider) Verifier() recon.Verifier {
	return p.verifier
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

var _ billing.Provider = (*Provider)(nil)
