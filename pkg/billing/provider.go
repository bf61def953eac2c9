package billing

import (
	"net/http"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

// Provider is the generic interface that any payment processor integration
// must implement.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// Verifier authenticates the provider's signed webhook payloads.
	Verifier() recon.Verifier

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles verification, reconciliation and acknowledgment.
	WebhookHandler() http.Handler
}
