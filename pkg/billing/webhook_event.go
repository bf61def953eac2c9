package billing

import (
	"time"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

// WebhookEvent describes one acknowledged webhook delivery.
// It is passed to Config.OnProcessed after the response status is decided.
type WebhookEvent struct {
	// Provider is the payment processor name ("stripe")
	Provider string

	// EventID and EventType are the processor's event id and type
	EventID   string
	EventType string

	// StatusCode is the HTTP status returned to the processor
	StatusCode int

	// Result is the engine's tagged outcome
	Result recon.Result

	// ReceivedAt is when the request arrived
	ReceivedAt time.Time
}
