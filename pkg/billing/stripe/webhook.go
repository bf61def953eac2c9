package stripe

import (
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/payrecon/pkg/billing"
	"github.com/mihaimyh/payrecon/pkg/billing/internal"
	"github.com/mihaimyh/payrecon/pkg/recon"
)

// handleWebhook verifies and reconciles one Stripe delivery.
// 200 acknowledges (including duplicates and events queued for manual
// reconciliation), 400 rejects a bad signature, 503 asks Stripe to retry.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, p.maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordRejected(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordRejected(providerName, "invalid_body")
		}
		return
	}

	res := p.engine.ProcessWith(r.Context(), p.verifier, body, r.Header.Get(signatureHeader))
	status, ack := recon.Acknowledge(res)

	eventType := string(res.EventType)
	if eventType == "" {
		eventType = "unknown"
	}
	if res.Kind == recon.KindVerification {
		p.metrics.RecordRejected(providerName, "bad_signature")
	}

	if err := internal.WriteJSON(w, status, ack); err != nil {
		p.metrics.RecordRejected(providerName, "write_failed")
	}

	p.metrics.RecordDelivery(providerName, eventType, string(res.Outcome), status)
	p.metrics.RecordDeliveryDuration(providerName, eventType, time.Since(startTime))

	if p.onProcessed != nil && res.Kind != recon.KindVerification {
		p.onProcessed(billing.WebhookEvent{
			Provider:   providerName,
			EventID:    res.EventID,
			EventType:  string(res.EventType),
			StatusCode: status,
			Result:     res,
			ReceivedAt: startTime,
		})
	}
}
