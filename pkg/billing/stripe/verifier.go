package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

// Verifier checks the Stripe-Signature header (timestamped HMAC-SHA256 with
// replay tolerance) and decodes the event into a recon.Event.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a verifier for a webhook endpoint secret (whsec_...).
// A zero tolerance uses the library default of five minutes.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: strings.TrimSpace(secret), tolerance: tolerance}
}

func (v *Verifier) Verify(payload []byte, signature string) (*recon.Event, error) {
	if v.secret == "" {
		return nil, fmt.Errorf("%w: no signing secret configured", recon.ErrVerification)
	}
	if signature == "" {
		return nil, fmt.Errorf("%w: missing Stripe-Signature header", recon.ErrVerification)
	}

	// Account API version may lag the library's pinned version; the fields
	// read below are stable across both.
	sev, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", recon.ErrVerification, err)
	}

	ev, err := recon.DecodeEnvelope(payload)
	if err != nil {
		return nil, err
	}
	if sev.Data == nil || len(sev.Data.Raw) == 0 {
		return ev, nil
	}

	switch recon.EventType(sev.Type) {
	case recon.EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(sev.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: decode checkout session: %v", recon.ErrVerification, err)
		}
		applySession(ev, &session)
	case recon.EventSubscriptionCreated, recon.EventSubscriptionUpdated, recon.EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(sev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", recon.ErrVerification, err)
		}
		applySubscription(ev, &sub)
	}
	return ev, nil
}

func applySession(ev *recon.Event, s *stripe.CheckoutSession) {
	ev.SessionID = s.ID
	if s.Mode != "" {
		ev.Mode = recon.CheckoutMode(s.Mode)
	}
	if s.PaymentIntent != nil && s.PaymentIntent.ID != "" {
		ev.PaymentIntentID = s.PaymentIntent.ID
	}
	if s.Customer != nil && s.Customer.ID != "" {
		ev.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil && s.Subscription.ID != "" {
		ev.SubscriptionID = s.Subscription.ID
	}
	if s.AmountTotal > 0 {
		ev.AmountTotal = s.AmountTotal
	}
	if s.Currency != "" {
		ev.Currency = strings.ToLower(string(s.Currency))
	}
}

// applySubscription fills the period end from subscription items. Newer API
// versions only report current_period_end per item.
func applySubscription(ev *recon.Event, sub *stripe.Subscription) {
	ev.SubscriptionID = sub.ID
	if sub.Status != "" {
		ev.Status = string(sub.Status)
	}
	if sub.Customer != nil && sub.Customer.ID != "" {
		ev.CustomerID = sub.Customer.ID
	}
	if ev.CurrentPeriodEnd != nil || sub.Items == nil {
		return
	}
	var latest int64
	for _, item := range sub.Items.Data {
		if item != nil && item.CurrentPeriodEnd > latest {
			latest = item.CurrentPeriodEnd
		}
	}
	if latest > 0 {
		end := time.Unix(latest, 0).UTC()
		ev.CurrentPeriodEnd = &end
	}
}
