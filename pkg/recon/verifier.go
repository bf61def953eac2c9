package recon

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Verifier authenticates a raw payload against its claimed signature and
// returns the parsed event. Implementations must check the signature over the
// exact raw bytes before interpreting any JSON.
type Verifier interface {
	Verify(payload []byte, signature string) (*Event, error)
}

// HMACVerifier verifies hex encoded HMAC-SHA256 signatures of the raw body
// and decodes the generic processor envelope.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier creates a verifier for the given shared secret
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

// Sign returns the hex HMAC-SHA256 signature of payload
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *HMACVerifier) Verify(payload []byte, signature string) (*Event, error) {
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: no signing secret configured", ErrVerification)
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrVerification)
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed signature", ErrVerification)
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrVerification)
	}

	return DecodeEnvelope(payload)
}

// expandableID decodes a field that is either an id string or an expanded
// object carrying an "id".
type expandableID string

func (x *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*x = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*x = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*x = expandableID(obj.ID)
	return nil
}

type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object envelopeObject `json:"object"`
	} `json:"data"`
}

type envelopeObject struct {
	ID               string            `json:"id"`
	Object           string            `json:"object"`
	Mode             string            `json:"mode"`
	PaymentIntent    expandableID      `json:"payment_intent"`
	Customer         expandableID      `json:"customer"`
	Subscription     expandableID      `json:"subscription"`
	AmountTotal      int64             `json:"amount_total"`
	AmountPaid       int64             `json:"amount_paid"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`

	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription expandableID      `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// DecodeEnvelope parses an already authenticated processor envelope.
// Callers must verify the signature first.
func DecodeEnvelope(payload []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrVerification, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: envelope missing id or type", ErrVerification)
	}

	obj := env.Data.Object
	ev := &Event{
		ID:              env.ID,
		Type:            EventType(env.Type),
		Mode:            CheckoutMode(obj.Mode),
		PaymentIntentID: string(obj.PaymentIntent),
		CustomerID:      string(obj.Customer),
		SubscriptionID:  string(obj.Subscription),
		AmountTotal:     obj.AmountTotal,
		Currency:        strings.ToLower(obj.Currency),
		Status:          obj.Status,
	}
	if env.Created > 0 {
		ev.Created = time.Unix(env.Created, 0).UTC()
	}
	if obj.CurrentPeriodEnd > 0 {
		end := time.Unix(obj.CurrentPeriodEnd, 0).UTC()
		ev.CurrentPeriodEnd = &end
	}

	metadata := make(map[string]string, len(obj.Metadata))
	for k, v := range obj.Metadata {
		metadata[k] = v
	}

	switch obj.Object {
	case "checkout.session":
		ev.SessionID = obj.ID
	case "subscription":
		ev.SubscriptionID = obj.ID
	case "invoice":
		if ev.AmountTotal == 0 {
			ev.AmountTotal = obj.AmountPaid
		}
		var inherited map[string]string
		if obj.SubscriptionDetails != nil {
			inherited = obj.SubscriptionDetails.Metadata
		}
		if obj.Parent != nil && obj.Parent.SubscriptionDetails != nil {
			details := obj.Parent.SubscriptionDetails
			if ev.SubscriptionID == "" {
				ev.SubscriptionID = string(details.Subscription)
			}
			if len(inherited) == 0 {
				inherited = details.Metadata
			}
		}
		for k, v := range inherited {
			if _, ok := metadata[k]; !ok {
				metadata[k] = v
			}
		}
	}

	ev.Metadata = ParseMetadata(metadata)
	return ev, nil
}
