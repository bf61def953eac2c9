package billing

import (
	"errors"
	"fmt"
)

// ErrProviderNotConfigured is the base error for an unusable provider Config
var ErrProviderNotConfigured = errors.New("billing provider not configured")

var (
	ErrMissingEngine        = fmt.Errorf("%w: engine is required", ErrProviderNotConfigured)
	ErrMissingWebhookSecret = fmt.Errorf("%w: webhook secret is required", ErrProviderNotConfigured)
)
