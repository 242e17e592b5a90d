package gateway

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors for the conditions that are programming or
// configuration mistakes rather than business outcomes.
var (
	// ErrInvalidAmount rejects orders with a non-positive total before
	// any provider call is made.
	ErrInvalidAmount = errors.New("gateway: order amount must be greater than zero")
	// ErrDisabled indicates dispatch to a gateway whose stored
	// configuration marks it inactive.
	ErrDisabled = errors.New("gateway: not enabled")
	// ErrWebhookUnsupported indicates a webhook was routed to a gateway
	// with no webhook secret configured.
	ErrWebhookUnsupported = errors.New("gateway: webhooks not supported")
	// ErrNotRegistered indicates an unknown gateway name.
	ErrNotRegistered = errors.New("gateway: not registered")
	// ErrConfigMissing indicates no stored settings exist for a
	// registered gateway name.
	ErrConfigMissing = errors.New("gateway: configuration not found")
	// ErrMissingOption indicates a required initiate option was absent.
	ErrMissingOption = errors.New("gateway: required option missing")
)

// ConfigError wraps a construction-time credential problem with the
// gateway it belongs to. These are fatal at startup by design.
type ConfigError struct {
	Gateway string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("gateway %s: %s", e.Gateway, e.Reason)
}

// ValidateOrderTotal enforces the shared initiate precondition.
func ValidateOrderTotal(total decimal.Decimal) error {
	if !total.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}
