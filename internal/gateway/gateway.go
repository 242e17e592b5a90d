// Package gateway defines the capability contract every payment backend
// implements and the value types their operations return. Expected
// business outcomes (declined payment, missing payer, unknown provider
// event) travel as values; only validation and configuration mistakes
// surface as errors.
package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/order"
)

// Settings is the stored configuration record a gateway is constructed
// from: resolved once, immutable afterwards.
type Settings struct {
	Name     string
	Driver   string
	Config   map[string]string
	Active   bool
	Priority int
}

// ConfigValue returns a config entry or the empty string.
func (s Settings) ConfigValue(key string) string {
	return s.Config[key]
}

// Options carries caller-supplied knobs for a single initiate call.
type Options struct {
	Gateway       string
	Currency      string
	Description   string
	CustomerEmail string
	CustomerName  string
	// PayerType/PayerID identify the funds source for wallet payments.
	PayerType string
	PayerID   string
	// ReturnURL/CancelURL override the configured redirect targets for
	// redirect-based processors.
	ReturnURL string
	CancelURL string
	// CaptureMethod selects automatic or manual capture where the
	// processor supports both.
	CaptureMethod string
	Extra         map[string]string
}

// Response is the outcome of initiate, refund and the manual
// confirm/capture/cancel operations.
type Response struct {
	Success          bool
	GatewayReference string
	RedirectURL      string
	ErrorMessage     string
	Raw              map[string]any
	RequiresAction   bool
	ActionData       map[string]any
}

// Failure builds an unsuccessful Response with a stable reason string.
func Failure(reason string, raw map[string]any) Response {
	if raw == nil {
		raw = map[string]any{"error": reason}
	}
	return Response{Success: false, ErrorMessage: reason, Raw: raw}
}

// Verification is the outcome of re-querying a payment's status.
type Verification struct {
	Verified   bool
	OrderID    string
	Gateway    string
	Status     string
	VerifiedAt *time.Time
	Data       map[string]any
}

// WebhookResult is the outcome of ingesting one provider notification.
// ShouldProcess=false covers every non-actionable case: bad signature,
// unknown reference, unrecognized event type, replayed delivery.
type WebhookResult struct {
	EventType        string
	GatewayReference string
	Payload          map[string]any
	ShouldProcess    bool
	Response         map[string]any
}

// Gateway is the capability set shared by all payment backends.
type Gateway interface {
	// Name returns the configured gateway name, e.g. "stripe".
	Name() string

	// Enabled reports whether the stored configuration activates this
	// gateway. The registry refuses to dispatch to a disabled gateway.
	Enabled() bool

	// Config exposes the immutable configuration map.
	Config() map[string]string

	// Initiate validates the order total, opens the payment with the
	// provider and, only on provider acceptance, writes exactly one
	// payment record. Provider-side rejection returns an unsuccessful
	// Response and no record; a timed-out call is treated the same way
	// even though the provider-side outcome is then unknown — the
	// caller may retry and the provider's idempotency rules absorb it.
	Initiate(ctx context.Context, ord order.Order, opts Options) (Response, error)

	// Verify re-queries the provider (or local state) for the payment
	// identified by the gateway reference, reconciles the record, and
	// completes the order exactly once on terminal success.
	Verify(ctx context.Context, reference string, data map[string]string) (Verification, error)

	// Refund returns funds for a settled payment. A nil amount means a
	// full refund. Missing records, missing payer info and missing
	// captures are business rejections carried in the Response.
	Refund(ctx context.Context, reference string, amount *decimal.Decimal) (Response, error)

	// SupportsWebhook reports whether a webhook secret is configured.
	SupportsWebhook() bool

	// HandleWebhook ingests one raw notification. The signature header
	// is an explicit argument; handlers never read ambient transport
	// state. All failures are carried in the result, never panics or
	// hard errors, so a poison message cannot put the provider into an
	// endless retry loop.
	HandleWebhook(ctx context.Context, body []byte, signature string) (WebhookResult, error)
}

// Factory builds a gateway from its stored settings. Construction fails
// hard on missing credentials; deferring that to the first payment
// would hide a deployment mistake.
type Factory func(Settings) (Gateway, error)
