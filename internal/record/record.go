// Package record holds the durable payment record: the single source of
// truth for one payment attempt as synchronous verify calls and
// asynchronous webhook deliveries race to update it.
package record

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/money"
)

// Status is the lifecycle state of a payment record.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRequiresAction Status = "requires_action"
	StatusProcessing     Status = "processing"
	StatusVerified       Status = "verified"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
	StatusRefunded       Status = "refunded"
	StatusCanceled       Status = "canceled"
)

// MaxWebhookEvents caps the audit log kept on a record. Providers replay
// webhooks aggressively; only the most recent entries are retained.
const MaxWebhookEvents = 50

// WebhookEvent is one entry in the record's audit log.
type WebhookEvent struct {
	EventID    string         `json:"event_id,omitempty"`
	Type       string         `json:"type"`
	ReceivedAt time.Time      `json:"received_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Metadata accumulates provider responses and the webhook audit log.
// Extra is merge-only; Events is append-only up to MaxWebhookEvents.
type Metadata struct {
	Extra  map[string]any `json:"extra,omitempty"`
	Events []WebhookEvent `json:"events,omitempty"`
}

// Record correlates an order with a gateway and the gateway-assigned
// reference. Mutations must go through a repository Mutate call so that
// concurrent webhook and verify writers are serialized per reference.
type Record struct {
	ID               string
	OrderID          string
	GatewayName      string
	GatewayReference string
	Amount           decimal.Decimal
	Currency         string
	Status           Status
	PaymentMethod    string
	PayerInfo        map[string]string
	Metadata         Metadata
	WebhookReceived  bool
	FailureReason    string

	CreatedAt  time.Time
	VerifiedAt *time.Time
	CapturedAt *time.Time
	RefundedAt *time.Time
	CanceledAt *time.Time

	// Version increments on every persisted mutation; repositories use
	// it for compare-and-swap updates.
	Version int64
}

// New builds a record for a freshly accepted payment. The amount must
// already be validated positive by the gateway.
func New(orderID, gatewayName, gatewayReference string, amount decimal.Decimal, currency string, status Status) *Record {
	return &Record{
		ID:               uuid.NewString(),
		OrderID:          orderID,
		GatewayName:      gatewayName,
		GatewayReference: gatewayReference,
		Amount:           money.ForStorage(amount),
		Currency:         currency,
		Status:           status,
		CreatedAt:        time.Now().UTC(),
	}
}

var transitions = map[Status][]Status{
	StatusPending:        {StatusRequiresAction, StatusProcessing, StatusVerified, StatusSucceeded, StatusFailed, StatusCanceled},
	StatusRequiresAction: {StatusProcessing, StatusVerified, StatusSucceeded, StatusFailed, StatusCanceled},
	StatusProcessing:     {StatusVerified, StatusSucceeded, StatusFailed, StatusRefunded},
	StatusSucceeded:      {StatusVerified, StatusRefunded},
	StatusVerified:       {StatusRefunded},
	StatusFailed:         {},
	StatusRefunded:       {},
	StatusCanceled:       {},
}

// CanTransition reports whether moving from one status to another is a
// legal state-machine step. Self-transitions are allowed no-ops.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status admits no further transitions.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsSettled reports whether the payment has reached terminal success.
func (s Status) IsSettled() bool {
	return s == StatusSucceeded || s == StatusVerified
}

// Transition applies a status change if legal and returns whether the
// record actually moved. Illegal transitions (including any attempt to
// regress a terminal state) are rejected without mutating the record;
// the caller decides whether that is an error or an expected replay.
func (r *Record) Transition(to Status) bool {
	if r.Status == to {
		return false
	}
	if !CanTransition(r.Status, to) {
		return false
	}
	r.Status = to
	now := time.Now().UTC()
	switch to {
	case StatusRefunded:
		r.RefundedAt = &now
	case StatusCanceled:
		r.CanceledAt = &now
	}
	return true
}

// MarkVerified moves the record to verified, stamps the verification
// time once, and merges any supporting data into metadata.
func (r *Record) MarkVerified(data map[string]any) bool {
	moved := r.Transition(StatusVerified)
	if moved && r.VerifiedAt == nil {
		now := time.Now().UTC()
		r.VerifiedAt = &now
	}
	r.MergeMetadata(data)
	return moved
}

// MarkFailed moves the record to failed and records the reason.
func (r *Record) MarkFailed(reason string) bool {
	moved := r.Transition(StatusFailed)
	if moved {
		r.FailureReason = reason
		r.MergeMetadata(map[string]any{"failure_reason": reason})
	}
	return moved
}

// MarkCaptured stamps the capture time and merges the capture response.
func (r *Record) MarkCaptured(data map[string]any) {
	now := time.Now().UTC()
	r.CapturedAt = &now
	r.MergeMetadata(data)
}

// MergeMetadata folds provider response data into the record. Existing
// keys are overwritten; the webhook event log is untouched.
func (r *Record) MergeMetadata(data map[string]any) {
	if len(data) == 0 {
		return
	}
	if r.Metadata.Extra == nil {
		r.Metadata.Extra = make(map[string]any, len(data))
	}
	for k, v := range data {
		r.Metadata.Extra[k] = v
	}
}

// HasWebhookEvent reports whether an event id is already in the audit
// log. Replayed deliveries are detected with this before any side effect
// runs. An empty id never matches.
func (r *Record) HasWebhookEvent(eventID string) bool {
	if eventID == "" {
		return false
	}
	for _, ev := range r.Metadata.Events {
		if ev.EventID == eventID {
			return true
		}
	}
	return false
}

// AppendWebhookEvent records a delivery in the audit log and flips the
// WebhookReceived flag. The log is capped at MaxWebhookEvents; the
// oldest entries are dropped first.
func (r *Record) AppendWebhookEvent(ev WebhookEvent) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	r.WebhookReceived = true
	r.Metadata.Events = append(r.Metadata.Events, ev)
	if n := len(r.Metadata.Events); n > MaxWebhookEvents {
		r.Metadata.Events = r.Metadata.Events[n-MaxWebhookEvents:]
	}
}

// Clone returns a deep copy. Repositories hand copies out so callers
// never share memory with the stored record.
func (r *Record) Clone() *Record {
	cp := *r
	if r.PayerInfo != nil {
		cp.PayerInfo = make(map[string]string, len(r.PayerInfo))
		for k, v := range r.PayerInfo {
			cp.PayerInfo[k] = v
		}
	}
	if r.Metadata.Extra != nil {
		cp.Metadata.Extra = make(map[string]any, len(r.Metadata.Extra))
		for k, v := range r.Metadata.Extra {
			cp.Metadata.Extra[k] = v
		}
	}
	if r.Metadata.Events != nil {
		cp.Metadata.Events = append([]WebhookEvent(nil), r.Metadata.Events...)
	}
	return &cp
}
