// Package stripe implements the intent-based processor gateway on the
// Stripe PaymentIntents API. Payments may require multi-step
// confirm/capture, and completion usually arrives over webhooks.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/gateway"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/money"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/order"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/record"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/webhook"
)

const (
	DriverName        = "stripe"
	defaultAPIBaseURL = "https://api.stripe.com/v1"
	defaultTimeout    = 10 * time.Second
)

type Gateway struct {
	settings   gateway.Settings
	httpClient *http.Client
	apiBaseURL string
	secretKey  string
	publicKey  string
	verifier   *webhook.Verifier
	records    record.Repository
	orders     order.Resolver
}

// New constructs the gateway from its stored settings. A missing secret
// key is fatal here rather than at the first payment. The config keys
// "api_base" and "webhook_secret" override the API endpoint (tests) and
// enable webhook support respectively.
func New(settings gateway.Settings, records record.Repository, orders order.Resolver, requireSignature bool) (*Gateway, error) {
	secretKey := settings.ConfigValue("secret_key")
	if secretKey == "" {
		return nil, &gateway.ConfigError{Gateway: settings.Name, Reason: "secret key is not configured"}
	}
	g := &Gateway{
		settings:   settings,
		httpClient: &http.Client{Timeout: defaultTimeout},
		apiBaseURL: defaultAPIBaseURL,
		secretKey:  secretKey,
		publicKey:  settings.ConfigValue("public_key"),
		records:    records,
		orders:     orders,
	}
	if base := settings.ConfigValue("api_base"); base != "" {
		g.apiBaseURL = base
	}
	if secret := settings.ConfigValue("webhook_secret"); secret != "" {
		g.verifier = webhook.NewVerifier(secret, requireSignature)
	}
	return g, nil
}

func (g *Gateway) Name() string              { return g.settings.Name }
func (g *Gateway) Enabled() bool             { return g.settings.Active }
func (g *Gateway) Config() map[string]string { return g.settings.Config }
func (g *Gateway) SupportsWebhook() bool     { return g.verifier != nil }

// intent is the subset of the PaymentIntent resource this gateway reads.
type intent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret"`
	Customer     string `json:"customer"`
	LatestCharge string `json:"latest_charge"`
	NextAction   *struct {
		Type          string `json:"type"`
		RedirectToURL *struct {
			URL string `json:"url"`
		} `json:"redirect_to_url"`
	} `json:"next_action"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (g *Gateway) Initiate(ctx context.Context, ord order.Order, opts gateway.Options) (gateway.Response, error) {
	if err := gateway.ValidateOrderTotal(ord.Total()); err != nil {
		return gateway.Response{}, err
	}
	currency, err := money.NormalizeCurrency(opts.Currency)
	if err != nil {
		return gateway.Response{}, err
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(money.ToMinorUnits(ord.Total()), 10))
	form.Set("currency", strings.ToLower(currency))
	form.Set("payment_method_types[]", "card")
	form.Set("metadata[order_id]", ord.ID())
	if opts.Description != "" {
		form.Set("description", opts.Description)
	} else {
		form.Set("description", fmt.Sprintf("Order #%s", ord.ID()))
	}
	captureMethod := opts.CaptureMethod
	if captureMethod == "" {
		captureMethod = "automatic"
	}
	form.Set("capture_method", captureMethod)
	if opts.CustomerEmail != "" {
		form.Set("receipt_email", opts.CustomerEmail)
		customerID, err := g.findOrCreateCustomer(ctx, opts.CustomerEmail, opts.CustomerName)
		if err != nil {
			return gateway.Failure(err.Error(), nil), nil
		}
		form.Set("customer", customerID)
	}

	var pi intent
	raw, err := g.doForm(ctx, http.MethodPost, "/payment_intents", form, &pi)
	if err != nil {
		// Includes timeouts: provider acceptance is unconfirmed, so no
		// record is written and the caller may retry.
		return gateway.Failure(err.Error(), raw), nil
	}

	rec := record.New(ord.ID(), g.Name(), pi.ID, ord.Total(), currency, statusFromIntent(pi.Status))
	rec.PaymentMethod = DriverName
	if pi.Customer != "" || opts.CustomerEmail != "" {
		rec.PayerInfo = map[string]string{
			"customer_id": pi.Customer,
			"email":       opts.CustomerEmail,
			"name":        opts.CustomerName,
		}
	}
	rec.MergeMetadata(map[string]any{
		"payment_intent": raw,
		"client_secret":  pi.ClientSecret,
	})
	if err := g.records.Create(ctx, rec); err != nil {
		return gateway.Response{}, fmt.Errorf("stripe: create payment record: %w", err)
	}

	requiresAction := pi.Status == "requires_action" ||
		pi.Status == "requires_confirmation" ||
		pi.Status == "requires_payment_method"

	errorMessage := ""
	if pi.LastPaymentError != nil {
		errorMessage = pi.LastPaymentError.Message
	}

	return gateway.Response{
		Success:          pi.Status != "canceled",
		GatewayReference: pi.ID,
		ErrorMessage:     errorMessage,
		Raw: map[string]any{
			"client_secret":  pi.ClientSecret,
			"payment_intent": raw,
			"payment_id":     rec.ID,
		},
		RequiresAction: requiresAction,
		ActionData:     g.buildActionData(&pi),
	}, nil
}

func (g *Gateway) Verify(ctx context.Context, reference string, _ map[string]string) (gateway.Verification, error) {
	var pi intent
	raw, err := g.doForm(ctx, http.MethodGet, "/payment_intents/"+reference, nil, &pi)
	if err != nil {
		return gateway.Verification{
			Gateway: g.Name(),
			Status:  string(record.StatusFailed),
			Data:    map[string]any{"error": err.Error()},
		}, nil
	}

	var orderID string
	var becameSettled bool
	updated, mutErr := g.records.Mutate(ctx, g.Name(), reference, func(r *record.Record) error {
		orderID = r.OrderID
		wasSettled := r.Status.IsSettled()
		r.Transition(statusFromIntent(pi.Status))
		r.MergeMetadata(map[string]any{
			"verification_response": raw,
			"verified_at":           time.Now().UTC().Format(time.RFC3339),
		})
		if pi.Status == "succeeded" {
			r.MarkVerified(map[string]any{"stripe_verified": true})
		}
		becameSettled = !wasSettled && r.Status.IsSettled()
		return nil
	})
	if mutErr != nil && !errors.Is(mutErr, record.ErrNotFound) {
		return gateway.Verification{}, fmt.Errorf("stripe: update record for %s: %w", reference, mutErr)
	}
	if becameSettled {
		g.completeOrder(ctx, orderID)
	}

	isVerified := pi.Status == "succeeded" || pi.Status == "processing"
	ver := gateway.Verification{
		Verified: isVerified,
		OrderID:  orderID,
		Gateway:  g.Name(),
		Status:   pi.Status,
		Data:     map[string]any{"payment_intent": raw},
	}
	if updated != nil {
		ver.VerifiedAt = updated.VerifiedAt
	}
	return ver, nil
}

func (g *Gateway) Refund(ctx context.Context, reference string, amount *decimal.Decimal) (gateway.Response, error) {
	var pi intent
	_, err := g.doForm(ctx, http.MethodGet, "/payment_intents/"+reference, nil, &pi)
	if err != nil {
		return gateway.Failure(err.Error(), nil), nil
	}
	if pi.LatestCharge == "" {
		return gateway.Failure("No charge found for this payment", nil), nil
	}

	form := url.Values{}
	form.Set("charge", pi.LatestCharge)
	if amount != nil {
		form.Set("amount", strconv.FormatInt(money.ToMinorUnits(*amount), 10))
	}

	var refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	raw, err := g.doForm(ctx, http.MethodPost, "/refunds", form, &refund)
	if err != nil {
		return gateway.Failure(err.Error(), raw), nil
	}

	_, _ = g.records.Mutate(ctx, g.Name(), reference, func(r *record.Record) error {
		r.Transition(record.StatusRefunded)
		r.MergeMetadata(map[string]any{
			"refund":      raw,
			"refunded_at": time.Now().UTC().Format(time.RFC3339),
		})
		return nil
	})

	errorMessage := ""
	if refund.Status != "succeeded" {
		errorMessage = "Refund failed"
	}
	return gateway.Response{
		Success:          refund.Status == "succeeded",
		GatewayReference: refund.ID,
		ErrorMessage:     errorMessage,
		Raw:              map[string]any{"stripe_refund": raw},
	}, nil
}

// Confirm advances a manually confirmed intent.
func (g *Gateway) Confirm(ctx context.Context, reference string, data map[string]string) (gateway.Response, error) {
	form := url.Values{}
	if pm := data["payment_method"]; pm != "" {
		form.Set("payment_method", pm)
	}
	if ret := data["return_url"]; ret != "" {
		form.Set("return_url", ret)
	}

	var pi intent
	raw, err := g.doForm(ctx, http.MethodPost, "/payment_intents/"+reference+"/confirm", form, &pi)
	if err != nil {
		return gateway.Failure(err.Error(), raw), nil
	}

	errorMessage := ""
	if pi.LastPaymentError != nil {
		errorMessage = pi.LastPaymentError.Message
	}
	return gateway.Response{
		Success:          pi.Status == "succeeded" || pi.Status == "processing",
		GatewayReference: pi.ID,
		ErrorMessage:     errorMessage,
		Raw:              map[string]any{"payment_intent": raw},
	}, nil
}

// Capture finalizes a manually captured intent and stamps the record.
func (g *Gateway) Capture(ctx context.Context, reference string, amountToCapture *decimal.Decimal) (gateway.Response, error) {
	form := url.Values{}
	if amountToCapture != nil {
		form.Set("amount_to_capture", strconv.FormatInt(money.ToMinorUnits(*amountToCapture), 10))
	}

	var pi intent
	raw, err := g.doForm(ctx, http.MethodPost, "/payment_intents/"+reference+"/capture", form, &pi)
	if err != nil {
		return gateway.Failure(err.Error(), raw), nil
	}

	var orderID string
	var becameSettled bool
	_, _ = g.records.Mutate(ctx, g.Name(), reference, func(r *record.Record) error {
		orderID = r.OrderID
		wasSettled := r.Status.IsSettled()
		r.Transition(statusFromIntent(pi.Status))
		r.MarkCaptured(map[string]any{"capture_response": raw})
		if pi.Status == "succeeded" {
			r.MarkVerified(map[string]any{"manually_captured": true})
		}
		becameSettled = !wasSettled && r.Status.IsSettled()
		return nil
	})
	if becameSettled {
		g.completeOrder(ctx, orderID)
	}

	return gateway.Response{
		Success:          pi.Status == "succeeded",
		GatewayReference: pi.ID,
		Raw:              map[string]any{"payment_intent": raw},
	}, nil
}

// Cancel voids an intent that has not been captured.
func (g *Gateway) Cancel(ctx context.Context, reference, reason string) (gateway.Response, error) {
	form := url.Values{}
	if reason != "" {
		form.Set("cancellation_reason", reason)
	}

	var pi intent
	raw, err := g.doForm(ctx, http.MethodPost, "/payment_intents/"+reference+"/cancel", form, &pi)
	if err != nil {
		return gateway.Failure(err.Error(), raw), nil
	}

	_, _ = g.records.Mutate(ctx, g.Name(), reference, func(r *record.Record) error {
		r.Transition(record.StatusCanceled)
		r.MergeMetadata(map[string]any{
			"canceled_at":         time.Now().UTC().Format(time.RFC3339),
			"cancellation_reason": reason,
		})
		return nil
	})

	return gateway.Response{
		Success:          true,
		GatewayReference: pi.ID,
		Raw:              map[string]any{"payment_intent": raw},
	}, nil
}

// event is the webhook envelope subset this gateway reads.
type event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string `json:"id"`
			Status        string `json:"status"`
			PaymentIntent string `json:"payment_intent"`
		} `json:"object"`
	} `json:"data"`
}

// processableEvents maps event types to the transition they drive. Event
// types outside the table are recorded but not processed.
var processableEvents = map[string]record.Status{
	"payment_intent.succeeded":      record.StatusSucceeded,
	"charge.succeeded":              record.StatusSucceeded,
	"payment_intent.payment_failed": record.StatusFailed,
	"charge.failed":                 record.StatusFailed,
	"payment_intent.canceled":       record.StatusCanceled,
	"charge.refunded":               record.StatusRefunded,
}

// observedEvents drive a non-terminal status update without counting as
// processable.
var observedEvents = map[string]record.Status{
	"payment_intent.requires_action": record.StatusRequiresAction,
	"payment_intent.processing":      record.StatusProcessing,
}

func (g *Gateway) HandleWebhook(ctx context.Context, body []byte, signature string) (gateway.WebhookResult, error) {
	var payload map[string]any
	_ = json.Unmarshal(body, &payload)

	if g.verifier == nil {
		return gateway.WebhookResult{}, fmt.Errorf("%w: %s", gateway.ErrWebhookUnsupported, g.Name())
	}
	if err := g.verifier.Verify(body, signature); err != nil {
		return gateway.WebhookResult{
			EventType:     "signature_verification_failed",
			Payload:       payload,
			ShouldProcess: false,
			Response:      map[string]any{"error": err.Error(), "signature_invalid": true},
		}, nil
	}

	var ev event
	if err := json.Unmarshal(body, &ev); err != nil || ev.Type == "" {
		return gateway.WebhookResult{
			EventType:     "error",
			Payload:       payload,
			ShouldProcess: false,
			Response:      map[string]any{"error": "malformed event payload"},
		}, nil
	}

	// Charge events reference their intent; intent events carry the
	// reference directly.
	reference := ev.Data.Object.ID
	if ev.Data.Object.PaymentIntent != "" {
		reference = ev.Data.Object.PaymentIntent
	}

	_, processable := processableEvents[ev.Type]

	var (
		duplicate     bool
		becameSettled bool
		orderID       string
		recordID      string
		recordStatus  record.Status
	)
	updated, err := g.records.Mutate(ctx, g.Name(), reference, func(r *record.Record) error {
		orderID = r.OrderID
		recordID = r.ID
		duplicate = r.HasWebhookEvent(ev.ID)
		r.AppendWebhookEvent(record.WebhookEvent{EventID: ev.ID, Type: ev.Type, Payload: payload})
		if duplicate {
			return nil
		}
		wasSettled := r.Status.IsSettled()
		switch {
		case ev.Type == "payment_intent.succeeded" || ev.Type == "charge.succeeded":
			r.Transition(record.StatusSucceeded)
			r.MarkVerified(map[string]any{"webhook_verified": true})
		case ev.Type == "payment_intent.payment_failed" || ev.Type == "charge.failed":
			r.MarkFailed("Payment failed via webhook")
		case processable:
			r.Transition(processableEvents[ev.Type])
		default:
			if st, ok := observedEvents[ev.Type]; ok {
				r.Transition(st)
			}
		}
		becameSettled = !wasSettled && r.Status.IsSettled()
		return nil
	})
	if err != nil {
		// Unknown references are expected: providers send events for
		// payments this system never tracked. Anything else is still
		// reported as a non-processed result so the provider does not
		// retry a poison message forever.
		msg := err.Error()
		if errors.Is(err, record.ErrNotFound) {
			msg = "Payment record not found"
		}
		return gateway.WebhookResult{
			EventType:        ev.Type,
			GatewayReference: reference,
			Payload:          payload,
			ShouldProcess:    false,
			Response:         map[string]any{"error": msg, "event_type": ev.Type},
		}, nil
	}
	recordStatus = updated.Status

	if becameSettled {
		g.completeOrder(ctx, orderID)
	}

	return gateway.WebhookResult{
		EventType:        ev.Type,
		GatewayReference: reference,
		Payload:          payload,
		ShouldProcess:    processable && !duplicate,
		Response: map[string]any{
			"success":        true,
			"payment_id":     recordID,
			"payment_status": string(recordStatus),
		},
	}, nil
}

func (g *Gateway) completeOrder(ctx context.Context, orderID string) {
	if g.orders == nil || orderID == "" {
		return
	}
	if ord, err := g.orders.Find(ctx, orderID); err == nil {
		ord.Complete()
	}
}

func (g *Gateway) buildActionData(pi *intent) map[string]any {
	actionData := map[string]any{}
	if pi.Status == "requires_action" && pi.NextAction != nil {
		switch {
		case pi.NextAction.Type == "redirect_to_url" && pi.NextAction.RedirectToURL != nil:
			actionData["type"] = "redirect"
			actionData["redirect_url"] = pi.NextAction.RedirectToURL.URL
		case pi.NextAction.Type == "use_stripe_sdk":
			actionData["type"] = "stripe_sdk"
			actionData["client_secret"] = pi.ClientSecret
		}
	}
	actionData["stripe_config"] = map[string]any{"publishable_key": g.publicKey}
	return actionData
}

func (g *Gateway) findOrCreateCustomer(ctx context.Context, email, name string) (string, error) {
	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	query := url.Values{}
	query.Set("email", email)
	query.Set("limit", "1")
	_, err := g.doForm(ctx, http.MethodGet, "/customers?"+query.Encode(), nil, &list)
	if err != nil {
		return "", fmt.Errorf("stripe: look up customer: %w", err)
	}
	if len(list.Data) > 0 {
		return list.Data[0].ID, nil
	}

	form := url.Values{}
	form.Set("email", email)
	if name != "" {
		form.Set("name", name)
	}
	var customer struct {
		ID string `json:"id"`
	}
	_, err = g.doForm(ctx, http.MethodPost, "/customers", form, &customer)
	if err != nil {
		return "", fmt.Errorf("stripe: create customer: %w", err)
	}
	return customer.ID, nil
}

// doForm performs one form-encoded API call, decodes the JSON response
// into out, and returns the raw decoded body for metadata. Non-2xx
// responses and transport failures come back as errors carrying the
// provider's message.
func (g *Gateway) doForm(ctx context.Context, method, path string, form url.Values, out any) (map[string]any, error) {
	var bodyReader io.Reader
	if form != nil && method != http.MethodGet {
		bodyReader = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, g.apiBaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("stripe: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stripe: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("stripe: read response: %w", err)
	}

	var raw map[string]any
	_ = json.Unmarshal(respBody, &raw)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
				Code    string `json:"code"`
			} `json:"error"`
		}
		_ = json.Unmarshal(respBody, &apiErr)
		msg := apiErr.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return raw, fmt.Errorf("stripe: %s", msg)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return raw, fmt.Errorf("stripe: decode response: %w", err)
		}
	}
	return raw, nil
}

func statusFromIntent(s string) record.Status {
	switch s {
	case "succeeded":
		return record.StatusSucceeded
	case "processing":
		return record.StatusProcessing
	case "requires_action", "requires_confirmation", "requires_payment_method":
		return record.StatusRequiresAction
	case "canceled":
		return record.StatusCanceled
	default:
		return record.StatusPending
	}
}
