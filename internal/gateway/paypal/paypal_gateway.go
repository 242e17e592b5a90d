// Package paypal implements the redirect-based processor gateway on the
// PayPal Orders v2 API: create order, redirect the payer to an approval
// URL, then capture. Webhooks drive auto-capture and completion.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/gateway"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/money"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/order"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/record"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/webhook"
)

const (
	DriverName = "paypal"

	sandboxAPIBaseURL    = "https://api-m.sandbox.paypal.com"
	productionAPIBaseURL = "https://api-m.paypal.com"
	defaultTimeout       = 15 * time.Second
)

type Gateway struct {
	settings     gateway.Settings
	httpClient   *http.Client
	apiBaseURL   string
	clientID     string
	clientSecret string
	verifier     *webhook.Verifier
	records      record.Repository
	orders       order.Resolver

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New constructs the gateway. Client credentials are mandatory; the
// "mode" config key selects sandbox (default) or production, and
// "webhook_id" doubles as the webhook signing secret.
func New(settings gateway.Settings, records record.Repository, orders order.Resolver, requireSignature bool) (*Gateway, error) {
	clientID := settings.ConfigValue("client_id")
	clientSecret := settings.ConfigValue("client_secret")
	if clientID == "" || clientSecret == "" {
		return nil, &gateway.ConfigError{Gateway: settings.Name, Reason: "client credentials are not configured"}
	}

	apiBase := sandboxAPIBaseURL
	if settings.ConfigValue("mode") == "production" {
		apiBase = productionAPIBaseURL
	}
	if base := settings.ConfigValue("api_base"); base != "" {
		apiBase = base
	}

	g := &Gateway{
		settings:     settings,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		apiBaseURL:   apiBase,
		clientID:     clientID,
		clientSecret: clientSecret,
		records:      records,
		orders:       orders,
	}
	if webhookID := settings.ConfigValue("webhook_id"); webhookID != "" {
		g.verifier = webhook.NewVerifier(webhookID, requireSignature)
	}
	return g, nil
}

func (g *Gateway) Name() string              { return g.settings.Name }
func (g *Gateway) Enabled() bool             { return g.settings.Active }
func (g *Gateway) Config() map[string]string { return g.settings.Config }
func (g *Gateway) SupportsWebhook() bool     { return g.verifier != nil }

// ppOrder is the subset of the Orders v2 resource this gateway reads.
type ppOrder struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
	Payer *struct {
		PayerID string `json:"payer_id"`
		Email   string `json:"email_address"`
	} `json:"payer"`
	PurchaseUnits []struct {
		Amount struct {
			CurrencyCode string `json:"currency_code"`
			Value        string `json:"value"`
		} `json:"amount"`
		Payments *struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (o *ppOrder) approveLink() string {
	for _, l := range o.Links {
		if l.Rel == "approve" {
			return l.Href
		}
	}
	return ""
}

func (o *ppOrder) captureID() string {
	for _, u := range o.PurchaseUnits {
		if u.Payments == nil {
			continue
		}
		for _, c := range u.Payments.Captures {
			return c.ID
		}
	}
	return ""
}

func (g *Gateway) Initiate(ctx context.Context, ord order.Order, opts gateway.Options) (gateway.Response, error) {
	if err := gateway.ValidateOrderTotal(ord.Total()); err != nil {
		return gateway.Response{}, err
	}
	currency, err := money.NormalizeCurrency(opts.Currency)
	if err != nil {
		return gateway.Response{}, err
	}

	returnURL := opts.ReturnURL
	if returnURL == "" {
		returnURL = g.settings.ConfigValue("return_url")
	}
	cancelURL := opts.CancelURL
	if cancelURL == "" {
		cancelURL = g.settings.ConfigValue("cancel_url")
	}
	description := opts.Description
	if description == "" {
		description = fmt.Sprintf("Order #%s", ord.ID())
	}

	body := map[string]any{
		"intent": "CAPTURE",
		"application_context": map[string]any{
			"return_url":          returnURL,
			"cancel_url":          cancelURL,
			"brand_name":          g.settings.ConfigValue("brand_name"),
			"locale":              "en-US",
			"landing_page":        "BILLING",
			"shipping_preference": "NO_SHIPPING",
			"user_action":         "PAY_NOW",
		},
		"purchase_units": []map[string]any{{
			"reference_id": "order_" + ord.ID(),
			"description":  description,
			"custom_id":    ord.ID(),
			"amount": map[string]any{
				"currency_code": currency,
				"value":         money.FormatMajor(ord.Total()),
			},
		}},
	}

	var created ppOrder
	raw, err := g.doJSON(ctx, http.MethodPost, "/v2/checkout/orders", body, &created)
	if err != nil {
		return gateway.Failure(err.Error(), raw), nil
	}

	rec := record.New(ord.ID(), g.Name(), created.ID, ord.Total(), currency, statusFromOrder(created.Status))
	rec.PaymentMethod = DriverName
	if created.Payer != nil {
		rec.PayerInfo = map[string]string{
			"payer_id": created.Payer.PayerID,
			"email":    created.Payer.Email,
		}
	}
	rec.MergeMetadata(map[string]any{
		"order":        raw,
		"approval_url": created.approveLink(),
	})
	if err := g.records.Create(ctx, rec); err != nil {
		return gateway.Response{}, fmt.Errorf("paypal: create payment record: %w", err)
	}

	redirectURL := created.approveLink()
	success := created.Status == "CREATED" || created.Status == "APPROVED" || created.Status == "COMPLETED"
	return gateway.Response{
		Success:          success,
		GatewayReference: created.ID,
		RedirectURL:      redirectURL,
		Raw:              map[string]any{"order": raw, "payment_id": rec.ID},
		RequiresAction:   created.Status == "CREATED",
		ActionData: map[string]any{
			"approval_url": redirectURL,
			"order_id":     created.ID,
		},
	}, nil
}

func (g *Gateway) Verify(ctx context.Context, reference string, _ map[string]string) (gateway.Verification, error) {
	var current ppOrder
	raw, err := g.doJSON(ctx, http.MethodGet, "/v2/checkout/orders/"+reference, nil, &current)
	if err != nil {
		return gateway.Verification{
			Gateway: g.Name(),
			Status:  string(record.StatusFailed),
			Data:    map[string]any{"error": err.Error()},
		}, nil
	}

	// An approved order means the payer came back from the redirect;
	// capture immediately so funds actually move.
	if current.Status == "APPROVED" {
		return g.captureAndReconcile(ctx, reference)
	}

	var orderID string
	var becameSettled bool
	var verifiedAt *time.Time
	_, mutErr := g.records.Mutate(ctx, g.Name(), reference, func(r *record.Record) error {
		orderID = r.OrderID
		wasSettled := r.Status.IsSettled()
		r.Transition(statusFromOrder(current.Status))
		r.MergeMetadata(map[string]any{"paypal_order": raw})
		if current.Payer != nil {
			if r.PayerInfo == nil {
				r.PayerInfo = make(map[string]string)
			}
			r.PayerInfo["payer_id"] = current.Payer.PayerID
			r.PayerInfo["email"] = current.Payer.Email
		}
		if current.Status == "COMPLETED" {
			r.MarkVerified(map[string]any{"paypal_verified": true})
		}
		becameSettled = !wasSettled && r.Status.IsSettled()
		verifiedAt = r.VerifiedAt
		return nil
	})
	if mutErr != nil && !errors.Is(mutErr, record.ErrNotFound) {
		return gateway.Verification{}, fmt.Errorf("paypal: update record for %s: %w", reference, mutErr)
	}
	if becameSettled {
		g.completeOrder(ctx, orderID)
	}

	return gateway.Verification{
		Verified:   current.Status == "COMPLETED",
		OrderID:    orderID,
		Gateway:    g.Name(),
		Status:     strings.ToLower(current.Status),
		VerifiedAt: verifiedAt,
		Data:       map[string]any{"paypal_order": raw},
	}, nil
}

// captureAndReconcile finalizes an approved order and reconciles the
// record with the capture outcome.
func (g *Gateway) captureAndReconcile(ctx context.Context, reference string) (gateway.Verification, error) {
	var captured ppOrder
	raw, err := g.doJSON(ctx, http.MethodPost, "/v2/checkout/orders/"+reference+"/capture", map[string]any{}, &captured)
	if err != nil {
		return gateway.Verification{
			Gateway: g.Name(),
			Status:  string(record.StatusFailed),
			Data:    map[string]any{"error": err.Error()},
		}, nil
	}

	var orderID string
	var becameSettled bool
	var verifiedAt *time.Time
	_, mutErr := g.records.Mutate(ctx, g.Name(), reference, func(r *record.Record) error {
		orderID = r.OrderID
		wasSettled := r.Status.IsSettled()
		r.Transition(statusFromOrder(captured.Status))
		r.MarkCaptured(map[string]any{"capture": raw})
		if captured.Status == "COMPLETED" {
			r.MarkVerified(map[string]any{"paypal_capture_verified": true})
		}
		becameSettled = !wasSettled && r.Status.IsSettled()
		verifiedAt = r.VerifiedAt
		return nil
	})
	if mutErr != nil && !errors.Is(mutErr, record.ErrNotFound) {
		return gateway.Verification{}, fmt.Errorf("paypal: update captured record for %s: %w", reference, mutErr)
	}
	if becameSettled {
		g.completeOrder(ctx, orderID)
	}

	return gateway.Verification{
		Verified:   captured.Status == "COMPLETED",
		OrderID:    orderID,
		Gateway:    g.Name(),
		Status:     strings.ToLower(captured.Status),
		VerifiedAt: verifiedAt,
		Data:       map[string]any{"paypal_capture": raw},
	}, nil
}

// Refund resolves the capture behind the order reference; refunds
// address captures, not orders.
func (g *Gateway) Refund(ctx context.Context, reference string, amount *decimal.Decimal) (gateway.Response, error) {
	var current ppOrder
	_, err := g.doJSON(ctx, http.MethodGet, "/v2/checkout/orders/"+reference, nil, &current)
	if err != nil {
		return gateway.Failure(err.Error(), nil), nil
	}

	captureID := current.captureID()
	if captureID == "" {
		return gateway.Failure("No capture found for this payment", nil), nil
	}

	var body map[string]any
	if amount != nil {
		currency := money.DefaultCurrency
		if len(current.PurchaseUnits) > 0 && current.PurchaseUnits[0].Amount.CurrencyCode != "" {
			currency = current.PurchaseUnits[0].Amount.CurrencyCode
		}
		body = map[string]any{
			"amount": map[string]any{
				"value":         money.FormatMajor(*amount),
				"currency_code": currency,
			},
		}
	} else {
		body = map[string]any{}
	}

	var refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	raw, err := g.doJSON(ctx, http.MethodPost, "/v2/payments/captures/"+captureID+"/refund", body, &refund)
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
	if refund.Status != "COMPLETED" {
		errorMessage = "Refund failed"
	}
	return gateway.Response{
		Success:          refund.Status == "COMPLETED",
		GatewayReference: refund.ID,
		ErrorMessage:     errorMessage,
		Raw:              map[string]any{"paypal_refund": raw},
	}, nil
}

// event is the webhook envelope subset this gateway reads.
type event struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID      string `json:"id"`
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	} `json:"resource"`
}

var processableEvents = map[string]struct{}{
	"CHECKOUT.ORDER.APPROVED":   {},
	"CHECKOUT.ORDER.COMPLETED":  {},
	"PAYMENT.CAPTURE.COMPLETED": {},
	"PAYMENT.CAPTURE.DENIED":    {},
	"PAYMENT.CAPTURE.REFUNDED":  {},
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
	if err := json.Unmarshal(body, &ev); err != nil || ev.EventType == "" {
		return gateway.WebhookResult{
			EventType:     "error",
			Payload:       payload,
			ShouldProcess: false,
			Response:      map[string]any{"error": "malformed event payload"},
		}, nil
	}

	// Capture events carry the order reference in resource.order_id;
	// order events carry it as resource.id.
	reference := ev.Resource.OrderID
	if reference == "" {
		reference = ev.Resource.ID
	}
	if reference == "" {
		return gateway.WebhookResult{
			EventType:     ev.EventType,
			Payload:       payload,
			ShouldProcess: false,
			Response:      map[string]any{"error": "No order ID found in webhook payload"},
		}, nil
	}

	// Auto-capture happens before the record mutation: it is a provider
	// call and must not run under the per-reference lock.
	if ev.EventType == "CHECKOUT.ORDER.APPROVED" {
		if _, err := g.captureAndReconcile(ctx, reference); err != nil {
			return gateway.WebhookResult{
				EventType:        ev.EventType,
				GatewayReference: reference,
				Payload:          payload,
				ShouldProcess:    false,
				Response:         map[string]any{"error": err.Error()},
			}, nil
		}
	}

	_, processable := processableEvents[ev.EventType]

	var (
		duplicate     bool
		becameSettled bool
		orderID       string
		recordID      string
	)
	updated, err := g.records.Mutate(ctx, g.Name(), reference, func(r *record.Record) error {
		orderID = r.OrderID
		recordID = r.ID
		duplicate = r.HasWebhookEvent(ev.ID)
		r.AppendWebhookEvent(record.WebhookEvent{EventID: ev.ID, Type: ev.EventType, Payload: payload})
		if duplicate {
			return nil
		}
		wasSettled := r.Status.IsSettled()
		switch ev.EventType {
		case "CHECKOUT.ORDER.COMPLETED", "PAYMENT.CAPTURE.COMPLETED":
			r.Transition(record.StatusSucceeded)
			r.MarkVerified(map[string]any{"webhook_verified": true})
		case "PAYMENT.CAPTURE.DENIED":
			r.MarkFailed("Payment denied by PayPal")
		case "PAYMENT.CAPTURE.REFUNDED":
			r.Transition(record.StatusRefunded)
		}
		becameSettled = !wasSettled && r.Status.IsSettled()
		return nil
	})
	if err != nil {
		msg := err.Error()
		if errors.Is(err, record.ErrNotFound) {
			msg = "Payment record not found"
		}
		return gateway.WebhookResult{
			EventType:        ev.EventType,
			GatewayReference: reference,
			Payload:          payload,
			ShouldProcess:    false,
			Response:         map[string]any{"error": msg},
		}, nil
	}

	if becameSettled {
		g.completeOrder(ctx, orderID)
	}

	return gateway.WebhookResult{
		EventType:        ev.EventType,
		GatewayReference: reference,
		Payload:          payload,
		ShouldProcess:    processable && !duplicate,
		Response: map[string]any{
			"success":        true,
			"payment_id":     recordID,
			"payment_status": string(updated.Status),
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

// token returns a valid OAuth access token, refreshing when the cached
// one is within 30 seconds of expiry.
func (g *Gateway) token(ctx context.Context) (string, error) {
	g.tokenMu.Lock()
	defer g.tokenMu.Unlock()
	if g.accessToken != "" && time.Until(g.tokenExpiry) > 30*time.Second {
		return g.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.apiBaseURL+"/v1/oauth2/token", strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", fmt.Errorf("paypal: build token request: %w", err)
	}
	req.SetBasicAuth(g.clientID, g.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("paypal: token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("paypal: token request returned status %d", resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("paypal: decode token response: %w", err)
	}
	g.accessToken = tok.AccessToken
	g.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return g.accessToken, nil
}

// doJSON performs one JSON API call with bearer auth and returns the raw
// decoded body for metadata.
func (g *Gateway) doJSON(ctx context.Context, method, path string, body, out any) (map[string]any, error) {
	token, err := g.token(ctx)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("paypal: encode request: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.apiBaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("paypal: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("paypal: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("paypal: read response: %w", err)
	}

	var raw map[string]any
	_ = json.Unmarshal(respBody, &raw)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Message string `json:"message"`
			Details []struct {
				Description string `json:"description"`
			} `json:"details"`
		}
		_ = json.Unmarshal(respBody, &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return raw, fmt.Errorf("paypal: %s", msg)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return raw, fmt.Errorf("paypal: decode response: %w", err)
		}
	}
	return raw, nil
}

func statusFromOrder(s string) record.Status {
	switch s {
	case "COMPLETED":
		return record.StatusSucceeded
	case "APPROVED":
		return record.StatusProcessing
	case "VOIDED":
		return record.StatusCanceled
	case "CREATED", "SAVED", "PAYER_ACTION_REQUIRED":
		return record.StatusPending
	default:
		return record.StatusPending
	}
}
