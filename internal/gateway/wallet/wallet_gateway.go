// Package wallet implements the ledger-backed internal gateway. It is
// fully synchronous: funds move at initiate time and the payment record
// is verified before the call returns, so there is no webhook surface.
package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/gateway"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/money"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/order"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/record"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/wallet"
)

const DriverName = "wallet"

type Gateway struct {
	settings gateway.Settings
	funds    wallet.Service
	records  record.Repository
}

// New constructs the wallet gateway. The funds service and record
// repository are hard requirements; there are no credentials to check.
func New(settings gateway.Settings, funds wallet.Service, records record.Repository) (*Gateway, error) {
	if funds == nil {
		return nil, &gateway.ConfigError{Gateway: settings.Name, Reason: "wallet service is required"}
	}
	if records == nil {
		return nil, &gateway.ConfigError{Gateway: settings.Name, Reason: "record repository is required"}
	}
	return &Gateway{settings: settings, funds: funds, records: records}, nil
}

func (g *Gateway) Name() string              { return g.settings.Name }
func (g *Gateway) Enabled() bool             { return g.settings.Active }
func (g *Gateway) Config() map[string]string { return g.settings.Config }
func (g *Gateway) SupportsWebhook() bool     { return false }

func (g *Gateway) HandleWebhook(_ context.Context, _ []byte, _ string) (gateway.WebhookResult, error) {
	return gateway.WebhookResult{}, fmt.Errorf("%w: %s", gateway.ErrWebhookUnsupported, g.Name())
}

// Initiate moves funds immediately. Insufficient balance is a business
// rejection: no record is written and the balance is untouched.
func (g *Gateway) Initiate(ctx context.Context, ord order.Order, opts gateway.Options) (gateway.Response, error) {
	if err := gateway.ValidateOrderTotal(ord.Total()); err != nil {
		return gateway.Response{}, err
	}
	if opts.PayerType == "" || opts.PayerID == "" {
		return gateway.Response{}, fmt.Errorf("%w: payer is required for wallet payments", gateway.ErrMissingOption)
	}
	currency, err := money.NormalizeCurrency(opts.Currency)
	if err != nil {
		return gateway.Response{}, err
	}

	payer := wallet.Owner{Type: opts.PayerType, ID: opts.PayerID}
	balance, err := g.funds.Balance(payer)
	if err != nil {
		return gateway.Failure(fmt.Sprintf("Wallet lookup failed: %v", err), nil), nil
	}
	if balance.LessThan(ord.Total()) {
		return gateway.Failure("Insufficient wallet balance", nil), nil
	}

	rec := record.New(ord.ID(), g.Name(), "wallet_"+uuid.NewString(), ord.Total(), currency, record.StatusPending)
	rec.PaymentMethod = DriverName
	rec.PayerInfo = map[string]string{"owner_type": opts.PayerType, "owner_id": opts.PayerID}
	if err := g.records.Create(ctx, rec); err != nil {
		return gateway.Response{}, fmt.Errorf("wallet: create payment record: %w", err)
	}

	memo := fmt.Sprintf("Payment for order #%s", ord.ID())
	if err := g.funds.Deduct(payer, ord.Total(), memo); err != nil {
		// The record exists but no money moved; record the failure so
		// the attempt stays auditable.
		_, _ = g.records.Mutate(ctx, g.Name(), rec.GatewayReference, func(r *record.Record) error {
			r.MarkFailed(err.Error())
			return nil
		})
		return gateway.Failure(err.Error(), nil), nil
	}

	ord.Complete()

	updated, err := g.records.Mutate(ctx, g.Name(), rec.GatewayReference, func(r *record.Record) error {
		r.MarkVerified(map[string]any{"deducted_at": time.Now().UTC().Format(time.RFC3339)})
		return nil
	})
	if err != nil {
		return gateway.Response{}, fmt.Errorf("wallet: finalize payment record: %w", err)
	}

	balanceAfter, _ := g.funds.Balance(payer)
	return gateway.Response{
		Success:          true,
		GatewayReference: rec.GatewayReference,
		Raw: map[string]any{
			"payment_id":    updated.ID,
			"balance_after": balanceAfter.String(),
		},
	}, nil
}

// Verify returns the already-settled local status; the wallet has no
// remote state to re-query.
func (g *Gateway) Verify(ctx context.Context, reference string, _ map[string]string) (gateway.Verification, error) {
	rec, err := g.records.FindByReference(ctx, g.Name(), reference)
	if err != nil {
		return gateway.Verification{}, fmt.Errorf("wallet: verify %s: %w", reference, err)
	}
	return gateway.Verification{
		Verified:   rec.Status.IsSettled(),
		OrderID:    rec.OrderID,
		Gateway:    g.Name(),
		Status:     string(rec.Status),
		VerifiedAt: rec.VerifiedAt,
		Data:       map[string]any{"payment_id": rec.ID, "amount": rec.Amount.String()},
	}, nil
}

// Refund credits the payer's wallet. Expected failure modes (missing
// record, missing payer info) come back as unsuccessful Responses.
func (g *Gateway) Refund(ctx context.Context, reference string, amount *decimal.Decimal) (gateway.Response, error) {
	rec, err := g.records.FindByReference(ctx, g.Name(), reference)
	if err != nil {
		return gateway.Failure("Payment record not found", map[string]any{"payment_id": reference}), nil
	}

	refundAmount := rec.Amount
	if amount != nil {
		refundAmount = *amount
	}

	ownerType := rec.PayerInfo["owner_type"]
	ownerID := rec.PayerInfo["owner_id"]
	if ownerType == "" || ownerID == "" {
		return gateway.Failure("Cannot refund: payer information missing", nil), nil
	}

	payer := wallet.Owner{Type: ownerType, ID: ownerID}
	memo := fmt.Sprintf("Refund for payment #%s", reference)
	if err := g.funds.AddFunds(payer, refundAmount, memo); err != nil {
		return gateway.Failure(fmt.Sprintf("Cannot refund: %v", err), nil), nil
	}

	updated, err := g.records.Mutate(ctx, g.Name(), reference, func(r *record.Record) error {
		r.Transition(record.StatusRefunded)
		r.MergeMetadata(map[string]any{
			"refunded_at":   time.Now().UTC().Format(time.RFC3339),
			"refund_amount": refundAmount.String(),
		})
		return nil
	})
	if err != nil {
		return gateway.Response{}, fmt.Errorf("wallet: update refunded record: %w", err)
	}

	return gateway.Response{
		Success:          true,
		GatewayReference: reference,
		Raw: map[string]any{
			"refund_amount": refundAmount.String(),
			"payment_id":    updated.ID,
		},
	}, nil
}
