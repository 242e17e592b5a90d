package wallet

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/gateway"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/order"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/record"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/storage/inmemory"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/wallet"
)

func newGateway(t *testing.T) (*Gateway, *wallet.MemoryService, *inmemory.RecordRepository) {
	t.Helper()
	funds := wallet.NewMemoryService()
	repo := inmemory.NewRecordRepository()
	gw, err := New(gateway.Settings{Name: "wallet", Driver: DriverName, Active: true}, funds, repo)
	require.NoError(t, err)
	return gw, funds, repo
}

func payerOpts() gateway.Options {
	return gateway.Options{PayerType: "user", PayerID: "42", Currency: "usd"}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(gateway.Settings{Name: "wallet"}, nil, inmemory.NewRecordRepository())
	var cfgErr *gateway.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestInitiate_Success(t *testing.T) {
	ctx := context.Background()
	gw, funds, repo := newGateway(t)
	funds.Seed(wallet.Owner{Type: "user", ID: "42"}, decimal.NewFromInt(100))
	ord := order.NewMemoryOrder("order-1", decimal.NewFromInt(50))

	resp, err := gw.Initiate(ctx, ord, payerOpts())
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.NotEmpty(t, resp.GatewayReference)
	assert.Equal(t, "50", resp.Raw["balance_after"])
	assert.Equal(t, order.StatusCompleted, ord.Status())

	rec, err := repo.FindByReference(ctx, "wallet", resp.GatewayReference)
	require.NoError(t, err)
	assert.Equal(t, record.StatusVerified, rec.Status)
	assert.Equal(t, "USD", rec.Currency)
	assert.Equal(t, "user", rec.PayerInfo["owner_type"])
}

func TestInitiate_InsufficientBalance(t *testing.T) {
	ctx := context.Background()
	gw, funds, _ := newGateway(t)
	owner := wallet.Owner{Type: "user", ID: "42"}
	funds.Seed(owner, decimal.NewFromInt(20))
	ord := order.NewMemoryOrder("order-1", decimal.NewFromInt(50))

	resp, err := gw.Initiate(ctx, ord, payerOpts())
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "Insufficient wallet balance", resp.ErrorMessage)
	assert.Empty(t, resp.GatewayReference)

	bal, _ := funds.Balance(owner)
	assert.True(t, bal.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, order.StatusPending, ord.Status())
}

func TestInitiate_InvalidAmount(t *testing.T) {
	gw, _, _ := newGateway(t)
	ord := order.NewMemoryOrder("order-1", decimal.Zero)

	_, err := gw.Initiate(context.Background(), ord, payerOpts())
	assert.ErrorIs(t, err, gateway.ErrInvalidAmount)
}

func TestInitiate_MissingPayer(t *testing.T) {
	gw, _, _ := newGateway(t)
	ord := order.NewMemoryOrder("order-1", decimal.NewFromInt(10))

	_, err := gw.Initiate(context.Background(), ord, gateway.Options{})
	assert.ErrorIs(t, err, gateway.ErrMissingOption)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	gw, funds, _ := newGateway(t)
	funds.Seed(wallet.Owner{Type: "user", ID: "42"}, decimal.NewFromInt(100))
	ord := order.NewMemoryOrder("order-1", decimal.NewFromInt(30))

	resp, err := gw.Initiate(ctx, ord, payerOpts())
	require.NoError(t, err)

	ver, err := gw.Verify(ctx, resp.GatewayReference, nil)
	require.NoError(t, err)
	assert.True(t, ver.Verified)
	assert.Equal(t, string(record.StatusVerified), ver.Status)
	assert.Equal(t, "order-1", ver.OrderID)

	// Verifying again re-runs no settlement: balance is stable and the
	// order completion count is unchanged.
	_, err = gw.Verify(ctx, resp.GatewayReference, nil)
	require.NoError(t, err)
	bal, _ := funds.Balance(wallet.Owner{Type: "user", ID: "42"})
	assert.True(t, bal.Equal(decimal.NewFromInt(70)))
	assert.Equal(t, 1, ord.Completions())
}

func TestVerify_UnknownReference(t *testing.T) {
	gw, _, _ := newGateway(t)
	_, err := gw.Verify(context.Background(), "wallet_missing", nil)
	assert.ErrorIs(t, err, record.ErrNotFound)
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	gw, funds, repo := newGateway(t)
	owner := wallet.Owner{Type: "user", ID: "42"}
	funds.Seed(owner, decimal.NewFromInt(100))
	ord := order.NewMemoryOrder("order-1", decimal.NewFromInt(50))

	resp, err := gw.Initiate(ctx, ord, payerOpts())
	require.NoError(t, err)

	t.Run("partial refund credits exactly the requested amount", func(t *testing.T) {
		amt := decimal.NewFromInt(20)
		refund, err := gw.Refund(ctx, resp.GatewayReference, &amt)
		require.NoError(t, err)
		require.True(t, refund.Success)

		bal, _ := funds.Balance(owner)
		assert.True(t, bal.Equal(decimal.NewFromInt(70)))

		rec, _ := repo.FindByReference(ctx, "wallet", resp.GatewayReference)
		assert.Equal(t, record.StatusRefunded, rec.Status)
		assert.Equal(t, "20", rec.Metadata.Extra["refund_amount"])
	})

	t.Run("unknown reference", func(t *testing.T) {
		refund, err := gw.Refund(ctx, "wallet_missing", nil)
		require.NoError(t, err)
		assert.False(t, refund.Success)
		assert.Equal(t, "Payment record not found", refund.ErrorMessage)
	})
}

func TestRefund_MissingPayerInfo(t *testing.T) {
	ctx := context.Background()
	gw, _, repo := newGateway(t)

	rec := record.New("order-x", "wallet", "wallet_bare", decimal.NewFromInt(10), "USD", record.StatusVerified)
	require.NoError(t, repo.Create(ctx, rec))

	refund, err := gw.Refund(ctx, "wallet_bare", nil)
	require.NoError(t, err)
	assert.False(t, refund.Success)
	assert.Contains(t, refund.ErrorMessage, "Cannot refund")
}

func TestHandleWebhook_Unsupported(t *testing.T) {
	gw, _, _ := newGateway(t)
	assert.False(t, gw.SupportsWebhook())
	_, err := gw.HandleWebhook(context.Background(), []byte(`{}`), "")
	assert.ErrorIs(t, err, gateway.ErrWebhookUnsupported)
}
