package registry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/gateway"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/metrics"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/order"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/policy"
)

// fakeGateway records calls so routing can be asserted without any
// provider plumbing.
type fakeGateway struct {
	settings  gateway.Settings
	initiated int
	verified  int
	refunded  int
	webhooks  int
	response  gateway.Response
	webhook   gateway.WebhookResult
	noWebhook bool
}

func (f *fakeGateway) Name() string              { return f.settings.Name }
func (f *fakeGateway) Enabled() bool             { return f.settings.Active }
func (f *fakeGateway) Config() map[string]string { return f.settings.Config }
func (f *fakeGateway) SupportsWebhook() bool     { return !f.noWebhook }

func (f *fakeGateway) Initiate(_ context.Context, _ order.Order, _ gateway.Options) (gateway.Response, error) {
	f.initiated++
	return f.response, nil
}

func (f *fakeGateway) Verify(_ context.Context, reference string, _ map[string]string) (gateway.Verification, error) {
	f.verified++
	return gateway.Verification{Verified: true, Gateway: f.settings.Name, Status: "verified"}, nil
}

func (f *fakeGateway) Refund(_ context.Context, _ string, _ *decimal.Decimal) (gateway.Response, error) {
	f.refunded++
	return gateway.Response{Success: true}, nil
}

func (f *fakeGateway) HandleWebhook(_ context.Context, _ []byte, _ string) (gateway.WebhookResult, error) {
	f.webhooks++
	return f.webhook, nil
}

type env struct {
	svc    *Service
	orders *order.MemoryResolver
	fakes  map[string]*fakeGateway
}

func newEnv(t *testing.T, enforcer *policy.Enforcer, settings ...gateway.Settings) *env {
	t.Helper()
	e := &env{
		orders: order.NewMemoryResolver(),
		fakes:  make(map[string]*fakeGateway),
	}
	e.svc = NewService(e.orders, enforcer)
	for _, cfg := range settings {
		cfg := cfg
		fake := &fakeGateway{settings: cfg, response: gateway.Response{Success: true}}
		e.fakes[cfg.Name] = fake
		e.svc.Configure(cfg)
		require.NoError(t, e.svc.Register(cfg.Name, func(gateway.Settings) (gateway.Gateway, error) {
			return fake, nil
		}))
	}
	return e
}

func (e *env) addOrder(t *testing.T, id, total string) {
	t.Helper()
	amt, err := decimal.NewFromString(total)
	require.NoError(t, err)
	e.orders.Add(order.NewMemoryOrder(id, amt))
}

func TestRegister_RequiresConfiguration(t *testing.T) {
	svc := NewService(order.NewMemoryResolver(), nil)
	err := svc.Register("ghost", func(gateway.Settings) (gateway.Gateway, error) { return nil, nil })
	assert.ErrorIs(t, err, gateway.ErrConfigMissing)
}

func TestGateway_InstanceIsCached(t *testing.T) {
	builds := 0
	svc := NewService(order.NewMemoryResolver(), nil)
	svc.Configure(gateway.Settings{Name: "wallet", Active: true})
	require.NoError(t, svc.Register("wallet", func(cfg gateway.Settings) (gateway.Gateway, error) {
		builds++
		return &fakeGateway{settings: cfg}, nil
	}))

	first, err := svc.Gateway("wallet")
	require.NoError(t, err)
	second, err := svc.Gateway("wallet")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, builds)
}

func TestGateway_UnknownName(t *testing.T) {
	svc := NewService(order.NewMemoryResolver(), nil)
	_, err := svc.Gateway("nope")
	assert.ErrorIs(t, err, gateway.ErrNotRegistered)
}

func TestPay_UsesDefaultWhenUnnamed(t *testing.T) {
	e := newEnv(t, nil,
		gateway.Settings{Name: "wallet", Active: true, Priority: 1},
		gateway.Settings{Name: "stripe", Active: true, Priority: 2},
	)
	e.addOrder(t, "order-1", "20.00")

	resp, err := e.svc.Pay(context.Background(), "order-1", gateway.Options{})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, e.fakes["wallet"].initiated)
	assert.Equal(t, 0, e.fakes["stripe"].initiated)
}

func TestPay_ExplicitGatewayOverridesDefault(t *testing.T) {
	e := newEnv(t, nil,
		gateway.Settings{Name: "wallet", Active: true},
		gateway.Settings{Name: "stripe", Active: true},
	)
	e.addOrder(t, "order-2", "20.00")

	_, err := e.svc.Pay(context.Background(), "order-2", gateway.Options{Gateway: "stripe"})
	require.NoError(t, err)
	assert.Equal(t, 1, e.fakes["stripe"].initiated)
	assert.Equal(t, 0, e.fakes["wallet"].initiated)
}

func TestPay_DisabledGatewayRefused(t *testing.T) {
	e := newEnv(t, nil, gateway.Settings{Name: "wallet", Active: false})
	e.addOrder(t, "order-3", "20.00")

	_, err := e.svc.Pay(context.Background(), "order-3", gateway.Options{})
	assert.ErrorIs(t, err, gateway.ErrDisabled)
	assert.Equal(t, 0, e.fakes["wallet"].initiated)
}

func TestPay_PolicyDenial(t *testing.T) {
	enforcer, err := policy.NewEnforcer([]policy.RuleConfig{
		{Name: "SmallPaymentsOnly", Expression: "amount <= 100"},
	})
	require.NoError(t, err)

	e := newEnv(t, enforcer, gateway.Settings{Name: "wallet", Active: true})
	e.addOrder(t, "order-4", "500.00")

	_, err = e.svc.Pay(context.Background(), "order-4", gateway.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SmallPaymentsOnly")
	assert.Equal(t, 0, e.fakes["wallet"].initiated)

	e.addOrder(t, "order-5", "50.00")
	_, err = e.svc.Pay(context.Background(), "order-5", gateway.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, e.fakes["wallet"].initiated)
}

func TestPay_UnknownOrder(t *testing.T) {
	e := newEnv(t, nil, gateway.Settings{Name: "wallet", Active: true})

	_, err := e.svc.Pay(context.Background(), "missing", gateway.Options{})
	require.Error(t, err)
	assert.Equal(t, 0, e.fakes["wallet"].initiated)
}

func TestPay_MetricsIncrement(t *testing.T) {
	e := newEnv(t, nil, gateway.Settings{Name: "metered", Active: true})
	e.addOrder(t, "order-6", "10.00")

	initiatedBefore := testutil.ToFloat64(metrics.GetPaymentsInitiatedTotal("metered"))
	succeededBefore := testutil.ToFloat64(metrics.GetPaymentsSucceededTotal("metered"))
	failedBefore := testutil.ToFloat64(metrics.GetPaymentsFailedTotal("metered"))

	_, err := e.svc.Pay(context.Background(), "order-6", gateway.Options{})
	require.NoError(t, err)

	e.fakes["metered"].response = gateway.Failure("declined", nil)
	e.addOrder(t, "order-7", "10.00")
	_, err = e.svc.Pay(context.Background(), "order-7", gateway.Options{})
	require.NoError(t, err)

	assert.Equal(t, initiatedBefore+2, testutil.ToFloat64(metrics.GetPaymentsInitiatedTotal("metered")))
	assert.Equal(t, succeededBefore+1, testutil.ToFloat64(metrics.GetPaymentsSucceededTotal("metered")))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(metrics.GetPaymentsFailedTotal("metered")))
}

func TestVerify_RoutesByDataMap(t *testing.T) {
	e := newEnv(t, nil,
		gateway.Settings{Name: "wallet", Active: true},
		gateway.Settings{Name: "paypal", Active: true},
	)

	ver, err := e.svc.Verify(context.Background(), "ref-1", map[string]string{"gateway": "paypal"})
	require.NoError(t, err)
	assert.True(t, ver.Verified)
	assert.Equal(t, 1, e.fakes["paypal"].verified)
	assert.Equal(t, 0, e.fakes["wallet"].verified)
}

func TestRefund_Routes(t *testing.T) {
	e := newEnv(t, nil, gateway.Settings{Name: "stripe", Active: true})

	amt := decimal.RequireFromString("5.00")
	resp, err := e.svc.Refund(context.Background(), "stripe", "ref-2", &amt)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, e.fakes["stripe"].refunded)
}

func TestProcessWebhook_UnsupportedGateway(t *testing.T) {
	e := newEnv(t, nil, gateway.Settings{Name: "wallet", Active: true})
	e.fakes["wallet"].noWebhook = true

	_, err := e.svc.ProcessWebhook(context.Background(), "wallet", []byte(`{}`), "")
	assert.ErrorIs(t, err, gateway.ErrWebhookUnsupported)
	assert.Equal(t, 0, e.fakes["wallet"].webhooks)
}

func TestProcessWebhook_MetricsSplitOnShouldProcess(t *testing.T) {
	e := newEnv(t, nil, gateway.Settings{Name: "hooked", Active: true})
	e.fakes["hooked"].webhook = gateway.WebhookResult{ShouldProcess: true}

	receivedBefore := testutil.ToFloat64(metrics.GetWebhooksReceivedTotal("hooked"))
	rejectedBefore := testutil.ToFloat64(metrics.GetWebhooksRejectedTotal("hooked"))

	_, err := e.svc.ProcessWebhook(context.Background(), "hooked", []byte(`{}`), "sig")
	require.NoError(t, err)

	e.fakes["hooked"].webhook = gateway.WebhookResult{ShouldProcess: false}
	_, err = e.svc.ProcessWebhook(context.Background(), "hooked", []byte(`{}`), "sig")
	require.NoError(t, err)

	assert.Equal(t, receivedBefore+1, testutil.ToFloat64(metrics.GetWebhooksReceivedTotal("hooked")))
	assert.Equal(t, rejectedBefore+1, testutil.ToFloat64(metrics.GetWebhooksRejectedTotal("hooked")))
}

func TestSetDefaultAndAvailableGateways(t *testing.T) {
	e := newEnv(t, nil,
		gateway.Settings{Name: "stripe", Active: true, Priority: 2},
		gateway.Settings{Name: "wallet", Active: true, Priority: 1},
		gateway.Settings{Name: "paypal", Active: false, Priority: 3},
	)

	assert.Equal(t, []string{"wallet", "stripe"}, e.svc.AvailableGateways())

	require.NoError(t, e.svc.SetDefault("wallet"))
	assert.Equal(t, "wallet", e.svc.Default())

	err := e.svc.SetDefault("unknown")
	assert.ErrorIs(t, err, gateway.ErrNotRegistered)
}
