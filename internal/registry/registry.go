// Package registry is the dispatch layer in front of the gateways: it
// resolves names to configured instances, enforces eligibility policy
// and routes pay, verify, refund and webhook calls.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/gateway"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/metrics"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/order"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/policy"
)

// Service owns the gateway table. Instances are built lazily on first
// use and cached for the process lifetime.
type Service struct {
	mu          sync.Mutex
	settings    map[string]gateway.Settings
	factories   map[string]gateway.Factory
	instances   map[string]gateway.Gateway
	defaultName string
	orders      order.Resolver
	enforcer    *policy.Enforcer
}

func NewService(orders order.Resolver, enforcer *policy.Enforcer) *Service {
	return &Service{
		settings:  make(map[string]gateway.Settings),
		factories: make(map[string]gateway.Factory),
		instances: make(map[string]gateway.Gateway),
		orders:    orders,
		enforcer:  enforcer,
	}
}

// Configure stores the settings for one gateway name. The first
// configured gateway becomes the default until SetDefault overrides it.
func (s *Service) Configure(settings gateway.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[settings.Name] = settings
	delete(s.instances, settings.Name)
	if s.defaultName == "" {
		s.defaultName = settings.Name
	}
}

// Register binds a factory to a configured gateway name.
func (s *Service) Register(name string, factory gateway.Factory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.settings[name]; !ok {
		return fmt.Errorf("%w: %s", gateway.ErrConfigMissing, name)
	}
	s.factories[name] = factory
	delete(s.instances, name)
	return nil
}

// SetDefault changes which gateway handles requests that name none.
func (s *Service) SetDefault(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.settings[name]; !ok {
		return fmt.Errorf("%w: %s", gateway.ErrNotRegistered, name)
	}
	s.defaultName = name
	return nil
}

// Default returns the current default gateway name.
func (s *Service) Default() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultName
}

// Gateway resolves a name to a built instance, constructing and
// caching it on first use. An empty name means the default.
func (s *Service) Gateway(name string) (gateway.Gateway, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gatewayLocked(name)
}

func (s *Service) gatewayLocked(name string) (gateway.Gateway, error) {
	if name == "" {
		name = s.defaultName
	}
	if name == "" {
		return nil, fmt.Errorf("%w: no default gateway configured", gateway.ErrNotRegistered)
	}
	if gw, ok := s.instances[name]; ok {
		return gw, nil
	}
	settings, ok := s.settings[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", gateway.ErrNotRegistered, name)
	}
	factory, ok := s.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", gateway.ErrNotRegistered, name)
	}
	gw, err := factory(settings)
	if err != nil {
		return nil, err
	}
	s.instances[name] = gw
	return gw, nil
}

// AvailableGateways lists active gateway names ordered by priority,
// lower first, ties broken by name.
func (s *Service) AvailableGateways() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := make([]gateway.Settings, 0, len(s.settings))
	for _, cfg := range s.settings {
		if cfg.Active {
			active = append(active, cfg)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority < active[j].Priority
		}
		return active[i].Name < active[j].Name
	})
	names := make([]string, len(active))
	for i, cfg := range active {
		names[i] = cfg.Name
	}
	return names
}

// Pay resolves the target gateway, checks policy eligibility and
// delegates initiate. Policy denials and disabled gateways are caller
// mistakes and surface as errors, not failed responses.
func (s *Service) Pay(ctx context.Context, orderID string, opts gateway.Options) (gateway.Response, error) {
	tracer := otel.Tracer("registry")
	ctx, span := tracer.Start(ctx, "Registry.Pay")
	defer span.End()

	gw, err := s.Gateway(opts.Gateway)
	if err != nil {
		return gateway.Response{}, err
	}
	span.SetAttributes(attribute.String("payment.gateway", gw.Name()))

	if !gw.Enabled() {
		return gateway.Response{}, fmt.Errorf("%w: %s", gateway.ErrDisabled, gw.Name())
	}

	ord, err := s.orders.Find(ctx, orderID)
	if err != nil {
		return gateway.Response{}, fmt.Errorf("registry: resolve order %s: %w", orderID, err)
	}

	if s.enforcer != nil {
		amount, _ := ord.Total().Float64()
		decision, err := s.enforcer.Evaluate(policy.Attempt{
			Gateway:  gw.Name(),
			Amount:   amount,
			Currency: opts.Currency,
		})
		if err != nil {
			return gateway.Response{}, err
		}
		if !decision.Allowed {
			return gateway.Response{}, fmt.Errorf("registry: payment denied by rule %q", decision.DeniedBy)
		}
	}

	metrics.PaymentInitiated(gw.Name())
	start := time.Now()
	resp, err := gw.Initiate(ctx, ord, opts)
	metrics.ObserveInitiate(gw.Name(), time.Since(start).Seconds())
	if err != nil || !resp.Success {
		metrics.PaymentFailed(gw.Name())
	} else {
		metrics.PaymentSucceeded(gw.Name())
	}
	return resp, err
}

// Verify routes a verification request. The gateway name comes from
// the data map or falls back to the default.
func (s *Service) Verify(ctx context.Context, reference string, data map[string]string) (gateway.Verification, error) {
	tracer := otel.Tracer("registry")
	ctx, span := tracer.Start(ctx, "Registry.Verify")
	defer span.End()

	gw, err := s.Gateway(data["gateway"])
	if err != nil {
		return gateway.Verification{}, err
	}
	span.SetAttributes(attribute.String("payment.gateway", gw.Name()))
	return gw.Verify(ctx, reference, data)
}

// Refund routes a refund to the named gateway. A nil amount refunds in
// full.
func (s *Service) Refund(ctx context.Context, gatewayName, reference string, amount *decimal.Decimal) (gateway.Response, error) {
	tracer := otel.Tracer("registry")
	ctx, span := tracer.Start(ctx, "Registry.Refund")
	defer span.End()

	gw, err := s.Gateway(gatewayName)
	if err != nil {
		return gateway.Response{}, err
	}
	span.SetAttributes(attribute.String("payment.gateway", gw.Name()))
	return gw.Refund(ctx, reference, amount)
}

// ProcessWebhook routes one raw provider notification to the named
// gateway's handler.
func (s *Service) ProcessWebhook(ctx context.Context, gatewayName string, body []byte, signature string) (gateway.WebhookResult, error) {
	tracer := otel.Tracer("registry")
	ctx, span := tracer.Start(ctx, "Registry.ProcessWebhook")
	defer span.End()

	gw, err := s.Gateway(gatewayName)
	if err != nil {
		return gateway.WebhookResult{}, err
	}
	span.SetAttributes(attribute.String("payment.gateway", gw.Name()))

	if !gw.SupportsWebhook() {
		return gateway.WebhookResult{}, fmt.Errorf("%w: %s", gateway.ErrWebhookUnsupported, gw.Name())
	}

	result, err := gw.HandleWebhook(ctx, body, signature)
	if err != nil {
		metrics.WebhookRejected(gw.Name())
		return result, err
	}
	if result.ShouldProcess {
		metrics.WebhookReceived(gw.Name())
	} else {
		metrics.WebhookRejected(gw.Name())
	}
	return result, nil
}
