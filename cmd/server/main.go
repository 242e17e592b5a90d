package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/config"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/gateway"
	paypalgw "github.com/adichannnnnhere64/brtcle-payment-gateway/internal/gateway/paypal"
	stripegw "github.com/adichannnnnhere64/brtcle-payment-gateway/internal/gateway/stripe"
	walletgw "github.com/adichannnnnhere64/brtcle-payment-gateway/internal/gateway/wallet"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/monitor"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/order"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/policy"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/record"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/registry"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/storage/inmemory"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/storage/postgres"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/wallet"
)

type app struct {
	payments *registry.Service
	records  record.Repository
	orders   *order.MemoryResolver
	funds    wallet.Service
	monitor  *monitor.ContractMonitor
}

type payRequest struct {
	OrderID       string `json:"order_id"`
	Gateway       string `json:"gateway"`
	Currency      string `json:"currency"`
	Description   string `json:"description"`
	CustomerEmail string `json:"customer_email"`
	CustomerName  string `json:"customer_name"`
	PayerType     string `json:"payer_type"`
	PayerID       string `json:"payer_id"`
	ReturnURL     string `json:"return_url"`
	CancelURL     string `json:"cancel_url"`
	CaptureMethod string `json:"capture_method"`
}

func (a *app) payHandler(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}

	valid, violations, err := a.monitor.Validate(body)
	if err != nil {
		log.Printf("request validation error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request validation failed"})
		return
	}
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": monitor.FormatErrors(violations)})
		return
	}

	var req payRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}

	resp, err := a.payments.Pay(c.Request.Context(), req.OrderID, gateway.Options{
		Gateway:       req.Gateway,
		Currency:      req.Currency,
		Description:   req.Description,
		CustomerEmail: req.CustomerEmail,
		CustomerName:  req.CustomerName,
		PayerType:     req.PayerType,
		PayerID:       req.PayerID,
		ReturnURL:     req.ReturnURL,
		CancelURL:     req.CancelURL,
		CaptureMethod: req.CaptureMethod,
	})
	if err != nil {
		log.Printf("payment for order %s rejected: %v", req.OrderID, err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if !resp.Success {
		status = http.StatusPaymentRequired
	}
	c.JSON(status, gin.H{
		"success":           resp.Success,
		"gateway_reference": resp.GatewayReference,
		"redirect_url":      resp.RedirectURL,
		"requires_action":   resp.RequiresAction,
		"action_data":       resp.ActionData,
		"error_message":     resp.ErrorMessage,
	})
}

func (a *app) verifyHandler(c *gin.Context) {
	reference := c.Param("reference")
	data := make(map[string]string)
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			data[k] = v[0]
		}
	}

	ver, err := a.payments.Verify(c.Request.Context(), reference, data)
	if err != nil {
		log.Printf("verify %s failed: %v", reference, err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"verified":    ver.Verified,
		"order_id":    ver.OrderID,
		"gateway":     ver.Gateway,
		"status":      ver.Status,
		"verified_at": ver.VerifiedAt,
	})
}

type refundRequest struct {
	Gateway string `json:"gateway"`
	Amount  string `json:"amount"`
}

func (a *app) refundHandler(c *gin.Context) {
	reference := c.Param("reference")

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}

	var amount *decimal.Decimal
	if req.Amount != "" {
		parsed, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid refund amount"})
			return
		}
		amount = &parsed
	}

	resp, err := a.payments.Refund(c.Request.Context(), req.Gateway, reference, amount)
	if err != nil {
		log.Printf("refund %s failed: %v", reference, err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if !resp.Success {
		status = http.StatusPaymentRequired
	}
	c.JSON(status, gin.H{
		"success":           resp.Success,
		"gateway_reference": resp.GatewayReference,
		"error_message":     resp.ErrorMessage,
	})
}

// webhookSignature pulls the provider's signature header. Each provider
// names its header differently; the generic header serves tests and
// internal replays.
func webhookSignature(c *gin.Context, gatewayName string) string {
	switch gatewayName {
	case "stripe":
		if sig := c.GetHeader("Stripe-Signature"); sig != "" {
			return sig
		}
	case "paypal":
		if sig := c.GetHeader("Paypal-Transmission-Sig"); sig != "" {
			return sig
		}
	}
	return c.GetHeader("X-Webhook-Signature")
}

func (a *app) webhookHandler(c *gin.Context) {
	gatewayName := c.Param("gateway")
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}

	result, err := a.payments.ProcessWebhook(c.Request.Context(), gatewayName, body, webhookSignature(c, gatewayName))
	if err != nil {
		log.Printf("webhook for %s rejected: %v", gatewayName, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// A failed signature check gets a 400 so a misconfigured secret
	// shows up in the provider's delivery log.
	if invalid, _ := result.Response["signature_invalid"].(bool); invalid {
		c.JSON(http.StatusBadRequest, gin.H{"error": result.Response["error"]})
		return
	}

	// Providers retry non-2xx responses. Every other dropped delivery
	// (replay, unknown event, unknown reference) is acknowledged so the
	// provider stops resending it.
	c.JSON(http.StatusOK, gin.H{
		"received":   true,
		"event_type": result.EventType,
		"processed":  result.ShouldProcess,
		"response":   result.Response,
	})
}

func (a *app) gatewaysHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"default":  a.payments.Default(),
		"gateways": a.payments.AvailableGateways(),
	})
}

type createOrderRequest struct {
	ID    string `json:"id"`
	Total string `json:"total"`
}

func (a *app) createOrderHandler(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	total, err := decimal.NewFromString(req.Total)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order total"})
		return
	}
	a.orders.Add(order.NewMemoryOrder(req.ID, total))
	c.JSON(http.StatusCreated, gin.H{"id": req.ID, "total": req.Total})
}

type addFundsRequest struct {
	OwnerType string `json:"owner_type"`
	OwnerID   string `json:"owner_id"`
	Amount    string `json:"amount"`
}

func (a *app) addFundsHandler(c *gin.Context) {
	var req addFundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid amount"})
		return
	}
	owner := wallet.Owner{Type: req.OwnerType, ID: req.OwnerID}
	if err := a.funds.AddFunds(owner, amount, "Top-up via API"); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	balance, err := a.funds.Balance(owner)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance.String()})
}

func setupRouter(a *app) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware("payment-gateway"))

	router.POST("/orders", a.createOrderHandler)
	router.POST("/wallet/funds", a.addFundsHandler)
	router.POST("/payments", a.payHandler)
	router.GET("/payments/:reference/verify", a.verifyHandler)
	router.POST("/payments/:reference/refund", a.refundHandler)
	router.POST("/webhooks/:gateway", a.webhookHandler)
	router.GET("/gateways", a.gatewaysHandler)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

func newApp(cfg *config.Config, records record.Repository) (*app, error) {
	orders := order.NewMemoryResolver()
	funds := wallet.NewMemoryService()

	enforcer, err := policy.NewEnforcer([]policy.RuleConfig{
		{Name: "MaxPaymentAmount", Expression: "amount <= 1000000"},
	})
	if err != nil {
		return nil, err
	}

	contractMonitor, err := monitor.NewContractMonitorFromBytes([]byte(monitor.PayRequestSchema))
	if err != nil {
		return nil, err
	}

	payments := registry.NewService(orders, enforcer)
	for _, settings := range cfg.Gateways {
		payments.Configure(settings)

		var factory gateway.Factory
		switch settings.Driver {
		case walletgw.DriverName:
			factory = func(s gateway.Settings) (gateway.Gateway, error) {
				return walletgw.New(s, funds, records)
			}
		case stripegw.DriverName:
			factory = func(s gateway.Settings) (gateway.Gateway, error) {
				return stripegw.New(s, records, orders, cfg.RequireWebhookSignatures)
			}
		case paypalgw.DriverName:
			factory = func(s gateway.Settings) (gateway.Gateway, error) {
				return paypalgw.New(s, records, orders, cfg.RequireWebhookSignatures)
			}
		default:
			log.Printf("skipping gateway %s: unknown driver %s", settings.Name, settings.Driver)
			continue
		}
		if err := payments.Register(settings.Name, factory); err != nil {
			return nil, err
		}
	}
	if err := payments.SetDefault(cfg.DefaultGateway); err != nil {
		return nil, err
	}

	return &app{
		payments: payments,
		records:  records,
		orders:   orders,
		funds:    funds,
		monitor:  contractMonitor,
	}, nil
}

func initTracer() (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp, nil
}

func main() {
	log.Println("Starting payment gateway server...")
	cfg := config.Load()

	tp, err := initTracer()
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	var records record.Repository
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pool.Close()
		repo := postgres.NewRecordRepository(pool)
		if err := repo.Migrate(context.Background()); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		records = repo
	} else {
		log.Println("DATABASE_URL not set, using in-memory payment records")
		records = inmemory.NewRecordRepository()
	}

	a, err := newApp(cfg, records)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	router := setupRouter(a)
	if err := router.Run(cfg.HTTPAddr); err != nil {
		log.Fatalf("Failed to run server: %v", err)
	}
}
