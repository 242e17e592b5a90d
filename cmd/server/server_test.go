package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/config"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/gateway"
	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/storage/inmemory"
)

func walletOnlyConfig() *config.Config {
	return &config.Config{
		HTTPAddr:                 ":0",
		RequireWebhookSignatures: true,
		DefaultGateway:           "wallet",
		Gateways: []gateway.Settings{
			{Name: "wallet", Driver: "wallet", Active: true, Priority: 1, Config: map[string]string{}},
		},
	}
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	a, err := newApp(walletOnlyConfig(), inmemory.NewRecordRepository())
	require.NoError(t, err)
	return setupRouter(a)
}

func doJSON(t *testing.T, router *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	}
	return w, decoded
}

func TestWalletPaymentEndToEnd(t *testing.T) {
	router := newTestRouter(t)

	w, _ := doJSON(t, router, http.MethodPost, "/orders", `{"id":"order-1","total":"75.00"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w, body := doJSON(t, router, http.MethodPost, "/wallet/funds",
		`{"owner_type":"user","owner_id":"u-9","amount":"100.00"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100", body["balance"])

	w, body = doJSON(t, router, http.MethodPost, "/payments",
		`{"order_id":"order-1","payer_type":"user","payer_id":"u-9"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	reference := body["gateway_reference"].(string)
	require.NotEmpty(t, reference)

	req := httptest.NewRequest(http.MethodGet, "/payments/"+reference+"/verify?gateway=wallet", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["verified"])
	assert.Equal(t, "order-1", body["order_id"])

	w, body = doJSON(t, router, http.MethodPost, "/payments/"+reference+"/refund",
		`{"gateway":"wallet"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
}

func TestPay_InsufficientBalance(t *testing.T) {
	router := newTestRouter(t)

	w, _ := doJSON(t, router, http.MethodPost, "/orders", `{"id":"order-2","total":"75.00"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w, body := doJSON(t, router, http.MethodPost, "/payments",
		`{"order_id":"order-2","payer_type":"user","payer_id":"broke"}`)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Insufficient wallet balance", body["error_message"])
}

func TestPay_SchemaRejectsMalformedBody(t *testing.T) {
	router := newTestRouter(t)

	w, body := doJSON(t, router, http.MethodPost, "/payments", `{"gateway":"wallet"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "Validation errors")

	w, body = doJSON(t, router, http.MethodPost, "/payments",
		`{"order_id":"order-3","currency":"DOLLARS"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "Validation errors")
}

func TestPay_UnknownGateway(t *testing.T) {
	router := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/orders", `{"id":"order-4","total":"10.00"}`)
	w, body := doJSON(t, router, http.MethodPost, "/payments",
		`{"order_id":"order-4","gateway":"bitcoin"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, body["error"], "not registered")
}

func TestWebhook_UnsupportedGateway(t *testing.T) {
	router := newTestRouter(t)

	w, body := doJSON(t, router, http.MethodPost, "/webhooks/wallet", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "webhook")
}

func TestGatewaysEndpoint(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/gateways", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "wallet", body["default"])
	assert.Equal(t, []any{"wallet"}, body["gateways"])
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
