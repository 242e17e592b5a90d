// Package config loads server configuration from the environment.
package config

import (
	"os"
	"strconv"

	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/gateway"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	// RequireWebhookSignatures rejects unsigned webhook deliveries.
	// Disable only against provider sandboxes.
	RequireWebhookSignatures bool
	DefaultGateway           string
	Gateways                 []gateway.Settings
}

func Load() *Config {
	return &Config{
		HTTPAddr:                 getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		RequireWebhookSignatures: getEnvBool("WEBHOOK_REQUIRE_SIGNATURE", true),
		DefaultGateway:           getEnv("DEFAULT_GATEWAY", "wallet"),
		Gateways: []gateway.Settings{
			{
				Name:     "wallet",
				Driver:   "wallet",
				Active:   getEnvBool("WALLET_ACTIVE", true),
				Priority: 1,
				Config:   map[string]string{},
			},
			{
				Name:     "stripe",
				Driver:   "stripe",
				Active:   getEnvBool("STRIPE_ACTIVE", os.Getenv("STRIPE_SECRET_KEY") != ""),
				Priority: 2,
				Config: map[string]string{
					"secret_key":     os.Getenv("STRIPE_SECRET_KEY"),
					"public_key":     os.Getenv("STRIPE_PUBLIC_KEY"),
					"webhook_secret": os.Getenv("STRIPE_WEBHOOK_SECRET"),
				},
			},
			{
				Name:     "paypal",
				Driver:   "paypal",
				Active:   getEnvBool("PAYPAL_ACTIVE", os.Getenv("PAYPAL_CLIENT_ID") != ""),
				Priority: 3,
				Config: map[string]string{
					"client_id":     os.Getenv("PAYPAL_CLIENT_ID"),
					"client_secret": os.Getenv("PAYPAL_CLIENT_SECRET"),
					"mode":          getEnv("PAYPAL_MODE", "sandbox"),
					"webhook_id":    os.Getenv("PAYPAL_WEBHOOK_ID"),
					"return_url":    os.Getenv("PAYPAL_RETURN_URL"),
					"cancel_url":    os.Getenv("PAYPAL_CANCEL_URL"),
					"brand_name":    os.Getenv("PAYPAL_BRAND_NAME"),
				},
			},
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}
