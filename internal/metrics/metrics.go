// Package metrics exposes the Prometheus instruments for the payment
// pipeline. Metrics register on the default registry via promauto so
// promhttp serves them without extra wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	paymentsInitiatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_initiated_total",
		Help: "Payment initiations, labeled by gateway.",
	}, []string{"gateway"})

	paymentsSucceededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_succeeded_total",
		Help: "Payments that reached a settled status, labeled by gateway.",
	}, []string{"gateway"})

	paymentsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_failed_total",
		Help: "Payments rejected or failed, labeled by gateway.",
	}, []string{"gateway"})

	webhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_received_total",
		Help: "Webhook deliveries accepted for processing, labeled by gateway.",
	}, []string{"gateway"})

	webhooksRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_rejected_total",
		Help: "Webhook deliveries dropped without side effects, labeled by gateway.",
	}, []string{"gateway"})

	paymentDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_initiate_duration_seconds",
		Help:    "Wall time of gateway initiate calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"gateway"})
)

func PaymentInitiated(gateway string)  { paymentsInitiatedTotal.WithLabelValues(gateway).Inc() }
func PaymentSucceeded(gateway string)  { paymentsSucceededTotal.WithLabelValues(gateway).Inc() }
func PaymentFailed(gateway string)     { paymentsFailedTotal.WithLabelValues(gateway).Inc() }
func WebhookReceived(gateway string)   { webhooksReceivedTotal.WithLabelValues(gateway).Inc() }
func WebhookRejected(gateway string)   { webhooksRejectedTotal.WithLabelValues(gateway).Inc() }
func ObserveInitiate(gateway string, seconds float64) {
	paymentDurationSeconds.WithLabelValues(gateway).Observe(seconds)
}

// Getters exist for test assertions against the shared registry.

func GetPaymentsInitiatedTotal(gateway string) prometheus.Counter {
	return paymentsInitiatedTotal.WithLabelValues(gateway)
}

func GetPaymentsSucceededTotal(gateway string) prometheus.Counter {
	return paymentsSucceededTotal.WithLabelValues(gateway)
}

func GetPaymentsFailedTotal(gateway string) prometheus.Counter {
	return paymentsFailedTotal.WithLabelValues(gateway)
}

func GetWebhooksReceivedTotal(gateway string) prometheus.Counter {
	return webhooksReceivedTotal.WithLabelValues(gateway)
}

func GetWebhooksRejectedTotal(gateway string) prometheus.Counter {
	return webhooksRejectedTotal.WithLabelValues(gateway)
}
