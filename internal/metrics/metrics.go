// Package metrics defines the Prometheus collectors the checkout engine
// drives. The sink (scrape endpoint) is wired by the caller; see
// cmd/retail-server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type CheckoutMetrics struct {
	CheckoutDuration *prometheus.HistogramVec
	CheckoutErrors   *prometheus.CounterVec
	PaymentRetries   prometheus.Counter
	BreakerOpen      prometheus.Gauge
}

// New registers the checkout collectors on the given registerer. Pass
// prometheus.DefaultRegisterer in binaries and a fresh
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *CheckoutMetrics {
	m := &CheckoutMetrics{
		CheckoutDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "checkout",
			Name:      "duration_seconds",
			Help:      "Duration of checkout operations in seconds.",
			Buckets:   []float64{0.1, 0.2, 0.5, 1.0, 2.0, 5.0, 10.0},
		}, []string{"payment_method"}),
		CheckoutErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "error_total",
			Help:      "Total number of checkout errors, labelled by type.",
		}, []string{"type"}),
		PaymentRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "payment_retry_total",
			Help:      "Total number of payment retry attempts.",
		}),
		BreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "checkout",
			Name:      "circuit_breaker_open",
			Help:      "Payment circuit breaker state (1=open, 0=closed).",
		}),
	}
	reg.MustRegister(m.CheckoutDuration, m.CheckoutErrors, m.PaymentRetries, m.BreakerOpen)
	return m
}

func Handler() http.Handler {
	return promhttp.Handler()
}
