// Package metrics provides Prometheus instrumentation for the platform.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courseledger",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "courseledger",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OrdersTotal counts order lifecycle transitions by resulting status.
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courseledger",
			Name:      "orders_total",
			Help:      "Total order status transitions by resulting status.",
		},
		[]string{"status"},
	)

	// PaymentCallbacksTotal counts gateway callbacks by outcome.
	// Outcomes: confirmed, duplicate, redriven, rejected, invalid_signature.
	PaymentCallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courseledger",
			Name:      "payment_callbacks_total",
			Help:      "Total payment gateway callbacks by outcome.",
		},
		[]string{"outcome"},
	)

	// RewardsGrantedTotal counts referral reward grants by bucket.
	RewardsGrantedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courseledger",
			Name:      "rewards_granted_total",
			Help:      "Total referral reward ledger postings by bucket.",
		},
		[]string{"bucket"},
	)

	// RefundReversalFailures counts refund sub-step failures by step.
	RefundReversalFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courseledger",
			Name:      "refund_reversal_failures_total",
			Help:      "Total refund reversal sub-step failures by step.",
		},
		[]string{"step"},
	)

	// NotificationsTotal counts outbound notifications by kind and result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courseledger",
			Name:      "notifications_total",
			Help:      "Total outbound notifications by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// LedgerDriftDetected counts reconciliation runs that found balance drift.
	LedgerDriftDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "courseledger",
			Name:      "ledger_drift_detected_total",
			Help:      "Reconciliation runs that found cached balances diverging from the log.",
		},
	)

	// ExpirySweepClosed counts orders closed by the expiry sweep.
	ExpirySweepClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "courseledger",
			Name:      "expiry_sweep_closed_total",
			Help:      "Orders closed by the expiry sweep.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrdersTotal,
		PaymentCallbacksTotal,
		RewardsGrantedTotal,
		NotificationsTotal,
		RefundReversalFailures,
		LedgerDriftDetected,
		ExpirySweepClosed,
	)
}

// Middleware records request counts and latency for every route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
