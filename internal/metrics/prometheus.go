package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal tracks total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "endpoint", "status"},
	)

	// RequestDuration tracks HTTP request duration
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "endpoint"},
	)

	// CircuitBreakerState tracks circuit breaker state (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider", "circuit_name"},
	)

	// CircuitBreakerFailures tracks calls that failed through a breaker
	CircuitBreakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of circuit breaker failures",
		},
		[]string{"provider", "circuit_name"},
	)

	// BulkheadActiveRequests tracks in-flight provider calls
	BulkheadActiveRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bulkhead_active_requests",
			Help: "Number of active requests in bulkhead",
		},
		[]string{"provider", "bulkhead_name"},
	)

	// BulkheadRejectedRequests tracks provider calls refused for lack of capacity
	BulkheadRejectedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkhead_rejected_requests_total",
			Help: "Total number of rejected requests by bulkhead",
		},
		[]string{"provider", "bulkhead_name"},
	)

	// OrderTransitions counts orders entering each status
	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Total number of order status transitions",
		},
		[]string{"status"},
	)

	// PaymentAmount tracks captured payment amounts
	PaymentAmount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_captured_amount",
			Help:    "Captured payment amounts in major currency units",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
		},
		[]string{"currency"},
	)

	// ProviderCalls tracks provider adapter calls by outcome
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_calls_total",
			Help: "Total number of payment provider calls",
		},
		[]string{"provider", "operation", "outcome"},
	)

	// ProviderCallDuration tracks provider call latency
	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_call_duration_seconds",
			Help:    "Payment provider call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	// WebhookEvents tracks webhook deliveries by outcome
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Total number of webhook deliveries",
		},
		[]string{"provider", "type", "outcome"},
	)

	// EscrowOperations tracks escrow state changes
	EscrowOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_operations_total",
			Help: "Total number of escrow operations",
		},
		[]string{"operation"},
	)

	// ConsistencyErrors counts invariant violations; any increase should page
	ConsistencyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consistency_errors_total",
			Help: "Total number of ledger invariant violations",
		},
		[]string{"operation"},
	)

	// TerminalConflicts counts status changes dropped by the terminal-wins rule
	TerminalConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transaction_terminal_conflicts_total",
			Help: "Total number of status updates ignored because the transaction was already terminal",
		},
		[]string{"current", "requested"},
	)

	// NotificationFailures counts notifications that could not be handed off
	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_failures_total",
			Help: "Total number of failed notification deliveries",
		},
		[]string{"emitter"},
	)
)

// PrometheusMiddleware creates a Gin middleware for automatic metrics collection
func PrometheusMiddleware(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		RequestsTotal.WithLabelValues(
			serviceName,
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()

		RequestDuration.WithLabelValues(
			serviceName,
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}
