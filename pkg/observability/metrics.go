package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Charge pipeline
	ChargesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_charges_total",
			Help: "Total provider charge attempts by order type and outcome",
		},
		[]string{"type", "outcome"},
	)

	ChargeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billing_charge_duration_seconds",
			Help:    "Duration of provider charge calls",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	DunningRetriesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_dunning_retries_scheduled_total",
			Help: "Total dunning retries scheduled for recoverable payment failures",
		},
	)

	SubscriptionsCanceled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_subscriptions_canceled_total",
			Help: "Total subscriptions canceled by reason",
		},
		[]string{"reason"},
	)

	// Scheduler
	SchedulerFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_scheduler_fires_total",
			Help: "Total timer firings by result",
		},
		[]string{"result"},
	)

	SchedulerTimersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billing_scheduler_timers_active",
			Help: "Number of armed order timers",
		},
	)

	SweeperClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_sweeper_claims_total",
			Help: "Orders claimed by the due-order sweeper",
		},
		[]string{"kind"},
	)

	// Webhook pipeline
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_deliveries_total",
			Help: "Webhook delivery attempts by result",
		},
		[]string{"result"},
	)

	WebhookDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billing_webhook_delivery_duration_seconds",
			Help:    "Duration of webhook POST attempts",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	WebhookDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_webhook_dead_lettered_total",
			Help: "Webhook deliveries routed to the dead-letter sink",
		},
	)

	// Queue consumers
	QueueRedeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_queue_redeliveries_total",
			Help: "Broker-level message redeliveries by queue",
		},
		[]string{"queue"},
	)

	// HTTP API
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware records request counts and latencies per route
// pattern.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		httpRequestDuration.WithLabelValues(path, r.Method).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(rec.status)).Inc()
	})
}
