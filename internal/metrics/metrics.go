package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outreach_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	emailsQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_emails_queued_total",
			Help: "Total emails queued by email type",
		},
		[]string{"email_type"},
	)

	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_sends_total",
			Help: "Delivery attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outreach_send_duration_seconds",
			Help:    "Provider call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	claimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outreach_claim_conflicts_total",
			Help: "Emails skipped because another processor claimed them first",
		},
	)

	rateWindowHalts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outreach_rate_window_halts_total",
			Help: "Batches cut short by an exhausted hourly send window",
		},
	)

	trackingEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_tracking_events_total",
			Help: "Tracking events recorded by type",
		},
		[]string{"event_type"},
	)

	feedbackMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_feedback_messages_total",
			Help: "Provider feedback messages consumed by outcome",
		},
		[]string{"outcome"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outreach_sqs_messages_in_flight",
			Help: "Current feedback messages being processed from SQS",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outreach_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outreach_idempotency_hits_total",
			Help: "Requests rejected as duplicates by the idempotency guard",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_rate_limit_rejections_total",
			Help: "Requests rejected by the API rate limiter",
		},
		[]string{"client"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outreach_db_connections_active",
			Help: "Acquired database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordQueued counts n newly queued emails of one type.
func RecordQueued(emailType string, n int) {
	if n <= 0 {
		return
	}
	emailsQueued.WithLabelValues(emailType).Add(float64(n))
}

// RecordSend records one delivery attempt. outcome is "sent" or "failed".
func RecordSend(provider, outcome string, duration time.Duration) {
	sendsTotal.WithLabelValues(provider, outcome).Inc()
	sendDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordClaimConflict records a lost claim race.
func RecordClaimConflict() {
	claimConflicts.Inc()
}

// RecordRateWindowHalt records a batch stopped by the hourly window.
func RecordRateWindowHalt() {
	rateWindowHalts.Inc()
}

// RecordTrackingEvent records a persisted tracking event
func RecordTrackingEvent(eventType string) {
	trackingEvents.WithLabelValues(eventType).Inc()
}

// RecordFeedbackMessage records the handling outcome of one feedback message
func RecordFeedbackMessage(outcome string) {
	feedbackMessages.WithLabelValues(outcome).Inc()
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// SetBreakerState publishes a breaker's state as its numeric value.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordIdempotencyHit records a duplicate request
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(client string) {
	rateLimitRejections.WithLabelValues(client).Inc()
}

// SetDBConnections sets acquired database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. Requests
// routed by chi are labelled with their route pattern, not the raw path.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
