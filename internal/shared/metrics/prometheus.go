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
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Business metrics
	alertesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertes_created_total",
			Help: "Total number of incident records created",
		},
		[]string{"classification"},
	)

	alertesStatusChanged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertes_status_changed_total",
			Help: "Total number of incident status changes",
		},
		[]string{"from_status", "to_status"},
	)

	alertesCommented = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertes_commented_total",
			Help: "Total number of internal comments written",
		},
	)

	attachmentUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attachment_uploads_total",
			Help: "Attachment uploads by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	gateOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_gate_outcomes_total",
			Help: "Access gate terminal states",
		},
		[]string{"state"},
	)

	roleResolveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "role_resolve_duration_seconds",
			Help:    "Time to resolve a member's classification and tier",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	contributionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contributions_created_total",
			Help: "Total number of contributions created",
		},
		[]string{"type"},
	)

	surveyVotes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "survey_votes_total",
			Help: "Total number of survey votes",
		},
		[]string{"survey"},
	)

	backendCalls = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_call_duration_seconds",
			Help:    "Hosted backend call duration by capability and outcome",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15},
		},
		[]string{"capability", "outcome"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := routePattern(r)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routePattern labels by chi route template (e.g. /api/v1/alertes/{alerteID})
// so record IDs do not blow up label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// --- Business metric helpers ---

// RecordAlerteCreated records an incident creation
func RecordAlerteCreated(classification string) {
	alertesCreated.WithLabelValues(classification).Inc()
}

// RecordAlerteStatusChange records an incident status change
func RecordAlerteStatusChange(fromStatus, toStatus string) {
	alertesStatusChanged.WithLabelValues(fromStatus, toStatus).Inc()
}

// RecordAlerteComment records an internal comment
func RecordAlerteComment() {
	alertesCommented.Inc()
}

// RecordAttachmentUpload records an upload attempt outcome
func RecordAttachmentUpload(kind string, ok bool) {
	outcome := "failed"
	if ok {
		outcome = "uploaded"
	}
	attachmentUploads.WithLabelValues(kind, outcome).Inc()
}

// RecordGateOutcome records the state the access gate settled in
func RecordGateOutcome(state string) {
	gateOutcomes.WithLabelValues(state).Inc()
}

// RecordRoleResolve records how long role resolution took
func RecordRoleResolve(duration time.Duration) {
	roleResolveDuration.Observe(duration.Seconds())
}

// RecordContributionCreated records a contribution creation
func RecordContributionCreated(contributionType string) {
	contributionsCreated.WithLabelValues(contributionType).Inc()
}

// RecordSurveyVote records a survey vote
func RecordSurveyVote(surveyID string) {
	surveyVotes.WithLabelValues(surveyID).Inc()
}

// RecordBackendCall records a hosted backend call
func RecordBackendCall(capability string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	backendCalls.WithLabelValues(capability, outcome).Observe(duration.Seconds())
}
