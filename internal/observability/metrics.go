package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	matchResults     *prometheus.CounterVec
	fraudScores      prometheus.Histogram
	fraudIncidents   prometheus.Counter
	approvalOutcomes *prometheus.CounterVec
	escalations      prometheus.Counter
}

// NewMetrics menginisialisasi registry, metrik HTTP dan metrik domain AP.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "apcore_http_requests_total",
		Help: "HTTP requests partitioned by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apcore_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	matches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "apcore_match_results_total",
		Help: "Match results recorded, partitioned by match type and status.",
	}, []string{"type", "status"})
	scores := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "apcore_fraud_score",
		Help:    "Distribution of invoice fraud scores.",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
	})
	incidents := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "apcore_fraud_incidents_total",
		Help: "Fraud incidents opened at or above the report threshold.",
	})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "apcore_approval_outcomes_total",
		Help: "Approval routing outcomes and decisions.",
	}, []string{"outcome"})
	escalations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "apcore_approval_escalations_total",
		Help: "Approval tasks reassigned to the fallback role after their SLA lapsed.",
	})
	registry.MustRegister(requests, duration, matches, scores, incidents, outcomes, escalations)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		matchResults:     matches,
		fraudScores:      scores,
		fraudIncidents:   incidents,
		approvalOutcomes: outcomes,
		escalations:      escalations,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveMatch counts a persisted match result.
func (m *Metrics) ObserveMatch(matchType, status string) {
	if m == nil {
		return
	}
	m.matchResults.WithLabelValues(matchType, status).Inc()
}

// ObserveFraudScore records a computed score and whether it opened an incident.
func (m *Metrics) ObserveFraudScore(score float64, incident bool) {
	if m == nil {
		return
	}
	m.fraudScores.Observe(score)
	if incident {
		m.fraudIncidents.Inc()
	}
}

// ObserveApproval counts routing outcomes such as auto_approved or rejected.
func (m *Metrics) ObserveApproval(outcome string) {
	if m == nil {
		return
	}
	m.approvalOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveEscalations adds reassigned tasks.
func (m *Metrics) ObserveEscalations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.escalations.Add(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
