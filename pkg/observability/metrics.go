package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Key set metrics
	KeySetRefreshTotal    *prometheus.CounterVec
	KeySetRefreshDuration prometheus.Histogram
	KeySetKeys            prometheus.Gauge
	KeySetLastRefresh     prometheus.Gauge

	// Token verification metrics
	TokenVerificationsTotal *prometheus.CounterVec

	// Directory metrics
	DirectoryRequestsTotal   *prometheus.CounterVec
	DirectoryRequestDuration *prometheus.HistogramVec
	GroupOutcomesTotal       *prometheus.CounterVec

	// Login flow metrics
	AuthFlowsTotal *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitDecisionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "omgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		KeySetRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omgate_jwks_refresh_total",
				Help: "Total number of signing key set refreshes",
			},
			[]string{"result"},
		),
		KeySetRefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "omgate_jwks_refresh_duration_seconds",
				Help:    "Signing key set fetch duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		KeySetKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "omgate_jwks_keys",
				Help: "Number of usable signing keys in the cached set",
			},
		),
		KeySetLastRefresh: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "omgate_jwks_last_refresh_timestamp_seconds",
				Help: "Unix time of the last successful key set refresh",
			},
		),

		TokenVerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omgate_token_verifications_total",
				Help: "Total number of bearer token verifications",
			},
			[]string{"result"},
		),

		DirectoryRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omgate_directory_requests_total",
				Help: "Total number of catalog directory requests",
			},
			[]string{"operation", "status"},
		),
		DirectoryRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "omgate_directory_request_duration_seconds",
				Help:    "Catalog directory request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		GroupOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omgate_directory_group_outcomes_total",
				Help: "Per-group reconciliation outcomes",
			},
			[]string{"action"},
		),

		AuthFlowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omgate_auth_flows_total",
				Help: "Login flows by terminal state and failing step",
			},
			[]string{"outcome", "step"},
		),

		RateLimitDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omgate_rate_limit_decisions_total",
				Help: "Rate limit decisions (allowed, limited, error)",
			},
			[]string{"decision"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.KeySetRefreshTotal,
		m.KeySetRefreshDuration,
		m.KeySetKeys,
		m.KeySetLastRefresh,
		m.TokenVerificationsTotal,
		m.DirectoryRequestsTotal,
		m.DirectoryRequestDuration,
		m.GroupOutcomesTotal,
		m.AuthFlowsTotal,
		m.RateLimitDecisionsTotal,
	)

	return m
}

// ObserveKeySetRefresh records a key set fetch attempt
func (m *Metrics) ObserveKeySetRefresh(result string, duration time.Duration, keys int) {
	if m == nil {
		return
	}
	m.KeySetRefreshTotal.WithLabelValues(result).Inc()
	m.KeySetRefreshDuration.Observe(duration.Seconds())
	if result == "success" {
		m.KeySetKeys.Set(float64(keys))
		m.KeySetLastRefresh.SetToCurrentTime()
	}
}

// ObserveTokenVerification records a verification result ("valid" or a rejection reason)
func (m *Metrics) ObserveTokenVerification(result string) {
	if m == nil {
		return
	}
	m.TokenVerificationsTotal.WithLabelValues(result).Inc()
}

// ObserveDirectoryRequest records one catalog API call. status 0 means a transport error.
func (m *Metrics) ObserveDirectoryRequest(operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.DirectoryRequestsTotal.WithLabelValues(operation, label).Inc()
	m.DirectoryRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveGroupOutcome records the action taken for one group
func (m *Metrics) ObserveGroupOutcome(action string) {
	if m == nil {
		return
	}
	m.GroupOutcomesTotal.WithLabelValues(action).Inc()
}

// ObserveAuthFlow records a finished login or register flow
func (m *Metrics) ObserveAuthFlow(outcome, step string) {
	if m == nil {
		return
	}
	m.AuthFlowsTotal.WithLabelValues(outcome, step).Inc()
}

// ObserveRateLimit records one rate limit decision
func (m *Metrics) ObserveRateLimit(decision string) {
	if m == nil {
		return
	}
	m.RateLimitDecisionsTotal.WithLabelValues(decision).Inc()
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

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Paths are labelled with the mux route template to keep cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := routePath(r)
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
