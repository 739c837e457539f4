package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	require.NotNil(t, metrics)

	// Registering twice on the same registry must panic on duplicate collectors.
	assert.Panics(t, func() { NewMetrics(registry) })
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveKeySetRefresh("success", time.Millisecond, 2)
		m.ObserveTokenVerification("valid")
		m.ObserveDirectoryRequest("create_user", 201, time.Millisecond)
		m.ObserveGroupOutcome("created")
		m.ObserveAuthFlow("redirecting", "")
		m.ObserveRateLimit("limited")
	})
}

func TestMetrics_ObserveKeySetRefresh(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveKeySetRefresh("success", 10*time.Millisecond, 3)
	m.ObserveKeySetRefresh("error", 10*time.Millisecond, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeySetRefreshTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeySetRefreshTotal.WithLabelValues("error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.KeySetKeys), "failed refresh must not reset the key gauge")
	assert.Greater(t, testutil.ToFloat64(m.KeySetLastRefresh), 0.0)
}

func TestMetrics_ObserveDirectoryRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveDirectoryRequest("create_user", 409, time.Millisecond)
	m.ObserveDirectoryRequest("get_team", 0, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DirectoryRequestsTotal.WithLabelValues("create_user", "409")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DirectoryRequestsTotal.WithLabelValues("get_team", "error")))
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/teams/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, name := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teams/"+name, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/teams/{name}", "404")))
}

func TestHTTPMetricsMiddleware_Unmatched(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	handler := HTTPMetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/anything", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "unmatched", "200")))
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.ObserveTokenVerification("expired")

	serveMux := http.NewServeMux()
	RegisterMetricsEndpoint(serveMux, registry)

	rec := httptest.NewRecorder()
	serveMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `omgate_token_verifications_total{result="expired"} 1`))
}
