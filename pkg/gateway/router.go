package gateway

import (
	"net/http"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/omgate/pkg/httputil"
	"github.com/platinummonkey/omgate/pkg/observability"
	"github.com/platinummonkey/omgate/pkg/ratelimit"
)

// RouterOptions configures the middleware around the gateway routes.
type RouterOptions struct {
	CORSOrigins []string
	// Limiter is optional; nil disables rate limiting.
	Limiter ratelimit.Limiter
	// Proxies decides which peers may set the client address. Nil trusts none.
	Proxies *ratelimit.ProxyResolver
}

// NewRouter builds the gateway's HTTP handler with its middleware stack.
func NewRouter(h *Handlers, opts RouterOptions, logger logrus.FieldLogger, metrics *observability.Metrics) http.Handler {
	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(metrics))
	router.Use(ratelimit.Middleware(opts.Limiter, opts.Proxies, logger, metrics))
	h.RegisterRoutes(router)

	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", httputil.RequestIDHeader},
		ExposedHeaders:   []string{httputil.RequestIDHeader, "Retry-After", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	handler := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		corsHandler,
	)(router)

	return otelhttp.NewHandler(handler, "omgate")
}
