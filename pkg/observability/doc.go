// Package observability provides structured logging, Prometheus metrics, health checks
// and OpenTelemetry tracing for the gateway.
//
// # Structured Logging
//
// Create logger:
//
//	logger := observability.NewLogger("info", "json", os.Stdout)
//	logger.WithField("port", 8005).Info("Server started")
//
// Request-scoped logging:
//
//	log := observability.FromContext(r.Context(), logger)
//	log.WithError(err).Warn("group reconciliation failed")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.ObserveTokenVerification("valid")
//
// A nil *Metrics is accepted everywhere and records nothing, so components can be
// constructed without a registry in tests.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(redisClient, version)
//	checker.AddCheck("jwks", keys.HealthCheck)
//
// Failing registered checks make the service unhealthy. A failing Redis only
// degrades it.
//
// # OpenTelemetry
//
//	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "omgate",
//	}, logger)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/httputil: Request logging middleware
package observability
