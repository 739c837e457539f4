package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/omgate/pkg/authflow"
	"github.com/platinummonkey/omgate/pkg/config"
	"github.com/platinummonkey/omgate/pkg/directory"
	"github.com/platinummonkey/omgate/pkg/gateway"
	"github.com/platinummonkey/omgate/pkg/jwks"
	"github.com/platinummonkey/omgate/pkg/observability"
	"github.com/platinummonkey/omgate/pkg/ratelimit"
	"github.com/platinummonkey/omgate/pkg/token"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "", "Path to a YAML config file (overrides GATEWAY_CONFIG_FILE)")
	flag.Parse()

	if *configFile != "" {
		os.Setenv("GATEWAY_CONFIG_FILE", *configFile)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	logger.WithField("version", version).Info("Starting omgate")

	ctx := context.Background()

	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
		Enabled:     cfg.Observability.OTelEnabled,
		Endpoint:    cfg.Observability.OTelEndpoint,
		ServiceName: cfg.Observability.OTelServiceName,
		Insecure:    cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Warn("Tracing disabled")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// Every outbound call shares one bounded client.
	httpClient := &http.Client{
		Timeout:   cfg.HTTPClient.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	endpoints, err := authflow.ResolveEndpoints(ctx, cfg.OIDC, httpClient)
	if err != nil {
		logger.WithError(err).Fatal("Failed to resolve identity provider endpoints")
	}

	redisClient, err := newRedisClient(cfg.Redis.URL)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure Redis")
	}

	var store jwks.SnapshotStore
	if redisClient != nil {
		store = jwks.NewRedisStore(redisClient, "omgate:jwks:"+cfg.OIDC.ClientID, cfg.KeySet.MaxStaleness)
	}

	keys, err := jwks.New(jwks.Options{
		URL:                 endpoints.JWKSURL,
		Client:              httpClient,
		RefreshInterval:     cfg.KeySet.RefreshInterval,
		MaxStaleness:        cfg.KeySet.MaxStaleness,
		MissRefreshInterval: cfg.KeySet.MinRefreshInterval,
		Store:               store,
		Logger:              logger,
		Metrics:             metrics,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create key set cache")
	}
	keys.Warm(ctx)

	scheduler := cron.New()
	if cfg.KeySet.BackgroundRefresh {
		if _, err := keys.Schedule(scheduler); err != nil {
			logger.WithError(err).Fatal("Failed to schedule key set refresh")
		}
	}

	limiter, err := newLimiter(cfg.RateLimit, redisClient, scheduler)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure rate limiting")
	}
	proxies, err := ratelimit.NewProxyResolver(cfg.RateLimit.TrustedProxies)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure trusted proxies")
	}
	scheduler.Start()

	issuer := cfg.OIDC.Issuer
	if cfg.OIDC.SkipIssuerCheck {
		issuer = ""
	}
	verifier, err := token.NewVerifier(keys, token.Config{
		ClientID:  cfg.OIDC.ClientID,
		Issuer:    issuer,
		Algorithm: jose.SignatureAlgorithm(cfg.OIDC.AllowedAlgorithm),
		ClockSkew: cfg.OIDC.ClockSkew,
	}, logger, metrics)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create token verifier")
	}

	catalog := directory.NewClient(cfg.Catalog.APIURL, cfg.Catalog.Token, httpClient, logger, metrics)
	reconciler := directory.NewReconciler(catalog, directory.ReconcilerOptions{
		GroupCacheSize: cfg.Catalog.GroupCacheSize,
		GroupCacheTTL:  cfg.Catalog.GroupCacheTTL,
	}, logger, metrics)

	controller := authflow.NewController(authflow.Options{
		ClientID:     cfg.OIDC.ClientID,
		ClientSecret: cfg.OIDC.ClientSecret,
		RedirectURL:  cfg.OIDC.RedirectURL,
		Scopes:       cfg.OIDC.Scopes,
		Endpoints:    endpoints,
		DashboardURL: cfg.Catalog.DashboardURL,
		HTTPClient:   httpClient,
	}, verifier, reconciler, logger, metrics)

	handlers := gateway.NewHandlers(controller, gateway.Options{
		StateCheck:    cfg.OIDC.StateCheck,
		SecureCookies: strings.HasPrefix(cfg.OIDC.RedirectURL, "https://"),
	}, logger)

	router := gateway.NewRouter(handlers, gateway.RouterOptions{
		CORSOrigins: cfg.Server.CORSOrigins,
		Limiter:     limiter,
		Proxies:     proxies,
	}, logger, metrics)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	checker := observability.NewHealthChecker(redisClient, version)
	checker.AddCheck("jwks", keys.HealthCheck)

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, checker)
	observability.RegisterMetricsEndpoint(healthMux, registry)

	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}

	go serve(logger, server, "gateway")
	go serve(logger, healthServer, "health")

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, server, healthServer)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if tp != nil {
		shutdown.RegisterShutdownFunc(tp.Shutdown)
	}
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error {
			return redisClient.Close()
		})
	}

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown completed with errors")
		os.Exit(1)
	}
}

func serve(logger logrus.FieldLogger, server *http.Server, name string) {
	logger.WithField("addr", server.Addr).Infof("Starting %s server", name)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatalf("%s server failed", name)
	}
}

// newLimiter shares limits through Redis when it is configured. A nil Limiter
// disables rate limiting.
func newLimiter(cfg config.RateLimitConfig, client *redis.Client, scheduler *cron.Cron) (ratelimit.Limiter, error) {
	if cfg.Requests <= 0 {
		return nil, nil
	}
	limits := ratelimit.Config{Requests: cfg.Requests, Window: cfg.Window, Burst: cfg.Burst}
	if client != nil {
		return ratelimit.NewRedisLimiter(client, limits, "omgate:ratelimit"), nil
	}
	limiter := ratelimit.NewMemoryLimiter(limits)
	if _, err := limiter.Schedule(scheduler); err != nil {
		return nil, err
	}
	return limiter, nil
}

func newRedisClient(url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}
