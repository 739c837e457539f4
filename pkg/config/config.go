package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. It is built once by LoadConfig
// and must not be mutated afterwards.
type Config struct {
	// Server configuration
	Server ServerConfig

	// Identity provider configuration
	OIDC OIDCConfig

	// Catalog directory configuration
	Catalog CatalogConfig

	// Signing key cache configuration
	KeySet KeySetConfig

	// Outbound HTTP configuration
	HTTPClient HTTPClientConfig

	// Optional Redis used for the shared key set snapshot and rate limits
	Redis RedisConfig

	// Per-client request limits on the gateway routes
	RateLimit RateLimitConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s health checks)
	HealthPort string

	CORSOrigins []string
}

// OIDCConfig holds the identity provider settings
type OIDCConfig struct {
	ClientID     string
	ClientSecret string

	// WellKnownURL is the realm base URL, e.g. http://keycloak:8080/realms/Data-sec
	WellKnownURL string
	RedirectURL  string
	Scopes       []string

	// Explicit endpoint overrides. Empty values are derived from WellKnownURL.
	AuthURL  string
	TokenURL string
	JWKSURL  string

	// Discovery resolves the endpoints from the issuer's openid-configuration.
	Discovery bool

	Issuer           string
	SkipIssuerCheck  bool
	AllowedAlgorithm string
	ClockSkew        time.Duration

	// StateCheck enables the state cookie round trip between / and /callback.
	StateCheck bool
}

// CatalogConfig holds the catalog (OpenMetadata) settings
type CatalogConfig struct {
	APIURL       string
	Token        string
	DashboardURL string

	GroupCacheSize int
	GroupCacheTTL  time.Duration
}

// KeySetConfig controls the JWKS cache freshness policy
type KeySetConfig struct {
	RefreshInterval    time.Duration
	MaxStaleness       time.Duration
	MinRefreshInterval time.Duration
	BackgroundRefresh  bool
}

// HTTPClientConfig controls outbound calls to the identity provider and catalog
type HTTPClientConfig struct {
	Timeout time.Duration
}

// RedisConfig holds the optional Redis connection
type RedisConfig struct {
	URL string
}

// RateLimitConfig limits requests per client IP. Requests <= 0 disables limiting.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	Burst    int

	// TrustedProxies lists IPs or CIDRs whose X-Forwarded-For and X-Real-IP
	// headers identify the client. Empty means the peer address is always used.
	TrustedProxies []string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string
	OTelInsecure    bool
}

// ConfigurationError reports a missing or invalid setting
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("configuration error: %s is required", e.Setting)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Setting, e.Reason)
}

// asymmetricAlgorithms lists the JWS algorithms accepted for OIDC_ALLOWED_ALGORITHM.
var asymmetricAlgorithms = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true,
	"PS256": true, "PS384": true, "PS512": true,
	"ES256": true, "ES384": true, "ES512": true,
	"EdDSA": true,
}

// LoadConfig loads configuration from an optional YAML file and the environment.
// Environment variables take precedence over file values.
func LoadConfig() (*Config, error) {
	file, err := loadFile(os.Getenv("GATEWAY_CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	env := &source{file: file}

	cfg := &Config{
		Server:        loadServerConfig(env),
		OIDC:          loadOIDCConfig(env),
		Catalog:       loadCatalogConfig(env),
		KeySet:        loadKeySetConfig(env),
		HTTPClient:    HTTPClientConfig{Timeout: env.duration("HTTP_CLIENT_TIMEOUT", 10*time.Second)},
		Redis:         RedisConfig{URL: env.str("REDIS_URL", "")},
		RateLimit: RateLimitConfig{
			Requests:       env.integer("RATE_LIMIT_REQUESTS", 60),
			Window:         env.duration("RATE_LIMIT_WINDOW", time.Minute),
			Burst:          env.integer("RATE_LIMIT_BURST", 10),
			TrustedProxies: splitList(env.str("RATE_LIMIT_TRUSTED_PROXIES", ""), ","),
		},
		Observability: loadObservabilityConfig(env),
	}

	if env.err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", env.err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig(env *source) ServerConfig {
	return ServerConfig{
		Host:            env.str("GATEWAY_HOST", "0.0.0.0"),
		Port:            env.str("GATEWAY_PORT", "8005"),
		ReadTimeout:     env.duration("GATEWAY_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    env.duration("GATEWAY_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     env.duration("GATEWAY_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: env.duration("GATEWAY_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      env.str("GATEWAY_HEALTH_PORT", "9090"),
		CORSOrigins:     splitList(env.str("CORS_ORIGINS", "*"), ","),
	}
}

func loadOIDCConfig(env *source) OIDCConfig {
	wellKnown := strings.TrimRight(env.str("KEYCLOAK_WELL_KNOWN_URL", ""), "/")

	cfg := OIDCConfig{
		ClientID:         env.str("OIDC_CLIENT_ID", ""),
		ClientSecret:     env.str("OIDC_CLIENT_SECRET", ""),
		WellKnownURL:     wellKnown,
		RedirectURL:      env.str("OIDC_REDIRECT_URL", "http://localhost:8005/callback"),
		Scopes:           splitScopes(env.str("OIDC_SCOPES", "openid email profile")),
		AuthURL:          env.str("OIDC_AUTH_URL", ""),
		TokenURL:         env.str("OIDC_TOKEN_URL", ""),
		JWKSURL:          env.str("OIDC_JWKS_URL", ""),
		Discovery:        env.boolean("OIDC_DISCOVERY", false),
		Issuer:           env.str("OIDC_ISSUER", wellKnown),
		SkipIssuerCheck:  env.boolean("OIDC_SKIP_ISSUER_CHECK", false),
		AllowedAlgorithm: env.str("OIDC_ALLOWED_ALGORITHM", "RS256"),
		ClockSkew:        env.duration("OIDC_CLOCK_SKEW", 30*time.Second),
		StateCheck:       env.boolean("OIDC_STATE_CHECK", true),
	}

	if wellKnown != "" {
		if cfg.AuthURL == "" {
			cfg.AuthURL = wellKnown + "/protocol/openid-connect/auth"
		}
		if cfg.TokenURL == "" {
			cfg.TokenURL = wellKnown + "/protocol/openid-connect/token"
		}
		if cfg.JWKSURL == "" {
			cfg.JWKSURL = wellKnown + "/protocol/openid-connect/certs"
		}
	}

	return cfg
}

func loadCatalogConfig(env *source) CatalogConfig {
	return CatalogConfig{
		APIURL:         strings.TrimRight(env.str("OPENMETADATA_API_URL", ""), "/"),
		Token:          env.str("OPENMETADATA_TOKEN", ""),
		DashboardURL:   env.str("OPENMETADATA_DASHBOARD_URL", "http://localhost:8585/"),
		GroupCacheSize: env.integer("DIRECTORY_GROUP_CACHE_SIZE", 1024),
		GroupCacheTTL:  env.duration("DIRECTORY_GROUP_CACHE_TTL", 10*time.Minute),
	}
}

func loadKeySetConfig(env *source) KeySetConfig {
	return KeySetConfig{
		RefreshInterval:    env.duration("JWKS_REFRESH_INTERVAL", 5*time.Minute),
		MaxStaleness:       env.duration("JWKS_MAX_STALENESS", time.Hour),
		MinRefreshInterval: env.duration("JWKS_MIN_REFRESH_INTERVAL", 10*time.Second),
		BackgroundRefresh:  env.boolean("JWKS_BACKGROUND_REFRESH", true),
	}
}

func loadObservabilityConfig(env *source) ObservabilityConfig {
	level := env.str("LOG_LEVEL", "info")
	if env.boolean("DEBUG", false) {
		level = "debug"
	}

	return ObservabilityConfig{
		LogLevel:        strings.ToLower(level),
		LogFormat:       strings.ToLower(env.str("LOG_FORMAT", "json")),
		MetricsEnabled:  env.boolean("GATEWAY_METRICS_ENABLED", true),
		OTelEnabled:     env.boolean("GATEWAY_OTEL_ENABLED", false),
		OTelEndpoint:    env.str("GATEWAY_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName: env.str("GATEWAY_OTEL_SERVICE_NAME", "omgate"),
		OTelInsecure:    env.boolean("GATEWAY_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	required := []struct {
		setting string
		value   string
	}{
		{"OIDC_CLIENT_ID", c.OIDC.ClientID},
		{"OIDC_CLIENT_SECRET", c.OIDC.ClientSecret},
		{"KEYCLOAK_WELL_KNOWN_URL", c.OIDC.WellKnownURL},
		{"OPENMETADATA_API_URL", c.Catalog.APIURL},
		{"OPENMETADATA_TOKEN", c.Catalog.Token},
		{"OIDC_REDIRECT_URL", c.OIDC.RedirectURL},
		{"OPENMETADATA_DASHBOARD_URL", c.Catalog.DashboardURL},
	}
	for _, r := range required {
		if r.value == "" {
			return &ConfigurationError{Setting: r.setting}
		}
	}

	urls := []struct {
		setting string
		value   string
	}{
		{"KEYCLOAK_WELL_KNOWN_URL", c.OIDC.WellKnownURL},
		{"OPENMETADATA_API_URL", c.Catalog.APIURL},
		{"OIDC_REDIRECT_URL", c.OIDC.RedirectURL},
		{"OPENMETADATA_DASHBOARD_URL", c.Catalog.DashboardURL},
	}
	for _, r := range urls {
		if u, err := url.Parse(r.value); err != nil || u.Scheme == "" || u.Host == "" {
			return &ConfigurationError{Setting: r.setting, Reason: "must be an absolute URL"}
		}
	}

	if !asymmetricAlgorithms[c.OIDC.AllowedAlgorithm] {
		return &ConfigurationError{
			Setting: "OIDC_ALLOWED_ALGORITHM",
			Reason:  fmt.Sprintf("%q is not an asymmetric signing algorithm", c.OIDC.AllowedAlgorithm),
		}
	}

	hasOpenID := false
	for _, scope := range c.OIDC.Scopes {
		if scope == "openid" {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		return &ConfigurationError{Setting: "OIDC_SCOPES", Reason: "'openid' scope is required"}
	}

	if c.HTTPClient.Timeout <= 0 {
		return &ConfigurationError{Setting: "HTTP_CLIENT_TIMEOUT", Reason: "must be positive"}
	}
	if c.KeySet.RefreshInterval <= 0 {
		return &ConfigurationError{Setting: "JWKS_REFRESH_INTERVAL", Reason: "must be positive"}
	}
	if c.KeySet.MaxStaleness < c.KeySet.RefreshInterval {
		return &ConfigurationError{Setting: "JWKS_MAX_STALENESS", Reason: "must not be shorter than JWKS_REFRESH_INTERVAL"}
	}
	if c.KeySet.MinRefreshInterval < 0 {
		return &ConfigurationError{Setting: "JWKS_MIN_REFRESH_INTERVAL", Reason: "must not be negative"}
	}

	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		return &ConfigurationError{Setting: "RATE_LIMIT_WINDOW", Reason: "must be positive"}
	}
	for _, proxy := range c.RateLimit.TrustedProxies {
		if _, err := netip.ParsePrefix(proxy); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(proxy); err != nil {
			return &ConfigurationError{
				Setting: "RATE_LIMIT_TRUSTED_PROXIES",
				Reason:  fmt.Sprintf("%q is not an IP address or CIDR", proxy),
			}
		}
	}

	if c.Server.Port == "" {
		return &ConfigurationError{Setting: "GATEWAY_PORT"}
	}
	if c.Server.Port == c.Server.HealthPort {
		return &ConfigurationError{Setting: "GATEWAY_HEALTH_PORT", Reason: "server port and health port must be different"}
	}

	switch c.Observability.LogFormat {
	case "json", "text":
	default:
		return &ConfigurationError{Setting: "LOG_FORMAT", Reason: "must be json or text"}
	}

	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		return &ConfigurationError{Setting: "GATEWAY_OTEL_ENDPOINT", Reason: "required when tracing is enabled"}
	}

	return nil
}

// source resolves a setting from the environment, then the config file, then a
// default. The first value that fails to parse is kept in err.
type source struct {
	file map[string]string
	err  error
}

func (s *source) lookup(key string) (string, bool) {
	if value := os.Getenv(key); value != "" {
		return value, true
	}
	if value, ok := s.file[key]; ok && value != "" {
		return value, true
	}
	return "", false
}

func (s *source) invalid(key, reason string) {
	if s.err == nil {
		s.err = &ConfigurationError{Setting: key, Reason: reason}
	}
}

func (s *source) str(key, defaultValue string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return defaultValue
}

func (s *source) boolean(key string, defaultValue bool) bool {
	value, ok := s.lookup(key)
	if !ok {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		s.invalid(key, "invalid boolean")
		return defaultValue
	}
	return b
}

func (s *source) integer(key string, defaultValue int) int {
	value, ok := s.lookup(key)
	if !ok {
		return defaultValue
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		s.invalid(key, "invalid integer")
		return defaultValue
	}
	return intVal
}

func (s *source) duration(key string, defaultValue time.Duration) time.Duration {
	value, ok := s.lookup(key)
	if !ok {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		s.invalid(key, "invalid duration")
		return defaultValue
	}
	return d
}

// loadFile reads a flat YAML mapping of setting names to values.
func loadFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case []interface{}:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprint(item))
			}
			values[strings.ToUpper(k)] = strings.Join(parts, ",")
		default:
			values[strings.ToUpper(k)] = fmt.Sprint(val)
		}
	}
	return values, nil
}

func splitList(value, sep string) []string {
	var out []string
	for _, part := range strings.Split(value, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitScopes(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ' ' || r == ','
	})
}
