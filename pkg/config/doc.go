// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables, with an
// optional YAML file (GATEWAY_CONFIG_FILE) supplying defaults. The returned *Config is
// built once at startup and passed explicitly to every component.
//
// # Configuration Structure
//
// Identity provider (required):
//
//	OIDC_CLIENT_ID="omgate"
//	OIDC_CLIENT_SECRET="..."
//	KEYCLOAK_WELL_KNOWN_URL="http://keycloak:8080/realms/Data-sec"
//
// Catalog (required):
//
//	OPENMETADATA_API_URL="http://openmetadata:8585/api/v1"
//	OPENMETADATA_TOKEN="..."
//
// Key set cache:
//
//	JWKS_REFRESH_INTERVAL="5m"
//	JWKS_MAX_STALENESS="1h"
//	JWKS_MIN_REFRESH_INTERVAL="10s"  # gap between refreshes caused by unknown key IDs
//
// Rate limiting (per client IP, shared through REDIS_URL when set):
//
//	RATE_LIMIT_REQUESTS="60"  # 0 disables
//	RATE_LIMIT_WINDOW="1m"
//	RATE_LIMIT_BURST="10"
//
// Server and observability:
//
//	GATEWAY_PORT="8005"
//	GATEWAY_HEALTH_PORT="9090"
//	LOG_LEVEL="info"  # debug, info, warn, error
//	CORS_ORIGINS="https://catalog.example.com"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		var cfgErr *config.ConfigurationError
//		if errors.As(err, &cfgErr) {
//			log.Fatalf("missing setting %s", cfgErr.Setting)
//		}
//		log.Fatal(err)
//	}
//
// # Related Packages
//
//   - pkg/authflow: Uses the OIDC and catalog settings
//   - pkg/observability: Uses observability configuration
package config
