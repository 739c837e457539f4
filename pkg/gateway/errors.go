package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/platinummonkey/omgate/pkg/authflow"
	"github.com/platinummonkey/omgate/pkg/config"
	"github.com/platinummonkey/omgate/pkg/directory"
	"github.com/platinummonkey/omgate/pkg/jwks"
	"github.com/platinummonkey/omgate/pkg/token"
)

// statusFor maps a flow error to an HTTP status and a message that is safe to
// return to clients. Provider and catalog response bodies never reach it.
func statusFor(err error) (int, string) {
	var cfgErr *config.ConfigurationError
	var exchangeErr *authflow.TokenExchangeError

	switch {
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError, "gateway is not configured"
	case errors.Is(err, token.ErrInvalidToken), errors.Is(err, jwks.ErrKeyNotFound):
		return http.StatusUnauthorized, "invalid token"
	case errors.Is(err, jwks.ErrKeySourceUnavailable):
		return http.StatusServiceUnavailable, "identity provider unavailable"
	case errors.As(err, &exchangeErr):
		return http.StatusBadGateway, "token exchange failed"
	case directory.IsWriteError(err):
		return http.StatusBadGateway, "user provisioning failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream timeout"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request cancelled"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
