package authflow

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/platinummonkey/omgate/pkg/config"
)

// Endpoints are the identity provider URLs the gateway talks to
type Endpoints struct {
	AuthURL  string
	TokenURL string
	JWKSURL  string
}

// ResolveEndpoints returns the configured endpoints, or discovers them from the
// issuer's openid-configuration document when discovery is enabled.
func ResolveEndpoints(ctx context.Context, cfg config.OIDCConfig, client *http.Client) (Endpoints, error) {
	if !cfg.Discovery {
		return Endpoints{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL, JWKSURL: cfg.JWKSURL}, nil
	}

	issuer := cfg.Issuer
	if issuer == "" {
		issuer = cfg.WellKnownURL
	}
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return Endpoints{}, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	var metadata struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := provider.Claims(&metadata); err != nil {
		return Endpoints{}, fmt.Errorf("failed to read provider metadata: %w", err)
	}

	endpoint := provider.Endpoint()
	return Endpoints{
		AuthURL:  endpoint.AuthURL,
		TokenURL: endpoint.TokenURL,
		JWKSURL:  metadata.JWKSURL,
	}, nil
}
