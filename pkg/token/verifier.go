package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/omgate/pkg/jwks"
	"github.com/platinummonkey/omgate/pkg/observability"
)

// KeySource looks up public signing keys by key ID
type KeySource interface {
	GetKey(ctx context.Context, kid string) (*jose.JSONWebKey, error)
}

// Config holds the claim expectations for a Verifier
type Config struct {
	// ClientID must appear in the token audience.
	ClientID string
	// Issuer is compared to the iss claim. Empty skips the check.
	Issuer string
	// Algorithm is the only accepted signing algorithm; it must be asymmetric.
	Algorithm jose.SignatureAlgorithm
	// ClockSkew is the leeway applied to exp, nbf and iat.
	ClockSkew time.Duration
}

// Verifier checks bearer tokens against the provider's signing keys
type Verifier struct {
	keys    KeySource
	cfg     Config
	logger  logrus.FieldLogger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewVerifier creates a token verifier
func NewVerifier(keys KeySource, cfg Config, logger logrus.FieldLogger, metrics *observability.Metrics) (*Verifier, error) {
	if keys == nil {
		return nil, fmt.Errorf("key source is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	switch cfg.Algorithm {
	case "":
		cfg.Algorithm = jose.RS256
	case jose.HS256, jose.HS384, jose.HS512:
		return nil, fmt.Errorf("symmetric algorithm %s is not allowed", cfg.Algorithm)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Verifier{
		keys:    keys,
		cfg:     cfg,
		logger:  logger.WithField("component", "token"),
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// header holds the JOSE header fields read before any trust is established.
type header struct {
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
}

// claims holds the identity claims consumed from the token payload
type claims struct {
	Email             string   `json:"email"`
	PreferredUsername string   `json:"preferred_username"`
	Groups            []string `json:"groups"`
}

// Verify checks the token's signature and claims and returns the identity it
// carries. Key lookup errors from the KeySource are returned unchanged; every
// other failure is an *InvalidTokenError.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Identity, error) {
	identity, err := v.verify(ctx, raw)
	v.metrics.ObserveTokenVerification(resultLabel(err))
	if err != nil {
		v.logger.WithField("result", resultLabel(err)).Debug("Token rejected")
		return nil, err
	}
	return identity, nil
}

func (v *Verifier) verify(ctx context.Context, raw string) (*Identity, error) {
	hdr, err := parseHeader(raw)
	if err != nil {
		return nil, invalid(ReasonMalformed, err)
	}
	if hdr.Algorithm != string(v.cfg.Algorithm) {
		return nil, invalid(ReasonUnsupportedAlgorithm, fmt.Errorf("algorithm %q not allowed", hdr.Algorithm))
	}
	if hdr.KeyID == "" {
		return nil, invalid(ReasonMissingKeyID, nil)
	}

	key, err := v.keys.GetKey(ctx, hdr.KeyID)
	if err != nil {
		return nil, err
	}
	if key.Algorithm != "" && key.Algorithm != string(v.cfg.Algorithm) {
		return nil, invalid(ReasonUnsupportedAlgorithm, fmt.Errorf("key %q is for %s", key.KeyID, key.Algorithm))
	}

	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{v.cfg.Algorithm})
	if err != nil {
		return nil, invalid(ReasonMalformed, err)
	}

	var std jwt.Claims
	var custom claims
	if err := tok.Claims(key.Key, &std, &custom); err != nil {
		if errors.Is(err, jose.ErrCryptoFailure) {
			return nil, invalid(ReasonBadSignature, err)
		}
		return nil, invalid(ReasonMalformed, err)
	}

	if std.Expiry == nil {
		return nil, invalid(ReasonMissingExpiry, nil)
	}

	expected := jwt.Expected{
		Issuer:      v.cfg.Issuer,
		AnyAudience: jwt.Audience{v.cfg.ClientID},
		Time:        v.now(),
	}
	if err := std.ValidateWithLeeway(expected, v.cfg.ClockSkew); err != nil {
		return nil, invalid(claimReason(err), err)
	}

	if custom.Email == "" {
		return nil, invalid(ReasonMissingEmail, nil)
	}

	return &Identity{
		subject:           std.Subject,
		email:             custom.Email,
		preferredUsername: custom.PreferredUsername,
		groups:            normalizeGroups(custom.Groups),
	}, nil
}

// parseHeader decodes the protected header of a compact JWS without verifying it.
func parseHeader(raw string) (*header, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected 3 segments, got %d", len(parts))
	}

	data, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid header encoding: %w", err)
	}

	var hdr header
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	return &hdr, nil
}

func claimReason(err error) Reason {
	switch {
	case errors.Is(err, jwt.ErrExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrNotValidYet), errors.Is(err, jwt.ErrIssuedInTheFuture):
		return ReasonNotYetValid
	case errors.Is(err, jwt.ErrInvalidAudience):
		return ReasonWrongAudience
	case errors.Is(err, jwt.ErrInvalidIssuer):
		return ReasonWrongIssuer
	default:
		return ReasonMalformed
	}
}

func resultLabel(err error) string {
	var invalidErr *InvalidTokenError
	switch {
	case err == nil:
		return "valid"
	case errors.As(err, &invalidErr):
		return string(invalidErr.Reason)
	case errors.Is(err, jwks.ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, jwks.ErrKeySourceUnavailable):
		return "key_source_unavailable"
	default:
		return "error"
	}
}
