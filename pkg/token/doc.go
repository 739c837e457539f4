// Package token verifies bearer tokens issued by the identity provider.
//
// Verification reads the JOSE header without trusting it, rejects any algorithm
// other than the single configured asymmetric one, looks the signing key up by
// key ID, checks the signature and then the exp, nbf, iat, aud and iss claims.
// Only a token that passes every check yields an *Identity.
//
//	verifier, err := token.NewVerifier(keys, token.Config{
//		ClientID:  cfg.OIDC.ClientID,
//		Issuer:    cfg.OIDC.Issuer,
//		Algorithm: jose.RS256,
//		ClockSkew: 30 * time.Second,
//	}, logger, metrics)
//	identity, err := verifier.Verify(ctx, raw)
//	if errors.Is(err, token.ErrInvalidToken) {
//		// 401
//	}
package token
