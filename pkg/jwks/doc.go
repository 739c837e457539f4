// Package jwks caches the identity provider's published signing keys.
//
// # Overview
//
// A Cache holds one immutable key set at a time and swaps it atomically on
// refresh, so concurrent readers never see a partially updated set. Refreshes
// are coalesced: however many verifications miss at once, at most one fetch is
// in flight per cache.
//
// # Freshness
//
// The cached set is served as-is while it is younger than the refresh interval.
// After that a lookup refreshes first. When the provider cannot be reached the
// old set is still used until it reaches the max staleness, after which lookups
// fail with ErrKeySourceUnavailable.
//
// An unknown key ID always triggers exactly one refresh before ErrKeyNotFound is
// returned, which is how key rotation is picked up.
//
// # Usage Example
//
//	cache, err := jwks.New(jwks.Options{
//		URL:             cfg.OIDC.JWKSURL,
//		Client:          httpClient,
//		RefreshInterval: cfg.KeySet.RefreshInterval,
//		MaxStaleness:    cfg.KeySet.MaxStaleness,
//		Store:           jwks.NewRedisStore(redisClient, "omgate:jwks", cfg.KeySet.MaxStaleness),
//		Logger:          logger,
//	})
//	cache.Warm(ctx)
//	key, err := cache.GetKey(ctx, kid)
//
// # Related Packages
//
//   - pkg/token: Verifies bearer tokens against keys from this cache
package jwks
