// Package ratelimit limits gateway requests per client IP.
//
// Two limiters are provided: MemoryLimiter, a token bucket local to one
// process, and RedisLimiter, a fixed window counter shared between replicas.
// Middleware applies either to an http.Handler, sets the X-RateLimit-* headers,
// and answers 429 with a Retry-After header once a client's budget is spent.
//
// Clients are keyed by peer address. X-Forwarded-For and X-Real-IP are only
// read when the peer is listed in a ProxyResolver.
//
//	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{
//		Requests: 60,
//		Window:   time.Minute,
//		Burst:    10,
//	})
//	proxies, err := ratelimit.NewProxyResolver([]string{"10.0.0.0/8"})
//	router.Use(ratelimit.Middleware(limiter, proxies, logger, metrics))
package ratelimit
