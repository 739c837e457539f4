package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/omgate/pkg/httputil"
	"github.com/platinummonkey/omgate/pkg/observability"
)

// Middleware limits requests per client IP as resolved by proxies, which may be
// nil to always use the peer address. Limiter errors fail open so a Redis
// outage never blocks logins.
func Middleware(limiter Limiter, proxies *ProxyResolver, logger logrus.FieldLogger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			decision, err := limiter.Allow(ctx, "ip:"+proxies.ClientIP(r))
			if err != nil {
				observability.FromContext(ctx, logger).WithError(err).Warn("Rate limiter unavailable, allowing request")
				metrics.ObserveRateLimit("error")
				next.ServeHTTP(w, r)
				return
			}

			setHeaders(w, decision)
			if !decision.Allowed {
				metrics.ObserveRateLimit("limited")
				w.Header().Set("Retry-After", strconv.FormatInt(retrySeconds(decision.Reset), 10))
				httputil.WriteErrorMessage(w, r, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			metrics.ObserveRateLimit("allowed")
			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(d.Reset).Unix(), 10))
}

// retrySeconds rounds up to whole seconds, minimum one.
func retrySeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// ProxyResolver finds the client address of a request. Forwarding headers
// are only believed when the direct peer is a trusted proxy.
type ProxyResolver struct {
	trusted []netip.Prefix
}

// NewProxyResolver parses trusted proxy IPs or CIDRs. An empty list trusts no
// one, so every request is keyed by its peer address.
func NewProxyResolver(trusted []string) (*ProxyResolver, error) {
	r := &ProxyResolver{}
	for _, entry := range trusted {
		entry = strings.TrimSpace(entry)
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			r.trusted = append(r.trusted, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", entry)
		}
		addr = addr.Unmap()
		r.trusted = append(r.trusted, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return r, nil
}

func (p *ProxyResolver) isTrusted(addr netip.Addr) bool {
	if p == nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range p.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the peer address unless the peer is a trusted proxy. Behind
// trusted proxies it walks X-Forwarded-For from the right and returns the first
// hop that is not itself trusted, falling back to X-Real-IP.
func (p *ProxyResolver) ClientIP(r *http.Request) string {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}

	peer, err := netip.ParseAddr(host)
	if err != nil || !p.isTrusted(peer) {
		return host
	}

	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		hops := strings.Split(forwarded, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			if !p.isTrusted(hop) {
				return hop.Unmap().String()
			}
		}
	}

	if realIP, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return realIP.Unmap().String()
	}
	return host
}
