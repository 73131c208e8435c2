package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/coinpair/internal/domain"
)

// rateChecker is implemented by limiters that can say when a slot frees.
type rateChecker interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) (domain.RateDecision, error)
}

// RateLimit caps each client IP at limit requests per window. Counting goes
// through the shared limiter, so every replica draws from one budget. Health
// checks are not counted, and a limiter failure lets the request through.
func RateLimit(limiter domain.RateLimiter, limit int, window time.Duration) func(http.Handler) http.Handler {
	checker, exact := limiter.(rateChecker)
	limitHeader := strconv.Itoa(limit)

	decide := func(r *http.Request) (domain.RateDecision, error) {
		key := "api:" + clientIP(r)
		if exact {
			return checker.Check(r.Context(), key, limit, window)
		}
		ok, err := limiter.Allow(r.Context(), key, limit, window)
		d := domain.RateDecision{Allowed: ok}
		if !ok {
			d.RetryAfter = window
		}
		return d, err
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == healthPath {
				next.ServeHTTP(w, r)
				return
			}
			d, err := decide(r)
			w.Header().Set("X-RateLimit-Limit", limitHeader)
			if err == nil && !d.Allowed {
				w.Header().Set("Retry-After", retryAfterSeconds(d.RetryAfter))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			if exact && err == nil {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(limit-d.Count, 0)))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds up to whole seconds, at least one.
func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(max(1, int((d+time.Second-1)/time.Second)))
}

// clientIP is the first X-Forwarded-For hop when present, otherwise the
// peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
