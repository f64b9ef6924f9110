// Package httpmw holds the HTTP boundary adapters the request layer mounts
// in front of its handlers: rate limiting and health reporting. The request
// layer itself (routing, auth, resource handlers) lives with the API, not
// here.
package httpmw

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/taskfleet/coordkit/v1/ratelimit"
)

// IdentityFunc extracts the identity a request is counted under.
type IdentityFunc func(r *http.Request) string

type rateLimitOptions struct {
	identity IdentityFunc
}

// RateLimitOption configures the RateLimit middleware.
type RateLimitOption func(*rateLimitOptions)

// WithIdentity overrides how a request is attributed. The default is the
// client IP; an API in front of authenticated users will usually count by
// user ID or API key instead.
func WithIdentity(fn IdentityFunc) RateLimitOption {
	return func(o *rateLimitOptions) {
		if fn != nil {
			o.identity = fn
		}
	}
}

// clientIP is the default identity: the remote address minus the port. When
// chi's RealIP middleware runs first, RemoteAddr already carries the
// forwarded client address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type errorBody struct {
	Error string `json:"error"`
}

// RateLimit returns middleware that admits at most limit requests per
// identity per window. Every response carries the X-RateLimit-Limit,
// X-RateLimit-Remaining and X-RateLimit-Reset headers; a throttled request
// gets a 429 JSON body and a Retry-After hint. Because the limiter fails
// open, an unreachable store never turns into a 429 storm.
func RateLimit(limiter *ratelimit.Limiter, limit int, window time.Duration, opts ...RateLimitOption) func(http.Handler) http.Handler {
	o := rateLimitOptions{identity: clientIP}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Allow(r.Context(), o.identity(r), limit, window)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))

			if !res.Allowed {
				retryAfter := int(time.Until(res.Reset).Seconds()) + 1
				if retryAfter < 1 {
					retryAfter = 1
				}
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				if err := json.NewEncoder(w).Encode(errorBody{Error: "rate limit exceeded"}); err != nil {
					slog.Error("coordkit: failed to encode throttle response", "error", err)
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
