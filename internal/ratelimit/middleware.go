package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc extracts the identifier a request is counted under.
type KeyFunc func(r *http.Request) string

// MiddlewareOptions configures Middleware.
type MiddlewareOptions struct {
	// KeyFunc defaults to the remote address host.
	KeyFunc KeyFunc
	Logger  *slog.Logger
	// Message is returned in the 429 body.
	Message string
}

// RemoteHost keys requests by the host part of RemoteAddr.
func RemoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// Middleware rejects requests over the limit with 429 and sets the
// RateLimit-* headers on every response.
func Middleware(l *Limiter, opts MiddlewareOptions) func(http.Handler) http.Handler {
	if opts.KeyFunc == nil {
		opts.KeyFunc = RemoteHost
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Message == "" {
		opts.Message = "Too many requests"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := opts.KeyFunc(r)
			res := l.Check(r.Context(), key)

			h := w.Header()
			h.Set("RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
			if !res.Degraded {
				h.Set("RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
				h.Set("RateLimit-Reset", seconds(res.ResetAfter))
			}

			if !res.Allowed {
				opts.Logger.Warn("rate limit exceeded",
					"key", key,
					"method", r.Method,
					"path", r.URL.Path,
					"degraded", res.Degraded,
				)
				h.Set("Retry-After", seconds(res.ResetAfter))
				status, msg := http.StatusTooManyRequests, opts.Message
				if res.Degraded {
					status, msg = http.StatusServiceUnavailable, "Rate limiting unavailable"
				}
				h.Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"success": false,
					"message": msg,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// seconds rounds d up to whole seconds.
func seconds(d time.Duration) string {
	return strconv.FormatInt(int64(math.Ceil(d.Seconds())), 10)
}
