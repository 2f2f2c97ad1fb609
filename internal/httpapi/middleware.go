// Package httpapi holds the HTTP plumbing shared by the services: the
// middleware stack, authentication and JSON responses.
package httpapi

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain applies mws so that the first one is the outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// --- Request Logging Middleware ---

// RequestLogging wraps a handler with structured request/response logging.
func RequestLogging(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = r.Header.Get("X-Request-ID")
			}

			logger.Debug("incoming request",
				"method", r.Method,
				"path", r.URL.Path,
				"client_ip", ClientIP(r),
				"correlation_id", correlationID,
			)

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			logger.Info("request handled",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"correlation_id", correlationID,
			)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// --- CORS Middleware ---

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	AllowAnyOrigin bool
	AllowedOrigins []string
	AllowedHeaders []string
	AllowedMethods []string
}

// DefaultCORSConfig allows any origin.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowAnyOrigin: true,
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-User-ID"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
	}
}

// CORS returns middleware that handles Cross-Origin Resource Sharing.
func CORS(cfg CORSConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" {
				allowed := cfg.AllowAnyOrigin || len(cfg.AllowedOrigins) == 0
				if !allowed {
					for _, o := range cfg.AllowedOrigins {
						if strings.EqualFold(o, origin) {
							allowed = true
							break
						}
					}
				}

				if allowed {
					if cfg.AllowAnyOrigin {
						w.Header().Set("Access-Control-Allow-Origin", "*")
					} else {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						w.Header().Set("Vary", "Origin")
					}
					w.Header().Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowedMethods, ", "))
					w.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// --- Helpers ---

// TrustedProxies are the networks whose X-Forwarded-For is believed.
// Loopback is always trusted.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies reads CIDRs such as "10.0.0.0/8". A bare address is
// a single host.
func ParseTrustedProxies(cidrs []string) (TrustedProxies, error) {
	out := make(TrustedProxies, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", c, err)
			}
			addr = addr.Unmap()
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", c, err)
		}
		out = append(out, prefix.Masked())
	}
	return out, nil
}

func (tp TrustedProxies) trusts(addr netip.Addr) bool {
	if addr.IsLoopback() {
		return true
	}
	for _, p := range tp {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the address of the client behind r. X-Forwarded-For is
// read only when the peer is trusted, from the right, and the first hop
// that is not a trusted proxy is the client.
func (tp TrustedProxies) ClientIP(r *http.Request) string {
	client, ok := peerAddr(r.RemoteAddr)
	if !ok {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
	if !tp.trusts(client) {
		return client.String()
	}

	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		addr, err := netip.ParseAddr(hop)
		if err != nil {
			break
		}
		client = addr.Unmap()
		if !tp.trusts(client) {
			break
		}
	}
	return client.String()
}

// ClientIP trusts loopback proxies only.
func ClientIP(r *http.Request) string {
	return TrustedProxies(nil).ClientIP(r)
}

func peerAddr(remote string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap(), true
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.Unmap(), true
	}
	return netip.Addr{}, false
}
