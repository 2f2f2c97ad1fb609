package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/postmesh/postmesh/internal/breaker"
	"github.com/postmesh/postmesh/internal/httpapi"
	"github.com/postmesh/postmesh/internal/router"
)

// maxBody bounds both the client request and the upstream response (10MB).
const maxBody = 10 << 20

var errCircuitOpen = errors.New("circuit breaker open")

// Proxy is the reverse proxy handler that routes requests to service
// instances with retry and circuit breaker resilience.
type Proxy struct {
	routes     *RouteTable
	balancer   *router.Balancer
	resilience ResilienceConfig
	logger     *slog.Logger
	transport  http.RoundTripper
	metrics    *Metrics
	clientIP   func(*http.Request) string

	breakers *breakerMap
}

// ProxyOption customises a Proxy.
type ProxyOption func(*Proxy)

// WithTransport replaces http.DefaultTransport.
func WithTransport(rt http.RoundTripper) ProxyOption {
	return func(p *Proxy) { p.transport = rt }
}

// WithClientIP sets how the client address used by ip_hash balancing is
// read. The default trusts loopback proxies only.
func WithClientIP(fn func(*http.Request) string) ProxyOption {
	return func(p *Proxy) { p.clientIP = fn }
}

// WithMetrics records upstream outcomes.
func WithMetrics(m *Metrics) ProxyOption {
	return func(p *Proxy) { p.metrics = m }
}

// NewProxy creates a reverse proxy backed by the given route table.
func NewProxy(routes *RouteTable, balancer *router.Balancer, resilience ResilienceConfig, logger *slog.Logger, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		routes:     routes,
		balancer:   balancer,
		resilience: resilience,
		logger:     logger.With("component", "proxy"),
		transport:  http.DefaultTransport,
		metrics:    NewMetrics(nil),
		clientIP:   httpapi.ClientIP,
		breakers:   newBreakerMap(resilience.BreakerFailureThreshold, resilience.BreakerBreakDuration),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// bufferedResponse holds a captured upstream response so the proxy can
// inspect the status code before committing bytes to the client.
type bufferedResponse struct {
	statusCode int
	header     http.Header
	body       []byte
}

func (br *bufferedResponse) writeTo(w http.ResponseWriter) {
	for k, vv := range br.header {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(br.statusCode)
	_, _ = w.Write(br.body)
}

// ServeHTTP routes an incoming request to an instance of its service.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	service, upstreamPath, ok := p.routes.Resolve(r.URL.Path)
	if !ok {
		httpapi.WriteError(w, http.StatusNotFound, "route not found")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		httpapi.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	attempts := 1
	if idempotent(r.Method) {
		attempts += p.resilience.RetryCount
	}

	var (
		lastErr  error
		lastResp *bufferedResponse
	)
	for attempt := range attempts {
		if attempt > 0 {
			delay := p.retryDelay(attempt)
			p.logger.Warn("retrying upstream request",
				"attempt", attempt+1,
				"max_attempts", attempts,
				"delay", delay,
				"service", service,
			)
			select {
			case <-r.Context().Done():
				return
			case <-time.After(delay):
			}
		}

		// Re-read on every attempt in case the route table changed.
		target, ok := p.balancer.Pick(service, p.clientIP(r), p.routes.Targets(service))
		if !ok {
			lastErr = errNoTargets
			p.metrics.observe(service, outcomeUnavailable, 0)
			continue
		}

		cb := p.breakers.get(target.ID)
		if !cb.Allow() {
			p.balancer.Release(target.ID)
			lastErr = errCircuitOpen
			p.metrics.observe(service, outcomeBreakerOpen, 0)
			continue
		}

		start := time.Now()
		br, err := p.forward(r, body, target, upstreamPath)
		p.balancer.Release(target.ID)

		if err == nil && br.statusCode < 500 {
			cb.Success()
			p.metrics.observe(service, outcomeOK, time.Since(start))
			br.writeTo(w)
			return
		}

		cb.Failure()
		lastErr = err
		if br != nil {
			lastResp = br
			p.metrics.observe(service, outcomeUpstream5xx, time.Since(start))
		} else {
			p.metrics.observe(service, outcomeTransportError, time.Since(start))
		}
	}

	if lastResp != nil {
		lastResp.writeTo(w)
		return
	}

	p.logger.Error("upstream request failed", "service", service, "attempts", attempts, "error", lastErr)
	switch {
	case errors.Is(lastErr, errNoTargets), errors.Is(lastErr, errCircuitOpen):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		httpapi.WriteError(w, http.StatusServiceUnavailable, "service unavailable: "+service)
	default:
		httpapi.WriteError(w, http.StatusBadGateway, "upstream request failed")
	}
}

var errNoTargets = errors.New("no healthy instances")

const retryAfterSeconds = 5

func (p *Proxy) forward(r *http.Request, body []byte, target router.Target, upstreamPath string) (*bufferedResponse, error) {
	targetURL, err := url.Parse(target.URL)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()
	if p.resilience.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.resilience.Timeout)
		defer cancel()
	}

	outReq := r.Clone(ctx)
	outReq.URL.Scheme = targetURL.Scheme
	outReq.URL.Host = targetURL.Host
	outReq.URL.Path = upstreamPath
	outReq.URL.RawPath = ""
	outReq.URL.RawQuery = r.URL.RawQuery
	outReq.Host = targetURL.Host
	outReq.RequestURI = ""
	outReq.Body = http.NoBody
	outReq.ContentLength = int64(len(body))
	if len(body) > 0 {
		outReq.Body = io.NopCloser(bytes.NewReader(body))
	}

	for k := range outReq.Header {
		if isHopHeader(k) {
			outReq.Header.Del(k)
		}
	}
	setForwardedHeaders(outReq, r)

	resp, err := p.transport.RoundTrip(outReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}

	return &bufferedResponse{
		statusCode: resp.StatusCode,
		header:     resp.Header.Clone(),
		body:       respBody,
	}, nil
}

// setForwardedHeaders replaces the client's identity claims with the one
// established by authentication and records the original client.
func setForwardedHeaders(out, in *http.Request) {
	out.Header.Del("X-User-ID")
	if userID, ok := httpapi.UserID(in.Context()); ok {
		out.Header.Set("X-User-ID", userID)
	}

	if host, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
			host = prior + ", " + host
		}
		out.Header.Set("X-Forwarded-For", host)
	}
	out.Header.Set("X-Forwarded-Host", in.Host)
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func isHopHeader(name string) bool {
	return hopHeaders[http.CanonicalHeaderKey(name)]
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func (p *Proxy) retryDelay(attempt int) time.Duration {
	base := float64(p.resilience.RetryBaseDelay)
	exponential := base * math.Pow(p.resilience.RetryBackoffExponent, float64(attempt-1))
	jitter := rand.Float64() * float64(p.resilience.RetryJitterMax)
	return time.Duration(exponential + jitter)
}

// --- Breaker map ---

type breakerMap struct {
	threshold int
	duration  time.Duration
	mu        sync.Mutex
	breakers  map[string]*breaker.Breaker
}

func newBreakerMap(threshold int, duration time.Duration) *breakerMap {
	return &breakerMap{
		threshold: threshold,
		duration:  duration,
		breakers:  make(map[string]*breaker.Breaker),
	}
}

func (bm *breakerMap) get(targetID string) *breaker.Breaker {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	cb, ok := bm.breakers[targetID]
	if !ok {
		cb = breaker.New(bm.threshold, bm.duration)
		bm.breakers[targetID] = cb
	}
	return cb
}
