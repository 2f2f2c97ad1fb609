// Package ratelimit implements a fixed-window request limiter whose counters
// live in a store shared by every instance of a service, so the limit holds
// across replicas.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/postmesh/postmesh/internal/breaker"
)

// ErrStoreUnavailable is wrapped in Result.Err when the counter store could
// not be consulted.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Config controls a Limiter.
type Config struct {
	Window time.Duration
	Max    int64
	// Prefix namespaces the counter keys, e.g. "post:rl:".
	Prefix string

	// FailOpen admits requests while the store is unavailable. When false
	// they are denied.
	FailOpen bool

	BreakerThreshold int
	BreakerCooldown  time.Duration
	// StoreTimeout bounds a single store call.
	StoreTimeout time.Duration
}

// DefaultConfig returns a 100 requests per 15 minutes limit that fails open.
func DefaultConfig() Config {
	return Config{
		Window:           15 * time.Minute,
		Max:              100,
		Prefix:           "rl:",
		FailOpen:         true,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		StoreTimeout:     500 * time.Millisecond,
	}
}

// Result is the decision for one request.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAfter time.Duration
	// Degraded is set when the store was unavailable and the decision came
	// from the failure policy. Err carries the cause.
	Degraded bool
	Err      error
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// Limiter decides whether an identifier may make another request in the
// current window.
type Limiter struct {
	cfg     Config
	store   Store
	breaker *breaker.Breaker
	logger  *slog.Logger
	metrics *Metrics
}

// New creates a Limiter backed by store.
func New(store Store, cfg Config, logger *slog.Logger, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}

	l := &Limiter{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = NewMetrics(nil)
	}
	l.breaker = breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown,
		breaker.WithStateChange(func(from, to breaker.State) {
			l.logger.Warn("rate limit store breaker changed state", "from", from.String(), "to", to.String())
			l.metrics.breakerState.Set(float64(to))
		}),
	)
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config { return l.cfg }

// Check counts a request for identifier and reports whether it is allowed.
// It never returns an error: store failures are resolved by the failure
// policy and reported through Result.Degraded and Result.Err.
func (l *Limiter) Check(ctx context.Context, identifier string) Result {
	if !l.breaker.Allow() {
		return l.degrade(identifier, errors.New("circuit open"), false)
	}

	sctx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
	defer cancel()

	count, ttl, err := l.store.Increment(sctx, l.cfg.Prefix+identifier, l.cfg.Window)
	if err != nil {
		// A request abandoned by its caller says nothing about the store.
		if ctx.Err() == nil {
			l.breaker.Failure()
		}
		return l.degrade(identifier, err, true)
	}
	l.breaker.Success()

	if ttl <= 0 || ttl > l.cfg.Window {
		ttl = l.cfg.Window
	}
	res := Result{
		Allowed:    count <= l.cfg.Max,
		Limit:      l.cfg.Max,
		Remaining:  max(l.cfg.Max-count, 0),
		ResetAfter: ttl,
	}
	if res.Allowed {
		l.metrics.decisions.WithLabelValues(decisionAllowed).Inc()
	} else {
		l.metrics.decisions.WithLabelValues(decisionDenied).Inc()
	}
	return res
}

func (l *Limiter) degrade(identifier string, cause error, loud bool) Result {
	l.metrics.decisions.WithLabelValues(decisionDegraded).Inc()

	policy := "fail-closed"
	if l.cfg.FailOpen {
		policy = "fail-open"
	}
	log := l.logger.Debug
	if loud {
		l.metrics.storeErrors.Inc()
		log = l.logger.Warn
	}
	log("rate limit store unavailable", "identifier", identifier, "policy", policy, "error", cause)

	return Result{
		Allowed:    l.cfg.FailOpen,
		Limit:      l.cfg.Max,
		ResetAfter: l.cfg.BreakerCooldown,
		Degraded:   true,
		Err:        fmt.Errorf("%w: %w", ErrStoreUnavailable, cause),
	}
}
