// Package gateway implements the postmesh API gateway: a reverse proxy that
// maps the public /v1/ surface onto the healthy post, media and search
// instances registered in Consul, with retries and per-instance circuit
// breakers.
package gateway

import "time"

// RoutingConfig controls how public paths map to services.
type RoutingConfig struct {
	// Prefix is the public path prefix, e.g. "/v1/".
	Prefix string `validate:"required"`
	// UpstreamPrefix replaces Prefix on the forwarded path, e.g. "/api/".
	UpstreamPrefix string `validate:"required"`
	// Resources maps the first path segment after Prefix to the Consul
	// service serving it.
	Resources       map[string]string `validate:"required,min=1,dive,keys,required,endkeys,required"`
	RefreshInterval time.Duration     `validate:"gt=0"`
	// Strategy names the router.Strategy used to pick an instance.
	Strategy string
}

// DefaultRoutingConfig routes /v1/posts, /v1/media and /v1/search.
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		Prefix:         "/v1/",
		UpstreamPrefix: "/api/",
		Resources: map[string]string{
			"posts":  "post",
			"media":  "media",
			"search": "search",
		},
		RefreshInterval: 10 * time.Second,
		Strategy:        "round_robin",
	}
}

// ResilienceConfig controls retry and circuit breaker behavior.
type ResilienceConfig struct {
	// RetryCount applies to idempotent requests only.
	RetryCount              int `validate:"gte=0"`
	RetryBaseDelay          time.Duration
	RetryBackoffExponent    float64
	RetryJitterMax          time.Duration
	BreakerFailureThreshold int
	BreakerBreakDuration    time.Duration
	// Timeout bounds a single upstream attempt. Zero disables it.
	Timeout time.Duration
}

// DefaultResilienceConfig returns three retries with exponential backoff.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		RetryCount:              3,
		RetryBaseDelay:          200 * time.Millisecond,
		RetryBackoffExponent:    2.0,
		RetryJitterMax:          200 * time.Millisecond,
		BreakerFailureThreshold: 3,
		BreakerBreakDuration:    20 * time.Second,
		Timeout:                 30 * time.Second,
	}
}
