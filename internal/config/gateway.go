package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/postmesh/postmesh/internal/gateway"
	"github.com/postmesh/postmesh/internal/httpapi"
	"github.com/postmesh/postmesh/internal/ratelimit"
)

// Gateway is the configuration of the API gateway process.
type Gateway struct {
	Port       string `validate:"required,numeric"`
	RedisURL   string `validate:"required,url"`
	ConsulAddr string `validate:"required"`

	Routing    gateway.RoutingConfig
	Resilience gateway.ResilienceConfig
	RateLimit  ratelimit.Config
	// TrustedProxies are load balancers in front of the gateway.
	TrustedProxies httpapi.TrustedProxies
	Auth           httpapi.AuthConfig
	CORS           httpapi.CORSConfig
	// PublicPrefixes skip authentication.
	PublicPrefixes []string

	LogLevel        string        `validate:"oneof=debug info warn warning error"`
	LogFormat       string        `validate:"oneof=json text"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// DefaultGateway returns the gateway configuration before environment
// overrides.
func DefaultGateway() Gateway {
	rl := ratelimit.DefaultConfig()
	rl.Prefix = "gateway:rl:"

	return Gateway{
		Port:            "3000",
		ConsulAddr:      "http://localhost:8500",
		Routing:         gateway.DefaultRoutingConfig(),
		Resilience:      gateway.DefaultResilienceConfig(),
		RateLimit:       rl,
		Auth:            httpapi.AuthConfig{ValidateIssuer: true, ValidateAudience: true},
		CORS:            httpapi.DefaultCORSConfig(),
		PublicPrefixes:  []string{"/v1/search/"},
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadGateway reads the environment on top of DefaultGateway. Files are
// handled as in Load. The gateway refuses to start without a JWT secret
// since it is the only place tokens are checked.
func LoadGateway(files ...string) (Gateway, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Gateway{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := DefaultGateway()
	p := &parser{}

	cfg.Port = envOr("GATEWAY_PORT", cfg.Port)
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.ConsulAddr = envOr("CONSUL_ADDRESS", cfg.ConsulAddr)

	cfg.Routing.Prefix = envOr("GATEWAY_ROUTE_PREFIX", cfg.Routing.Prefix)
	cfg.Routing.UpstreamPrefix = envOr("GATEWAY_UPSTREAM_PREFIX", cfg.Routing.UpstreamPrefix)
	cfg.Routing.Strategy = envOr("GATEWAY_LB_STRATEGY", cfg.Routing.Strategy)
	p.duration("GATEWAY_ROUTE_REFRESH", &cfg.Routing.RefreshInterval)
	if v := os.Getenv("GATEWAY_ROUTES"); v != "" {
		routes, err := parseRoutes(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("GATEWAY_ROUTES: %w", err))
		} else {
			cfg.Routing.Resources = routes
		}
	}

	p.int("GATEWAY_RETRY_COUNT", &cfg.Resilience.RetryCount)
	p.duration("GATEWAY_RETRY_BASE_DELAY", &cfg.Resilience.RetryBaseDelay)
	p.int("GATEWAY_BREAKER_THRESHOLD", &cfg.Resilience.BreakerFailureThreshold)
	p.duration("GATEWAY_BREAKER_DURATION", &cfg.Resilience.BreakerBreakDuration)
	p.duration("GATEWAY_UPSTREAM_TIMEOUT", &cfg.Resilience.Timeout)

	p.duration("RATE_LIMIT_WINDOW", &cfg.RateLimit.Window)
	p.int64("RATE_LIMIT_MAX", &cfg.RateLimit.Max)
	p.bool("RATE_LIMIT_FAIL_OPEN", &cfg.RateLimit.FailOpen)
	p.proxies("RATE_LIMIT_TRUSTED_PROXIES", &cfg.TrustedProxies)

	cfg.Auth.SecretKey = os.Getenv("JWT_SECRET_KEY")
	cfg.Auth.Issuer = envOr("JWT_ISSUER", "postmesh.identity")
	cfg.Auth.Audience = envOr("JWT_AUDIENCE", "postmesh.services")
	if v := os.Getenv("GATEWAY_PUBLIC_PREFIXES"); v != "" {
		cfg.PublicPrefixes = splitComma(v)
	}

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORS.AllowAnyOrigin = false
		cfg.CORS.AllowedOrigins = splitComma(v)
	}

	cfg.LogLevel = strings.ToLower(envOr("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(envOr("LOG_FORMAT", cfg.LogFormat))
	p.duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	if cfg.Auth.SecretKey == "" {
		p.errs = append(p.errs, errors.New("JWT_SECRET_KEY is required"))
	}
	if err := errors.Join(p.errs...); err != nil {
		return Gateway{}, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Gateway{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// parseRoutes reads "posts=post,media=media" into a resource map.
func parseRoutes(s string) (map[string]string, error) {
	routes := make(map[string]string)
	for _, pair := range splitComma(s) {
		resource, service, ok := strings.Cut(pair, "=")
		resource, service = strings.TrimSpace(resource), strings.TrimSpace(service)
		if !ok || resource == "" || service == "" {
			return nil, fmt.Errorf("malformed route %q", pair)
		}
		routes[strings.ToLower(resource)] = service
	}
	return routes, nil
}
