// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/postmesh/postmesh/internal/httpapi"
	"github.com/postmesh/postmesh/internal/messaging"
	"github.com/postmesh/postmesh/internal/ratelimit"
)

// Config is the configuration of one service process.
type Config struct {
	Service string `validate:"required"`
	Port    string `validate:"required,numeric"`
	// Address is advertised to Consul. Empty means the agent's address.
	Address string

	RabbitMQURL string `validate:"required,url"`
	RedisURL    string `validate:"required,url"`
	// ConsulAddr empty disables service registration.
	ConsulAddr string

	Broker    messaging.Config
	RateLimit ratelimit.Config
	// TrustedProxies may set X-Forwarded-For for rate limiting, typically
	// the gateway's network.
	TrustedProxies httpapi.TrustedProxies
	Auth           httpapi.AuthConfig
	CORS           httpapi.CORSConfig

	CacheTTL        time.Duration `validate:"gte=0"`
	LogLevel        string        `validate:"oneof=debug info warn warning error"`
	LogFormat       string        `validate:"oneof=json text"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// ServiceDefaults are the per-service values used when the environment does
// not override them.
type ServiceDefaults struct {
	Name         string
	Port         string
	RateLimitMax int64
}

// Default returns the configuration for d before environment overrides.
func Default(d ServiceDefaults) Config {
	broker := messaging.DefaultConfig()
	broker.Service = d.Name
	broker.URL = ""

	rl := ratelimit.DefaultConfig()
	rl.Prefix = d.Name + ":rl:"
	if d.RateLimitMax > 0 {
		rl.Max = d.RateLimitMax
	}

	return Config{
		Service:         d.Name,
		Port:            d.Port,
		Broker:          broker,
		RateLimit:       rl,
		CORS:            httpapi.DefaultCORSConfig(),
		Auth:            httpapi.AuthConfig{ValidateIssuer: true, ValidateAudience: true},
		CacheTTL:        time.Hour,
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads the environment on top of Default(d) and validates the result.
// Each of files is loaded first when it exists; with no files ".env" is
// tried. Variables already set in the environment win over file values.
func Load(d ServiceDefaults, files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := Default(d)
	p := &parser{}

	cfg.Port = envOr("PORT", cfg.Port)
	cfg.Address = os.Getenv("SERVICE_ADDRESS")
	cfg.RabbitMQURL = os.Getenv("RABBITMQ_URL")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.ConsulAddr = os.Getenv("CONSUL_ADDRESS")

	cfg.Broker.URL = cfg.RabbitMQURL
	cfg.Broker.Exchange = envOr("EVENTS_EXCHANGE", cfg.Broker.Exchange)
	p.int("BROKER_MAX_ATTEMPTS", &cfg.Broker.MaxAttempts)
	p.duration("BROKER_BASE_DELAY", &cfg.Broker.BaseDelay)
	p.duration("BROKER_MAX_DELAY", &cfg.Broker.MaxDelay)
	p.int("BROKER_PREFETCH", &cfg.Broker.Prefetch)
	p.duration("BROKER_PUBLISH_TIMEOUT", &cfg.Broker.PublishTimeout)

	p.duration("RATE_LIMIT_WINDOW", &cfg.RateLimit.Window)
	p.int64("RATE_LIMIT_MAX", &cfg.RateLimit.Max)
	p.bool("RATE_LIMIT_FAIL_OPEN", &cfg.RateLimit.FailOpen)
	p.proxies("RATE_LIMIT_TRUSTED_PROXIES", &cfg.TrustedProxies)

	cfg.Auth.SecretKey = os.Getenv("JWT_SECRET_KEY")
	cfg.Auth.Issuer = envOr("JWT_ISSUER", "postmesh.identity")
	cfg.Auth.Audience = envOr("JWT_AUDIENCE", "postmesh.services")

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORS.AllowAnyOrigin = false
		cfg.CORS.AllowedOrigins = splitComma(v)
	}

	p.duration("CACHE_TTL", &cfg.CacheTTL)
	cfg.LogLevel = strings.ToLower(envOr("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(envOr("LOG_FORMAT", cfg.LogFormat))
	p.duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// parser collects malformed values instead of silently keeping defaults.
type parser struct {
	errs []error
}

func (p *parser) int(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (p *parser) int64(key string, dst *int64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (p *parser) bool(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (p *parser) duration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (p *parser) proxies(key string, dst *httpapi.TrustedProxies) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	tp, err := httpapi.ParseTrustedProxies(splitComma(v))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = tp
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitComma(s string) []string {
	var parts []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
