// Package app runs one postmesh service process: it wires Redis, the
// broker, the event bus, rate limiting and Consul around the routes and
// event handlers a service contributes, and shuts them down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/postmesh/postmesh/internal/config"
	"github.com/postmesh/postmesh/internal/consul"
	"github.com/postmesh/postmesh/internal/eventbus"
	"github.com/postmesh/postmesh/internal/httpapi"
	"github.com/postmesh/postmesh/internal/messaging"
	"github.com/postmesh/postmesh/internal/ratelimit"
)

const heartbeatInterval = 5 * time.Second

// Deps are the shared clients a service builds its handlers from.
type Deps struct {
	Config  config.Config
	Logger  *slog.Logger
	Redis   *redis.Client
	Bus     *eventbus.Bus
	Metrics prometheus.Registerer
}

// Service is what one service contributes to the process.
type Service struct {
	// Routes registers the service's /api/ routes.
	Routes func(mux *http.ServeMux)
	// Public disables authentication on the /api/ routes.
	Public bool
}

// SetupFunc builds a Service. Event handlers are registered on d.Bus here;
// the broker is already connected.
type SetupFunc func(d Deps) (Service, error)

// Option customises Run.
type Option func(*options)

type options struct {
	dialer messaging.Dialer
}

// WithDialer replaces the AMQP dialer.
func WithDialer(d messaging.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// Run starts the service described by cfg and blocks until ctx is done or
// the HTTP server fails. A broker that stays unreachable past its retry
// budget is a startup failure.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, setup SetupFunc, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("redis close failed", "error", err)
		}
	}()

	limiter := ratelimit.New(
		ratelimit.NewRedisStore(rdb),
		cfg.RateLimit,
		logger,
		ratelimit.WithMetrics(ratelimit.NewMetrics(reg)),
	)

	connOpts := []messaging.Option{messaging.WithMetrics(messaging.NewMetrics(reg))}
	if o.dialer != nil {
		connOpts = append(connOpts, messaging.WithDialer(o.dialer))
	}
	conn := messaging.New(cfg.Broker, logger, connOpts...)
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("broker: %w", err)
	}

	bus := eventbus.New(conn, eventbus.NewRegistry(logger), cfg.Service, logger)
	svc, err := setup(Deps{
		Config:  cfg,
		Logger:  logger,
		Redis:   rdb,
		Bus:     bus,
		Metrics: reg,
	})
	if err != nil {
		closeBroker(conn, cfg.ShutdownTimeout, logger)
		return fmt.Errorf("setup %s: %w", cfg.Service, err)
	}

	health := &healthProbe{broker: conn, redis: rdb}
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newHandler(cfg, logger, limiter, health, reg, svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	var (
		registry  *consul.Registry
		serviceID string
	)
	if cfg.ConsulAddr != "" {
		registry, serviceID, err = register(heartbeatCtx, cfg, logger, health)
		if err != nil {
			logger.Warn("consul registration failed, continuing without it", "error", err)
			registry = nil
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("service starting", "port", cfg.Port, "exchange", cfg.Broker.Exchange)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	// Leave the registry first so no new traffic is routed here.
	stopHeartbeat()
	if registry != nil {
		if err := registry.Deregister(serviceID); err != nil {
			logger.Warn("consul deregister failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	closeBroker(conn, cfg.ShutdownTimeout, logger)

	logger.Info("stopped")
	return runErr
}

func closeBroker(conn *messaging.Conn, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		logger.Warn("broker close incomplete", "error", err)
	}
}

func register(ctx context.Context, cfg config.Config, logger *slog.Logger, health *healthProbe) (*consul.Registry, string, error) {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		return nil, "", fmt.Errorf("port %q: %w", cfg.Port, err)
	}

	registry, err := consul.NewRegistry(cfg.ConsulAddr, logger)
	if err != nil {
		return nil, "", err
	}

	serviceID := cfg.Service + "-" + uuid.NewString()[:8]
	err = registry.Register(consul.Registration{
		ServiceName: cfg.Service,
		ServiceID:   serviceID,
		Address:     cfg.Address,
		Port:        port,
		Tags:        []string{"postmesh"},
		Metadata:    map[string]string{"exchange": cfg.Broker.Exchange},
	})
	if err != nil {
		return nil, "", err
	}

	go registry.Heartbeat(ctx, serviceID, heartbeatInterval, health.Report)
	return registry, serviceID, nil
}

// newHandler builds the HTTP handler: /health and /metrics at the root,
// the service routes under /api/ behind rate limiting and authentication.
func newHandler(cfg config.Config, logger *slog.Logger, limiter *ratelimit.Limiter, health *healthProbe, gatherer prometheus.Gatherer, svc Service) http.Handler {
	api := http.NewServeMux()
	if svc.Routes != nil {
		svc.Routes(api)
	}

	apiChain := []httpapi.Middleware{
		ratelimit.Middleware(limiter, ratelimit.MiddlewareOptions{
			KeyFunc: cfg.TrustedProxies.ClientIP,
			Logger:  logger,
		}),
	}
	if !svc.Public {
		apiChain = append(apiChain, httpapi.Authenticate(cfg.Auth, nil))
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", httpapi.Health(cfg.Service, health.Status))
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/api/", httpapi.Chain(api, apiChain...))

	return httpapi.Chain(mux,
		httpapi.RequestLogging(logger),
		httpapi.CORS(cfg.CORS),
	)
}
