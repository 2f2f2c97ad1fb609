package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/postmesh/postmesh/internal/config"
	"github.com/postmesh/postmesh/internal/consul"
	"github.com/postmesh/postmesh/internal/gateway"
	"github.com/postmesh/postmesh/internal/httpapi"
	"github.com/postmesh/postmesh/internal/logging"
	"github.com/postmesh/postmesh/internal/ratelimit"
	"github.com/postmesh/postmesh/internal/router"
	"github.com/postmesh/postmesh/internal/types"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("fatal", "service", "gateway", "error", err)
		os.Exit(1)
	}
	logger := logging.New("gateway", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Gateway, logger *slog.Logger) error {
	registry, err := consul.NewRegistry(cfg.ConsulAddr, logger)
	if err != nil {
		return fmt.Errorf("consul registry: %w", err)
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

	routes := gateway.NewRouteTable(registry, cfg.Routing, logger)
	go routes.Run(ctx)

	balancer := router.NewBalancer(router.ParseStrategy(cfg.Routing.Strategy))
	proxy := gateway.NewProxy(routes, balancer, cfg.Resilience, logger,
		gateway.WithMetrics(gateway.NewMetrics(reg)),
		gateway.WithClientIP(cfg.TrustedProxies.ClientIP),
	)

	health := func() types.HealthStatus {
		status := types.HealthHealthy
		if missing := routes.Unavailable(); len(missing) == len(routes.Services()) {
			status = types.HealthUnhealthy
		} else if len(missing) > 0 {
			status = types.HealthDegraded
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		if rdb.Ping(pingCtx).Err() != nil {
			status = status.Worse(types.HealthDegraded)
		}
		return status
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", httpapi.Health("gateway", health))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle(routes.Prefix(), httpapi.Chain(proxy,
		ratelimit.Middleware(limiter, ratelimit.MiddlewareOptions{
			KeyFunc: cfg.TrustedProxies.ClientIP,
			Logger:  logger,
		}),
		httpapi.Authenticate(cfg.Auth, cfg.PublicPrefixes),
	))

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: httpapi.Chain(mux,
			httpapi.RequestLogging(logger),
			httpapi.CORS(cfg.CORS),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway starting",
			"port", cfg.Port,
			"consul", cfg.ConsulAddr,
			"prefix", routes.Prefix(),
			"services", strings.Join(routes.Services(), ","),
			"strategy", balancer.Strategy().String(),
		)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down gateway")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	return runErr
}
