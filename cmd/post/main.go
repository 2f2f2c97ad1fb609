package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/postmesh/postmesh/internal/app"
	"github.com/postmesh/postmesh/internal/config"
	"github.com/postmesh/postmesh/internal/logging"
	"github.com/postmesh/postmesh/internal/post"
)

func main() {
	cfg, err := config.Load(config.ServiceDefaults{Name: "post", Port: "3002", RateLimitMax: 100})
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("fatal", "service", "post", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Service, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, logger, setup); err != nil {
		logger.Error("fatal", "error", err)
		stop()
		os.Exit(1)
	}
}

func setup(d app.Deps) (app.Service, error) {
	store, err := post.NewStore()
	if err != nil {
		return app.Service{}, err
	}
	cache := post.NewCache(d.Redis, d.Config.CacheTTL)
	svc := post.NewService(store, cache, d.Bus, d.Logger)

	return app.Service{Routes: post.NewHandler(svc).Routes}, nil
}
