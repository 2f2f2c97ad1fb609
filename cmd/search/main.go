package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/postmesh/postmesh/internal/app"
	"github.com/postmesh/postmesh/internal/config"
	"github.com/postmesh/postmesh/internal/eventbus"
	"github.com/postmesh/postmesh/internal/logging"
	"github.com/postmesh/postmesh/internal/messaging"
	"github.com/postmesh/postmesh/internal/search"
)

const searchCacheTTL = 5 * time.Minute

func main() {
	cfg, err := config.Load(config.ServiceDefaults{Name: "search", Port: "3004", RateLimitMax: 50})
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("fatal", "service", "search", "error", err)
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
	ttl := min(d.Config.CacheTTL, searchCacheTTL)
	index, err := search.NewIndex(search.NewCache(d.Redis, ttl), d.Logger)
	if err != nil {
		return app.Service{}, err
	}

	registry := map[string]eventbus.Handler{
		messaging.TopicPostCreated: eventbus.Typed(index.HandlePostCreated),
		messaging.TopicPostDeleted: eventbus.Typed(index.HandlePostDeleted),
	}
	for topic, h := range registry {
		if err := d.Bus.On(topic, h); err != nil {
			return app.Service{}, err
		}
	}

	// Search is open to anonymous readers.
	return app.Service{Routes: search.NewHandler(index).Routes, Public: true}, nil
}
