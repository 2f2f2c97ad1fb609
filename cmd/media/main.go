package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/postmesh/postmesh/internal/app"
	"github.com/postmesh/postmesh/internal/config"
	"github.com/postmesh/postmesh/internal/eventbus"
	"github.com/postmesh/postmesh/internal/logging"
	"github.com/postmesh/postmesh/internal/media"
	"github.com/postmesh/postmesh/internal/messaging"
)

func main() {
	cfg, err := config.Load(config.ServiceDefaults{Name: "media", Port: "3003", RateLimitMax: 50})
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("fatal", "service", "media", "error", err)
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
	svc, err := media.NewService(d.Logger)
	if err != nil {
		return app.Service{}, err
	}
	if err := d.Bus.On(messaging.TopicPostDeleted, eventbus.Typed(svc.HandlePostDeleted)); err != nil {
		return app.Service{}, err
	}

	return app.Service{Routes: media.NewHandler(svc).Routes}, nil
}
