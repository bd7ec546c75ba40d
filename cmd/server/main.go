package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/exp/slog"

	"kwaribook/backend/internal/app"
	"kwaribook/backend/internal/config"
	"kwaribook/backend/internal/logger"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log := logger.NewTo(cfg.Env, os.Stdout, cfg.LogLevel)
	if err := app.ValidateSecurity(cfg); err != nil {
		log.Error("invalid security configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	buildCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	a, err := app.Build(buildCtx, cfg, log)
	cancel()
	if err != nil {
		log.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := a.Serve(ctx)
	if err := a.Close(); err != nil {
		log.Error("close error", slog.String("error", err.Error()))
	}
	if serveErr != nil {
		log.Error("server error", slog.String("error", serveErr.Error()))
		os.Exit(1)
	}
}
