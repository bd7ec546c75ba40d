// Package app wires the configured backends into a running bookkeeping
// instance. Both binaries build through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/exp/slog"

	"kwaribook/backend/internal/cache"
	"kwaribook/backend/internal/config"
	"kwaribook/backend/internal/httpapi"
	"kwaribook/backend/internal/outbox"
	"kwaribook/backend/internal/remote"
	"kwaribook/backend/internal/remote/appwrite"
	remotemem "kwaribook/backend/internal/remote/memory"
	pgremote "kwaribook/backend/internal/remote/postgres"
	"kwaribook/backend/internal/service"
	"kwaribook/backend/internal/store"
	storemem "kwaribook/backend/internal/store/memory"
	"kwaribook/backend/internal/store/sqlite"
	kwarisync "kwaribook/backend/internal/sync"
)

type App struct {
	Config      config.Config
	Store       store.Store
	Remote      remote.DocumentStore
	Provisioner remote.Provisioner
	Queue       *outbox.Queue
	Engine      *kwarisync.Engine
	Service     *service.Service

	log     *slog.Logger
	closers []func() error
}

// ValidateSecurity rejects settings too weak to expose the API with.
func ValidateSecurity(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("KWARI_AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}

// Build opens the local store and connects the remote and lock backends
// named by cfg. A failing redis falls back to the in-process lock; any
// other backend failure is fatal.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	a := &App{Config: cfg, log: log}

	switch cfg.StoreDriver {
	case "memory":
		a.Store = storemem.NewDefault()
		log.Warn("store: in-memory, data is lost on exit")
	default:
		st, err := sqlite.Open(cfg.DataPath, store.DefaultSchema)
		if err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		a.Store = st
		log.Info("store: sqlite", slog.String("path", cfg.DataPath))
	}
	a.closers = append(a.closers, a.Store.Close)

	if err := a.connectRemote(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	var locker cache.Locker = cache.NoopLocker{}
	if cfg.RedisAddr != "" {
		redisLocker := cache.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisLocker.Ping(ctx); err != nil {
			log.Warn("redis unavailable, using in-process push lock", slog.String("error", err.Error()))
			_ = redisLocker.Close()
		} else {
			locker = redisLocker
			a.closers = append(a.closers, redisLocker.Close)
			log.Info("lock: redis", slog.String("addr", cfg.RedisAddr))
		}
	} else {
		log.Info("lock: in-process")
	}

	policy := outbox.Policy{
		MaxAttempts: cfg.SyncMaxAttempts,
		BackoffMin:  time.Duration(cfg.SyncBackoffMinSeconds) * time.Second,
		BackoffMax:  time.Duration(cfg.SyncBackoffMaxSeconds) * time.Second,
	}
	a.Queue = outbox.New()
	a.Engine = kwarisync.New(a.Store, a.Remote, a.Queue, kwarisync.Config{
		Naming:    Naming(cfg),
		Policy:    policy,
		PullLimit: cfg.PullLimit,
	}, log, kwarisync.WithLocker(locker))
	a.Service = service.New(a.Store, a.Queue, log, service.WithRejectOversell(cfg.RejectOversell))
	return a, nil
}

func (a *App) connectRemote(ctx context.Context) error {
	cfg := a.Config
	switch cfg.RemoteDriver {
	case "appwrite":
		client, err := appwrite.New(appwrite.Config{
			Endpoint: cfg.RemoteEndpoint,
			Project:  cfg.RemoteProject,
			APIKey:   cfg.RemoteAPIKey,
		}, a.log)
		if err != nil {
			return err
		}
		a.Remote, a.Provisioner = client, client
		a.log.Info("remote: appwrite", slog.String("endpoint", cfg.RemoteEndpoint))
	case "postgres":
		pg, err := pgremote.New(ctx, cfg.RemoteDatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres remote: %w", err)
		}
		a.Remote, a.Provisioner = pg, pg
		a.closers = append(a.closers, pg.Close)
		a.log.Info("remote: postgres")
	case "memory":
		mem := remotemem.New()
		a.Remote, a.Provisioner = mem, mem
		a.log.Warn("remote: in-memory, nothing leaves this process")
	default:
		a.log.Info("remote: none, sync disabled")
	}
	return nil
}

// Naming maps the configured collection ids onto the sync engine.
func Naming(cfg config.Config) kwarisync.Naming {
	return kwarisync.Naming{
		DatabaseID: cfg.RemoteDatabaseID,
		Sales:      cfg.SalesCollectionID,
		Inventory:  cfg.InventoryCollectionID,
		Brokers:    cfg.BrokersCollectionID,
	}
}

// Serve runs the API and the periodic sync loop until ctx is done, then
// shuts both down.
func (a *App) Serve(ctx context.Context) error {
	auth := httpapi.NewAuthManager(a.Config.AuthSecret, a.Config.AccessTokenTTL(), a.Service)
	api := httpapi.New(a.Service, a.Engine, auth, a.Config.AllowedOrigin, a.log)

	server := &http.Server{
		Addr:              a.Config.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		a.Engine.Run(loopCtx, a.Config.SyncInterval())
	}()

	serveErr := make(chan error, 1)
	go func() {
		a.log.Info("kwaribook listening", slog.String("addr", a.Config.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		a.log.Error("shutdown error", slog.String("error", shutdownErr.Error()))
	}
	stopLoop()
	<-loopDone
	a.log.Info("server stopped")
	return err
}

// Close releases every backend in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
