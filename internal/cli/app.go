package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bryan-buckman/subscriptiondb/internal/cache"
	"github.com/bryan-buckman/subscriptiondb/internal/config"
	"github.com/bryan-buckman/subscriptiondb/internal/database"
	"github.com/bryan-buckman/subscriptiondb/internal/engine"
)

// app bundles the components every command needs.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	store  database.Store
	cache  cache.Cache
	engine *engine.Engine
}

// openApp loads configuration and opens the durable store, the cache and the engine. The
// engine is not started.
func openApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*app, error) {
	logger := opts.logger(cmd)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	if cfg.Database.Driver == "sqlite" {
		if dir := filepath.Dir(cfg.Database.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}
	logger.Info("opening database", "driver", cfg.Database.Driver)
	store, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	var c cache.Cache
	switch cfg.Cache.Backend {
	case "redis":
		c, err = cache.NewRedis(ctx, cfg.Cache.RedisURL, cfg.Cache.Prefix, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
	default:
		c = cache.NewMemory(logger)
	}
	logger.Info("cache ready", "backend", cfg.Cache.Backend)

	e := engine.New(store, c,
		engine.WithLogger(logger),
		engine.WithCallTimeout(cfg.Database.CallTimeout),
		engine.WithShutdownTimeout(cfg.Engine.ShutdownTimeout),
		engine.WithRehydrateInterval(cfg.Engine.RehydrateInterval),
		engine.WithMigrateInterval(cfg.Engine.MigrateInterval),
		engine.WithMigrateThreshold(cfg.Engine.MigrateThreshold),
		engine.WithStatsInterval(cfg.Engine.StatsInterval),
	)
	return &app{cfg: cfg, logger: logger, store: store, cache: c, engine: e}, nil
}

func (a *app) Close() error {
	return errors.Join(a.cache.Close(), a.store.Close())
}

// startEngine runs the engine in the background and waits for its startup rehydration. The
// returned stop function cancels it and waits for the final drain.
func (a *app) startEngine(ctx context.Context) (stop func() error, err error) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.engine.Run(ctx) }()

	select {
	case <-a.engine.Ready():
	case err := <-done:
		cancel()
		return nil, err
	}
	return func() error {
		if err := a.engine.WaitIdle(ctx); err != nil {
			a.logger.Warn("queues not drained before stop", "error", err)
		}
		cancel()
		return <-done
	}, nil
}
