package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/teslashibe/go-attention/internal/config"
	"github.com/teslashibe/go-attention/pkg/calibration"
	"github.com/teslashibe/go-attention/pkg/worker"
	"github.com/teslashibe/go-attention/pkg/worker/pnp"
)

// openStore connects the configured profile store. The returned func
// releases its connections.
func openStore(ctx context.Context, cfg config.CalibrationConfig) (calibration.Store, func(), error) {
	noop := func() {}
	switch cfg.Store {
	case config.StoreJSON:
		return calibration.NewJSONStore(cfg.Path), noop, nil

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return calibration.NewRedisStore(client, cfg.RedisKey, cfg.RedisTTL), func() { client.Close() }, nil

	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		store := calibration.NewPostgresStore(pool, cfg.ProfileID)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	default:
		return calibration.NewMemoryStore(), noop, nil
	}
}

// newWorker builds the precise pose worker. A nil worker keeps the engine
// on the fast path.
func newWorker(cfg config.WorkerConfig, logger *slog.Logger) (worker.Worker, error) {
	switch cfg.Mode {
	case config.WorkerLocal:
		return worker.NewLocalWorker(pnp.New(), logger.With("worker", "local")), nil

	case config.WorkerProcess:
		w, err := worker.NewProcessWorker(worker.ProcessConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		return w, nil

	case config.WorkerRemote:
		w, err := worker.NewRemoteWorker(worker.RemoteConfig{URL: cfg.URL, Logger: logger})
		if err != nil {
			return nil, err
		}
		return w, nil

	default:
		return nil, nil
	}
}
