package main

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/tube-forge/internal/cache"
	"github.com/yourusername/tube-forge/internal/config"
	"github.com/yourusername/tube-forge/internal/jobs"
	"github.com/yourusername/tube-forge/internal/poller"
)

// cacheTTL は Redis キャッシュのエントリ有効期限です。
const cacheTTL = 30 * 24 * time.Hour

func setupCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cache.Service, func(context.Context), error) {
	switch cfg.CacheBackend {
	case config.CacheBackendRedis:
		opt, err := redis.ParseURL(cfg.CacheRedisURL)
		if err != nil {
			return nil, nil, err
		}
		redisClient := redis.NewClient(opt)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return nil, nil, err
		}
		logger.Info("cache backend ready", slog.String("backend", cfg.CacheBackend))
		return cache.NewRedisStore(redisClient, cacheTTL), func(context.Context) { _ = redisClient.Close() }, nil

	case config.CacheBackendPostgres:
		store, err := cache.ConnectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("cache backend ready", slog.String("backend", cfg.CacheBackend))
		return store, func(context.Context) { store.Close() }, nil

	default:
		logger.Info("cache backend ready", slog.String("backend", config.CacheBackendMemory))
		return cache.NewMemoryStore(), func(context.Context) {}, nil
	}
}

// setupRecorder はキャッシュ記録の経路を選びます。queue モードでは Asynq のワーカーを起動します。
func setupRecorder(cfg *config.Config, svc cache.Service, logger *slog.Logger) (poller.Recorder, func(context.Context), error) {
	if cfg.RecordMode != config.RecordModeQueue {
		return svc, func(context.Context) {}, nil
	}

	manager, err := jobs.NewManager(cfg.QueueRedisURL, svc, logger)
	if err != nil {
		return nil, nil, err
	}
	manager.StartWorkers()
	logger.Info("record queue started", slog.String("queue", jobs.QueueName))
	return manager, func(ctx context.Context) {
		if err := manager.Shutdown(ctx); err != nil {
			logger.Warn("record queue shutdown failed", slog.Any("error", err))
		}
	}, nil
}
