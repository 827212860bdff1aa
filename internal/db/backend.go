package db

import (
	"context"
	"fmt"
	"log/slog"

	"profitdraw/internal/config"
	"profitdraw/internal/store"

	"github.com/redis/go-redis/v9"
)

// OpenStore builds the ledger store selected by cfg. The returned close func is
// never nil.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case config.StoreMemory:
		logger.Warn("using in-memory ledger; state is lost on restart")
		return store.NewMemory(), func() {}, nil
	case config.StorePostgres:
		pool, err := Connect(ctx, cfg.DatabaseURL, cfg.PGMaxConns)
		if err != nil {
			return nil, func() {}, err
		}
		if err := EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, func() {}, err
		}
		return store.NewPostgres(pool, logger), pool.Close, nil
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, func() {}, fmt.Errorf("ping redis: %w", err)
		}
		return store.NewRedis(rdb, logger), func() { _ = rdb.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
