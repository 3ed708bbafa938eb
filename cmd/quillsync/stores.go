package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ilnaes/quillsync/internal/config"
	"github.com/ilnaes/quillsync/internal/deltalog"
)

const connectTimeout = 30 * time.Second

// waits for a backing service to answer, with backoff
func waitFor(ctx context.Context, name string, ping func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = connectTimeout

	return backoff.RetryNotify(func() error {
		return ping(ctx)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		slog.Warn("waiting for "+name, "err", err, "retry", wait)
	})
}

func openRedis(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := waitFor(ctx, "redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr(), err)
	}
	return rdb, nil
}

func openStore(ctx context.Context, cfg config.Store, rdb redis.UniversalClient) (deltalog.Store, error) {
	slog.Info("opening delta log store", "backend", cfg.Backend)

	switch cfg.Backend {
	case "memory":
		return deltalog.NewMemoryStore(), nil

	case "redis":
		return deltalog.NewRedisStore(rdb, cfg.RedisPrefix), nil

	case "bolt":
		return deltalog.OpenBoltStore(cfg.BoltPath)

	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		if err := waitFor(ctx, "mongo", func(ctx context.Context) error {
			return client.Ping(ctx, nil)
		}); err != nil {
			client.Disconnect(context.Background())
			return nil, fmt.Errorf("failed to reach mongo: %w", err)
		}
		return deltalog.NewMongoStore(client, cfg.MongoDatabase), nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure postgres: %w", err)
		}
		if err := waitFor(ctx, "postgres", pool.Ping); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		store, err := deltalog.NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	}

	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
