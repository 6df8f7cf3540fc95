package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/steward/internal/config"
	"github.com/petrijr/steward/internal/persistence"
	"github.com/petrijr/steward/internal/taskqueue"
)

// backends holds the opened store, queue and the clients behind them.
type backends struct {
	store persistence.Store
	queue taskqueue.Queue

	db    *sql.DB
	redis *redis.Client
	mongo *mongo.Client

	logger *slog.Logger
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &backends{logger: logger}
	if err := b.open(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *backends) open(ctx context.Context, cfg *config.Config) error {
	if err := b.openStore(ctx, cfg); err != nil {
		return err
	}
	if cfg.Redis.Addr != "" {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := b.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}
	return b.openQueue(ctx, cfg)
}

func (b *backends) openStore(ctx context.Context, cfg *config.Config) error {
	var err error
	switch cfg.Store.Driver {
	case "memory":
		b.store = persistence.NewInMemoryStore()
		return nil
	case "sqlite":
		b.db, err = sql.Open("sqlite", cfg.Store.DSN)
	case "postgres":
		b.db, err = sql.Open("pgx", cfg.Store.DSN)
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.Store.Driver, err)
	}
	b.db.SetMaxOpenConns(cfg.Store.PoolMax)
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", cfg.Store.Driver, err)
	}

	if cfg.Store.Driver == "sqlite" {
		b.store, err = persistence.NewSQLiteStore(b.db)
	} else {
		b.store, err = persistence.NewPostgresStore(b.db)
	}
	return err
}

func (b *backends) openQueue(ctx context.Context, cfg *config.Config) error {
	qcfg := taskqueue.Config{VisibilityTimeout: cfg.Queue.VisibilityTimeout}
	var err error
	switch cfg.Queue.Backend {
	case "memory":
		b.queue = taskqueue.NewInMemoryQueue(qcfg)
	case "sql":
		if cfg.Store.Driver == "sqlite" {
			b.queue, err = taskqueue.NewSQLiteQueue(b.db, qcfg)
		} else {
			b.queue, err = taskqueue.NewPostgresQueue(b.db, qcfg)
		}
	case "redis":
		b.queue = taskqueue.NewRedisQueue(b.redis, cfg.Queue.Prefix, qcfg)
	case "mongo":
		b.mongo, err = mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return fmt.Errorf("mongo connect: %w", err)
		}
		if err := b.mongo.Ping(ctx, nil); err != nil {
			return fmt.Errorf("mongo ping: %w", err)
		}
		b.queue = taskqueue.NewMongoQueue(b.mongo, cfg.Mongo.Database, cfg.Mongo.Collection, qcfg)
	default:
		return fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
	return err
}

// Close releases every client that was opened.
func (b *backends) Close() {
	var errs []error
	if b.mongo != nil {
		errs = append(errs, b.mongo.Disconnect(context.Background()))
	}
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	if b.db != nil {
		errs = append(errs, b.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		b.logger.Warn("closing backends", slog.Any("error", err))
	}
}
