package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/target/mmk-queue/config"
	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/data"
	"github.com/target/mmk-queue/internal/data/memory"
	"github.com/target/mmk-queue/internal/data/mongostore"
	"github.com/target/mmk-queue/internal/migrate"
)

// StoreDeps groups the inputs of OpenStores.
type StoreDeps struct {
	Config *config.AppConfig
	Logger *slog.Logger
	// SkipMigrations suppresses startup migrations regardless of configuration.
	SkipMigrations bool
}

// OpenStores connects the configured backend and returns the store bundle. When Redis is
// enabled it backs the queue snapshot and optionally the restart locks. Closing the bundle
// closes every connection opened here.
func OpenStores(ctx context.Context, deps StoreDeps) (core.Stores, error) {
	if deps.Config == nil {
		return core.Stores{}, errors.New("store config is required")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stores, err := openPrimary(ctx, cfg, logger, deps.SkipMigrations)
	if err != nil {
		return core.Stores{}, err
	}

	if cfg.Redis.Enabled {
		client, err := ConnectRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return core.Stores{}, errors.Join(err, stores.Close(ctx))
		}
		stores = withRedis(stores, client, cfg.Redis)
	}

	if err := stores.Validate(); err != nil {
		return core.Stores{}, err
	}
	logger.InfoContext(ctx, "stores ready",
		"driver", cfg.Store.Driver,
		"redis", cfg.Redis.Enabled,
		"redis_locks", cfg.Redis.Locks,
	)
	return stores, nil
}

func openPrimary(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger, skipMigrations bool) (core.Stores, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		logger.WarnContext(ctx, "memory store selected; state is lost on exit and not shared between processes")
		return memory.New().Stores(), nil

	case config.StoreDriverMongo:
		db, err := ConnectMongo(ctx, cfg.Mongo, logger)
		if err != nil {
			return core.Stores{}, err
		}
		store := mongostore.New(db,
			mongostore.WithLogger(logger),
			mongostore.WithTransactions(cfg.Mongo.Transactions),
			mongostore.WithLockStaleAfter(cfg.Store.LockStaleAfter),
			mongostore.WithDisconnectOnClose(),
		)
		if cfg.Mongo.EnsureIndexes && !skipMigrations {
			if err := store.Migrate(ctx); err != nil {
				return core.Stores{}, errors.Join(fmt.Errorf("ensure mongo indexes: %w", err), store.Stores().Close(ctx))
			}
		}
		return store.Stores(), nil

	case config.StoreDriverPostgres:
		db, err := ConnectPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			return core.Stores{}, err
		}
		if cfg.Postgres.RunMigrationsOnStart && !skipMigrations {
			applied, err := migrate.Run(ctx, db)
			if err != nil {
				return core.Stores{}, errors.Join(fmt.Errorf("run migrations: %w", err), db.Close())
			}
			logger.InfoContext(ctx, "migrations applied", "versions", applied)
		} else {
			logger.InfoContext(ctx, "startup migrations skipped")
		}
		return data.NewPostgresStores(db, data.RepoConfig{Logger: logger, LockStaleAfter: cfg.Store.LockStaleAfter}), nil
	}
	return core.Stores{}, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
}

// withRedis moves the snapshot cache, and the restart locks when configured, onto Redis.
func withRedis(stores core.Stores, client redis.UniversalClient, cfg config.RedisConfig) core.Stores {
	stores.Snapshots = data.NewRedisSnapshotRepo(client, cfg.SnapshotKey, cfg.SnapshotTTL)
	if cfg.Locks {
		stores.Locks = data.NewRedisLockRepo(client, cfg.LockPrefix, cfg.LockTTL)
	}
	primary := stores.Closer
	stores.Closer = func(ctx context.Context) error {
		var errs []error
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
		if primary != nil {
			errs = append(errs, primary(ctx))
		}
		return errors.Join(errs...)
	}
	return stores
}

// Migrate applies the schema for the configured driver and returns what it applied:
// Postgres migration versions, or the collections indexed on Mongo. The memory store
// has no schema.
func Migrate(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) ([]string, error) {
	if cfg == nil {
		return nil, errors.New("store config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		return nil, nil

	case config.StoreDriverMongo:
		db, err := ConnectMongo(ctx, cfg.Mongo, logger)
		if err != nil {
			return nil, err
		}
		store := mongostore.New(db, mongostore.WithLogger(logger), mongostore.WithDisconnectOnClose())
		defer func() {
			if err := store.Stores().Close(context.WithoutCancel(ctx)); err != nil {
				logger.WarnContext(ctx, "close mongo", "error", err)
			}
		}()
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return mongostore.IndexedCollections(), nil

	case config.StoreDriverPostgres:
		db, err := ConnectPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		return migrate.Run(ctx, db)
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
}
