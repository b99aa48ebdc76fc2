package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/target/mmk-queue/config"
)

const (
	pingTimeout     = 5 * time.Second
	applicationName = "mmkq"
)

// postgresConfig builds the pgx connection config. Credentials go through the config
// struct, never through a DSN string.
func postgresConfig(cfg config.DBConfig) (*pgx.ConnConfig, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Name, cfg.SSLMode)
	cc, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cc.User = cfg.User
	cc.Password = cfg.Password
	cc.RuntimeParams["application_name"] = applicationName
	return cc, nil
}

// ConnectPostgres opens a pooled database/sql handle over pgx and pings it.
func ConnectPostgres(ctx context.Context, cfg config.DBConfig, logger *slog.Logger) (*sql.DB, error) {
	cc, err := postgresConfig(cfg)
	if err != nil {
		return nil, err
	}
	db := stdlib.OpenDB(*cc)
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(max(cfg.MaxConns/5, 1))
	db.SetConnMaxLifetime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		return nil, errors.Join(fmt.Errorf("ping postgres: %w", err), db.Close())
	}
	logger.InfoContext(ctx, "postgres connected",
		"addr", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		"database", cfg.Name,
	)
	return db, nil
}

// ConnectMongo connects and returns the configured database. Disconnect through
// db.Client() or a store opened WithDisconnectOnClose.
func ConnectMongo(ctx context.Context, cfg config.MongoConfig, logger *slog.Logger) (*mongo.Database, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetAppName(applicationName).
		SetTimeout(cfg.Timeout)
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pctx, readpref.Primary()); err != nil {
		return nil, errors.Join(fmt.Errorf("ping mongo: %w", err), client.Disconnect(context.WithoutCancel(ctx)))
	}
	logger.InfoContext(ctx, "mongo connected", "database", cfg.Database)
	return client.Database(cfg.Database), nil
}

// redisOptions maps the configuration onto go-redis universal options. It returns a
// credential-free description of the target for logging.
func redisOptions(cfg config.RedisConfig) (*redis.UniversalOptions, string, error) {
	opts := &redis.UniversalOptions{
		Password:   cfg.Password,
		ClientName: applicationName,
	}
	switch {
	case cfg.UseCluster:
		opts.Addrs = trimAll(cfg.ClusterNodes)
		opts.IsClusterMode = true
		if len(opts.Addrs) == 0 {
			if err := applyRedisURI(opts, cfg.URI); err != nil {
				return nil, "", err
			}
		}
		if len(opts.Addrs) == 0 {
			return nil, "", errors.New("redis cluster needs REDIS_CLUSTER_NODES or REDIS_URI")
		}
		return opts, "cluster:" + strings.Join(opts.Addrs, ","), nil

	case cfg.UseSentinel:
		opts.Addrs = trimAll(cfg.SentinelNodes)
		opts.MasterName = cfg.SentinelMasterName
		opts.SentinelPassword = cfg.SentinelPassword
		if len(opts.Addrs) == 0 || opts.MasterName == "" {
			return nil, "", errors.New("redis sentinel needs REDIS_SENTINEL_NODES and REDIS_SENTINEL_MASTER_NAME")
		}
		return opts, "sentinel:" + opts.MasterName, nil
	}

	if err := applyRedisURI(opts, cfg.URI); err != nil {
		return nil, "", err
	}
	if len(opts.Addrs) == 0 {
		return nil, "", errors.New("redis needs REDIS_URI")
	}
	return opts, opts.Addrs[0], nil
}

// applyRedisURI accepts either host:port or a redis:// / rediss:// URL. URL credentials
// and database override the configured ones.
func applyRedisURI(opts *redis.UniversalOptions, uri string) error {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil
	}
	if !strings.HasPrefix(uri, "redis://") && !strings.HasPrefix(uri, "rediss://") {
		opts.Addrs = []string{uri}
		return nil
	}
	parsed, err := redis.ParseURL(uri)
	if err != nil {
		return fmt.Errorf("parse REDIS_URI: %w", err)
	}
	opts.Addrs = []string{parsed.Addr}
	opts.Username = parsed.Username
	if parsed.Password != "" {
		opts.Password = parsed.Password
	}
	opts.DB = parsed.DB
	opts.TLSConfig = parsed.TLSConfig
	return nil
}

// ConnectRedis builds a single-node, sentinel or cluster client and pings it.
//
//nolint:ireturn // the concrete client type depends on the topology
func ConnectRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (redis.UniversalClient, error) {
	opts, target, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(opts)

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		return nil, errors.Join(fmt.Errorf("ping redis %s: %w", target, err), client.Close())
	}
	logger.InfoContext(ctx, "redis connected", "target", target)
	return client, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
