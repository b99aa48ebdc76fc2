package config

import (
	"fmt"
	"strings"
	"time"
)

// StoreDriver selects the backend holding the queue collections.
type StoreDriver string

const (
	// StoreDriverPostgres stores every collection in PostgreSQL tables.
	StoreDriverPostgres StoreDriver = "postgres"
	// StoreDriverMongo stores every collection in a MongoDB database.
	StoreDriverMongo StoreDriver = "mongo"
	// StoreDriverMemory keeps everything in process memory. Single-process only.
	StoreDriverMemory StoreDriver = "memory"
)

// StoreConfig selects the store backend.
type StoreConfig struct {
	Driver StoreDriver `env:"STORE_DRIVER" envDefault:"postgres"`
	// LockStaleAfter is how old a restart lock may get before another owner may take it over.
	LockStaleAfter time.Duration `env:"LOCK_STALE_AFTER" envDefault:"5m"`
}

// Validate reports an unknown driver.
func (s StoreConfig) Validate() error {
	switch s.Driver {
	case StoreDriverPostgres, StoreDriverMongo, StoreDriverMemory:
		return nil
	}
	return fmt.Errorf("invalid STORE_DRIVER %q (valid options: postgres, mongo, memory)", s.Driver)
}

// Sanitize normalizes the driver name and applies the lock guardrail.
func (s *StoreConfig) Sanitize() {
	s.Driver = StoreDriver(strings.ToLower(strings.TrimSpace(string(s.Driver))))
	if s.Driver == "" {
		s.Driver = StoreDriverPostgres
	}
	if s.LockStaleAfter < 10*time.Second {
		s.LockStaleAfter = 10 * time.Second
	}
}

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"mmkq"`
	Password string `env:"PASSWORD"                envDefault:"mmkq"`
	Name     string `env:"NAME"                    envDefault:"mmkq"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	MaxConns int    `env:"MAX_CONNS"               envDefault:"25"`
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// Sanitize applies connection pool guardrails.
func (d *DBConfig) Sanitize() {
	if d.MaxConns < 2 {
		d.MaxConns = 2
	}
}

// MongoConfig contains MongoDB configuration.
type MongoConfig struct {
	URI      string `env:"URI"      envDefault:"mongodb://localhost:27017"`
	Database string `env:"DATABASE" envDefault:"mmkq"`
	// Transactions wraps archive and restart in multi-document transactions.
	// Requires a replica set or sharded cluster.
	Transactions bool          `env:"TRANSACTIONS"    envDefault:"false"`
	Timeout      time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	// EnsureIndexes creates the collection indexes during startup.
	EnsureIndexes bool `env:"ENSURE_INDEXES" envDefault:"true"`
}

// Sanitize applies guardrails to Mongo configuration values.
func (m *MongoConfig) Sanitize() {
	m.URI = strings.TrimSpace(m.URI)
	m.Database = strings.TrimSpace(m.Database)
	if m.Database == "" {
		m.Database = "mmkq"
	}
	if m.Timeout <= 0 {
		m.Timeout = 10 * time.Second
	}
}

// RedisConfig contains Redis configuration. Redis is optional: it caches the queue snapshot
// written after enqueue and can take over the restart lock from the primary store.
type RedisConfig struct {
	Enabled            bool     `env:"ENABLED"              envDefault:"false"`
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	SentinelPort       string   `env:"SENTINEL_PORT"        envDefault:"26379"`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`

	// SnapshotKey and SnapshotTTL control the cached queue snapshot.
	SnapshotKey string        `env:"SNAPSHOT_KEY" envDefault:"mmkq:snapshot"`
	SnapshotTTL time.Duration `env:"SNAPSHOT_TTL" envDefault:"10m"`

	// Locks moves the restart lock records into Redis.
	Locks      bool          `env:"LOCKS"       envDefault:"false"`
	LockTTL    time.Duration `env:"LOCK_TTL"    envDefault:"5m"`
	LockPrefix string        `env:"LOCK_PREFIX" envDefault:"mmkq:lock:"`
}

// Sanitize applies guardrails to Redis configuration values.
func (r *RedisConfig) Sanitize() {
	if r.SnapshotTTL < 0 {
		r.SnapshotTTL = 0
	}
	if r.LockTTL < 10*time.Second {
		r.LockTTL = 10 * time.Second
	}
	if !r.Enabled {
		r.Locks = false
	}
}
