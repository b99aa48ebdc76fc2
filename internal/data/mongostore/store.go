// Package mongostore implements the queue stores on MongoDB.
package mongostore

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/target/mmk-queue/internal/core"
)

// Collection names.
const (
	colQueue   = "queue"
	colJournal = "journal"
	colLock    = "lock"
	colWorker  = "worker"
	colStat    = "stat"
)

var (
	_ core.JobStore       = (*Store)(nil)
	_ core.JournalStore   = (*Store)(nil)
	_ core.LockStore      = (*Store)(nil)
	_ core.DaemonRegistry = (*Store)(nil)
	_ core.SentinelStore  = (*Store)(nil)
	_ core.StatStore      = (*Store)(nil)
)

// Store implements every store port on one MongoDB database.
// The caller owns the client lifecycle unless WithDisconnectOnClose is given.
type Store struct {
	db           *mongo.Database
	logger       *slog.Logger
	transactions bool
	disconnect   bool
	staleAfter   time.Duration
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTransactions runs archive and replace in multi-document transactions.
// The server must be a replica set or sharded cluster.
func WithTransactions(enabled bool) Option {
	return func(s *Store) { s.transactions = enabled }
}

// WithLockStaleAfter lets a restart lock older than d be taken over by another owner.
func WithLockStaleAfter(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithDisconnectOnClose makes Stores().Close disconnect the client.
func WithDisconnectOnClose() Option {
	return func(s *Store) { s.disconnect = true }
}

// New creates a store on db.
func New(db *mongo.Database, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default(), staleAfter: defaultLockStaleAfter}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "mongostore")
	return s
}

// Stores returns the store bundle backed by s.
func (s *Store) Stores() core.Stores {
	return core.Stores{
		Jobs:      s,
		Journal:   s,
		Locks:     s,
		Daemons:   s,
		Sentinels: s,
		Stats:     s,
		Closer: func(ctx context.Context) error {
			if !s.disconnect {
				return nil
			}
			return s.db.Client().Disconnect(ctx)
		},
	}
}

func (s *Store) col(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// Migrate creates the indexes every collection relies on. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.col(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongostore: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// IndexedCollections lists the collections Migrate creates indexes on, sorted.
func IndexedCollections() []string {
	names := make([]string, 0, len(migrationIndexes()))
	for col := range migrationIndexes() {
		names = append(names, col)
	}
	slices.Sort(names)
	return names
}

func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colQueue: {
			// natural key; enqueue dedup relies on it
			{
				Keys:    bson.D{{Key: "name", Value: 1}, {Key: "fingerprint", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("queue_name_fingerprint_key"),
			},
			{Keys: bson.D{
				{Key: "state", Value: 1},
				{Key: "priority", Value: -1},
				{Key: "_id", Value: 1},
			}},
		},
		colJournal: {
			{Keys: bson.D{{Key: "archived", Value: -1}}},
		},
		colStat: {
			{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		},
	}
}

// withTx runs fn in a transaction when enabled, otherwise directly. It reports whether a
// transaction is active so callers know if they must compensate partial writes themselves.
func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context, inTx bool) error) error {
	if !s.transactions {
		return fn(ctx, false)
	}
	sess, err := s.db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("mongostore: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		return nil, fn(txCtx, true)
	})
	return err
}
