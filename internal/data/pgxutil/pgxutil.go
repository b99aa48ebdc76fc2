// Package pgxutil runs pgx transactions on connections borrowed from a database/sql pool.
package pgxutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
)

// defaultAttempts bounds how often a transaction is replayed after a serialization
// failure or deadlock.
const defaultAttempts = 3

// TxConfig describes one transaction run by WithPgxTx.
type TxConfig struct {
	// IsoLevel defaults to the server default (read committed).
	IsoLevel pgx.TxIsoLevel
	// Attempts caps replays of Fn on retryable conflicts; zero means defaultAttempts.
	Attempts int
	// Fn must be safe to replay: it runs again from scratch after a rollback.
	Fn func(pgx.Tx) error
}

// WithPgxConn borrows one connection from db and hands fn the underlying *pgx.Conn.
func WithPgxConn(ctx context.Context, db *sql.DB, fn func(*pgx.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer conn.Close()

	return conn.Raw(func(dc any) error {
		std, ok := dc.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("driver connection is %T, want *stdlib.Conn", dc)
		}
		return fn(std.Conn())
	})
}

// WithPgxTx runs cfg.Fn in a transaction, committing when it returns nil. Serialization
// failures and deadlocks roll back and replay Fn up to cfg.Attempts times.
func WithPgxTx(ctx context.Context, db *sql.DB, cfg TxConfig) error {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	return WithPgxConn(ctx, db, func(conn *pgx.Conn) error {
		var err error
		for range attempts {
			err = runTx(ctx, conn, cfg)
			if !Retryable(err) || ctx.Err() != nil {
				return err
			}
		}
		return fmt.Errorf("transaction gave up after %d attempts: %w", attempts, err)
	})
}

func runTx(ctx context.Context, conn *pgx.Conn, cfg TxConfig) (err error) {
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: cfg.IsoLevel})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(ctx); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rerr))
		}
	}()
	if err = cfg.Fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Retryable reports whether err is a Postgres conflict that a replay can resolve.
func Retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return true
	}
	return false
}
