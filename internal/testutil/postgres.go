package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver

	"github.com/target/mmk-queue/internal/migrate"
)

// queueTables lists every table the migrations create.
var queueTables = []string{"lock", "journal", "queue", "daemon", "sentinel", "stat"}

// postgresDSN points at the docker-compose test database unless TEST_DB_* say otherwise.
func postgresDSN(searchPath string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(envOr("TEST_DB_USER", "mmkq"), envOr("TEST_DB_PASSWORD", "mmkq")),
		Host:   net.JoinHostPort(envOr("TEST_DB_HOST", "localhost"), envOr("TEST_DB_PORT", "55432")),
		Path:   "/" + envOr("TEST_DB_NAME", "mmkq"),
	}
	q := url.Values{"sslmode": {envOr("TEST_DB_SSL_MODE", "disable")}}
	if searchPath != "" {
		q.Set("search_path", searchPath)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func openPostgres(t TestingTB, searchPath string) *sql.DB {
	t.Helper()
	db, err := sql.Open("pgx", postgresDSN(searchPath))
	if err != nil {
		t.Fatal("open postgres:", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		closeQuietly(t, "postgres", db)
		unavailable(t, "db", err)
	}
	return db
}

func migrateDB(t TestingTB, db *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := migrate.Run(ctx, db); err != nil {
		t.Fatal("migrate test database:", err)
	}
}

// CleanupTestDB empties every queue table.
func CleanupTestDB(t TestingTB, db *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, table := range queueTables {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("clean table %s: %v", table, err)
		}
	}
}

// SetupTestDB connects to the shared test database, migrates it and empties it. The
// handle is closed when the test ends.
func SetupTestDB(t TestingTB) *sql.DB {
	t.Helper()
	db := openPostgres(t, "")
	migrateDB(t, db)
	CleanupTestDB(t, db)
	t.Cleanup(func() { closeQuietly(t, "postgres", db) })
	return db
}

// SetupEphemeralSchemaDB migrates a fresh schema that is dropped when the test ends, so
// tests may run in parallel against one server.
func SetupEphemeralSchemaDB(t TestingTB) *sql.DB {
	t.Helper()
	admin := openPostgres(t, "")
	schema := "t_" + uniqueSuffix()
	if _, err := admin.ExecContext(context.Background(), "CREATE SCHEMA "+schema); err != nil {
		closeQuietly(t, "postgres admin", admin)
		t.Fatalf("create schema %s: %v", schema, err)
	}

	db := openPostgres(t, fmt.Sprintf("%s,public", schema))
	t.Cleanup(func() {
		closeQuietly(t, "postgres", db)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := admin.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
		closeQuietly(t, "postgres admin", admin)
	})
	migrateDB(t, db)
	return db
}

// WithAutoDB runs fn against an ephemeral schema when TEST_DB_EPHEMERAL is set and against
// the shared test database otherwise.
func WithAutoDB(t TestingTB, fn func(*sql.DB)) {
	t.Helper()
	if envBool("TEST_DB_EPHEMERAL") {
		fn(SetupEphemeralSchemaDB(t))
		return
	}
	fn(SetupTestDB(t))
}
