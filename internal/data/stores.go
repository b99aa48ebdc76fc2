package data

import (
	"context"
	"database/sql"

	"github.com/target/mmk-queue/internal/core"
)

// NewPostgresStores wires every store onto one Postgres handle. Closing the bundle closes db.
func NewPostgresStores(db *sql.DB, cfg RepoConfig) core.Stores {
	queue := NewQueueRepo(db, cfg)
	daemons := NewDaemonRepo(db, cfg)
	return core.Stores{
		Jobs:      queue,
		Journal:   queue,
		Locks:     NewLockRepo(db, cfg),
		Daemons:   daemons,
		Sentinels: daemons,
		Stats:     NewStatRepo(db, cfg),
		Closer: func(context.Context) error {
			return db.Close()
		},
	}
}
