package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-queue/internal/core"
	apperrors "github.com/target/mmk-queue/internal/errors"
)

var _ core.LockStore = (*LockRepo)(nil)

// LockRepo implements insert-as-lock on the lock table: the primary key on job_id admits
// exactly one holder. A row older than staleAfter belongs to an owner that never released
// it and may be taken over.
type LockRepo struct {
	DB         *sql.DB
	logger     *slog.Logger
	staleAfter time.Duration
}

// NewLockRepo creates a new LockRepo.
func NewLockRepo(db *sql.DB, cfg RepoConfig) *LockRepo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	staleAfter := cfg.LockStaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultLockStaleAfter
	}
	return &LockRepo{DB: db, logger: logger.With("component", "lock_repo"), staleAfter: staleAfter}
}

// acquireLockSQL inserts the lock row, or overwrites a stale one. xmax is zero only for a
// freshly inserted tuple. A conflict with a live row returns nothing.
const acquireLockSQL = `
INSERT INTO lock (job_id, owner, acquired_at) VALUES ($1, $2, now())
ON CONFLICT (job_id) DO UPDATE SET owner = EXCLUDED.owner, acquired_at = EXCLUDED.acquired_at
WHERE lock.acquired_at < now() - make_interval(secs => $3)
RETURNING (xmax = 0)`

// TryAcquire inserts the lock row. A live row held by another owner means false.
func (r *LockRepo) TryAcquire(ctx context.Context, jobID, owner string) (bool, error) {
	var inserted bool
	err := r.DB.QueryRowContext(ctx, acquireLockSQL, jobID, owner, r.staleAfter.Seconds()).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		r.logger.DebugContext(ctx, "lock held by another owner", "job_id", jobID, "owner", owner)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lock on %s: %w", jobID, apperrors.MapDBError(err))
	}
	if !inserted {
		r.logger.WarnContext(ctx, "stale lock taken over", "job_id", jobID, "owner", owner, "stale_after", r.staleAfter)
	}
	return true, nil
}

// Release deletes the lock row when owner holds it.
func (r *LockRepo) Release(ctx context.Context, jobID, owner string) error {
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM lock WHERE job_id = $1 AND owner = $2`, jobID, owner); err != nil {
		return fmt.Errorf("release lock on %s: %w", jobID, apperrors.MapDBError(err))
	}
	return nil
}
