package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/data/testhelpers"
	"github.com/target/mmk-queue/internal/domain/model"
	"github.com/target/mmk-queue/internal/testutil"
)

func postgresStores(t *testing.T, db *sql.DB) core.Stores {
	t.Helper()
	testutil.CleanupTestDB(t, db)
	stores := NewPostgresStores(db, RepoConfig{})
	// the shared handle outlives each subtest
	stores.Closer = nil
	return stores
}

func TestPostgresStoreContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	testutil.WithAutoDB(t, func(db *sql.DB) {
		testhelpers.RunStoreContract(t, func(t *testing.T) core.Stores {
			return postgresStores(t, db)
		})
	})
}

func TestQueueRepo_ProgressUpdatesLock(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		s := postgresStores(t, db)

		_, err := s.Jobs.InsertJob(ctx, testhelpers.NewJob(t, "A", nil))
		require.NoError(t, err)
		now := testhelpers.Now()
		claimed, err := s.Jobs.ClaimNext(ctx, core.ClaimParams{Lock: model.LockInfo{Worker: "w@h"}, Now: now})
		require.NoError(t, err)
		require.NotNil(t, claimed)

		later := now.Add(3 * time.Second)
		applied, err := s.Jobs.UpdateJob(ctx, core.JobUpdate{
			ID:        claimed.ID,
			Condition: core.JobCondition{States: []model.State{model.StateRunning}, LockedBy: "w@h"},
			Patch:     core.JobPatch{Progress: &core.Progress{At: later, Value: 0.5, Message: "half"}},
		})
		require.NoError(t, err)
		require.True(t, applied)

		got, err := s.Jobs.GetJob(ctx, claimed.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Locked)
		assert.InDelta(t, 0.5, got.Locked.Progress, 1e-9)
		assert.Equal(t, "half", got.Locked.Message)
		require.NotNil(t, got.Locked.Heartbeat)
		assert.True(t, later.Equal(*got.Locked.Heartbeat))

		applied, err = s.Jobs.UpdateJob(ctx, core.JobUpdate{
			ID:        claimed.ID,
			Condition: core.JobCondition{LockedBy: "other@h"},
			Patch:     core.JobPatch{ClearLock: true},
		})
		require.NoError(t, err)
		assert.False(t, applied)
	})
}

func TestQueueRepo_MalformedIDs(t *testing.T) {
	repo := NewQueueRepo(nil, RepoConfig{})
	ctx := context.Background()

	_, err := repo.GetJob(ctx, "not-a-number")
	require.Error(t, err)

	applied, err := repo.UpdateJob(ctx, core.JobUpdate{ID: "-3"})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestBuildJobUpdate(t *testing.T) {
	at := testhelpers.Now()
	query, args, err := buildJobUpdate(42, core.JobUpdate{
		Condition: core.JobCondition{Unset: []model.Marker{model.MarkerKilled}},
		Patch:     core.JobPatch{Mark: []model.Marker{model.MarkerKilled}, MarkAt: at},
	})
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "queue" SET "killed_at" = $1 WHERE "id" = $2 AND "killed_at" IS NULL`, query)
	assert.Equal(t, []any{at, int64(42)}, args)

	_, _, err = buildJobUpdate(1, core.JobUpdate{Patch: core.JobPatch{Mark: []model.Marker{"bogus_at"}}})
	require.Error(t, err)

	query, _, err = buildJobUpdate(1, core.JobUpdate{})
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "queue" SET "id" = id WHERE "id" = $1`, query)
}

func TestQualifyColumns(t *testing.T) {
	assert.Equal(t, " q.id, q.name ", qualify("q", "id,\n  name"))
	assert.Equal(t, "id", queueColumnList[0])
	assert.Equal(t, "last_error", queueColumnList[len(queueColumnList)-1])
}

func TestLockRepo_StaleLockTakeover(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		testutil.CleanupTestDB(t, db)
		locks := NewLockRepo(db, RepoConfig{LockStaleAfter: time.Minute})

		ok, err := locks.TryAcquire(ctx, "7", "crashed@h")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = locks.TryAcquire(ctx, "7", "w@h")
		require.NoError(t, err)
		assert.False(t, ok, "a fresh lock is not stale")

		_, err = db.ExecContext(ctx, `UPDATE lock SET acquired_at = now() - interval '2 minutes' WHERE job_id = '7'`)
		require.NoError(t, err)

		ok, err = locks.TryAcquire(ctx, "7", "w@h")
		require.NoError(t, err)
		require.True(t, ok)

		var owner string
		require.NoError(t, db.QueryRowContext(ctx, `SELECT owner FROM lock WHERE job_id = '7'`).Scan(&owner))
		assert.Equal(t, "w@h", owner)

		require.NoError(t, locks.Release(ctx, "7", "crashed@h"))
		ok, err = locks.TryAcquire(ctx, "7", "other@h")
		require.NoError(t, err)
		assert.False(t, ok, "the old owner cannot release the taken-over lock")
	})
}
