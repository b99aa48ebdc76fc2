package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	domainjob "github.com/target/mmk-queue/internal/domain/job"
	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
	"github.com/target/mmk-queue/internal/mocks"
	"github.com/target/mmk-queue/internal/testutil"
)

func TestNewQueueService_RequiresDependencies(t *testing.T) {
	env := newTestEnv(t)

	_, err := NewQueueService(QueueServiceOptions{Catalog: env.catalog, Clock: env.clock})
	require.Error(t, err)

	_, err = NewQueueService(QueueServiceOptions{Stores: env.store.Stores(), Clock: env.clock})
	require.EqualError(t, err, "Catalog is required")

	_, err = NewQueueService(QueueServiceOptions{Stores: env.store.Stores(), Catalog: env.catalog})
	require.EqualError(t, err, "Clock is required")
}

func TestEnqueue_Dedup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.queue.Enqueue(ctx, EnqueueRequest{Name: "test.job", Args: map[string]any{"x": 1}, Username: "alice"})
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, first.State)
	assert.Equal(t, 2, first.AttemptsLeft)
	assert.Equal(t, "host-a", first.Enqueued.Hostname)
	assert.Equal(t, "alice", first.Enqueued.Username)
	assert.Equal(t, testutil.TestTime(), first.Enqueued.At)

	_, err = env.queue.Enqueue(ctx, EnqueueRequest{Name: "test.job", Args: map[string]any{"x": 1}})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	second, err := env.queue.Enqueue(ctx, EnqueueRequest{Name: "test.job", Args: map[string]any{"x": 2}})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	counts, err := env.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.StatePending])

	snap, err := env.queue.Snapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 2, snap.Counts[model.StatePending])

	stats, err := env.store.LatestStats(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, stats, 2)
}

func TestEnqueue_ValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.queue.Enqueue(ctx, EnqueueRequest{Name: "no.such.type"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.ErrorIs(t, err, domainjob.ErrUnknownType)

	_, err = env.queue.Enqueue(ctx, EnqueueRequest{Name: domainjob.TypeSleep, Args: map[string]any{"seconds": "soon"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, domainjob.ErrInvalidArgs)
}

func TestKill_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	j, err := env.queue.Enqueue(ctx, EnqueueRequest{Name: "test.job"})
	require.NoError(t, err)

	applied, err := env.queue.Kill(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, applied)
	firstAt := *env.job(t, j.ID).KilledAt

	env.clock.AddTime(time.Minute)
	applied, err = env.queue.Kill(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, firstAt, *env.job(t, j.ID).KilledAt)

	_, err = env.queue.Kill(ctx, "999")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestKill_ConcurrentCallersAgree(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	j, err := env.queue.Enqueue(ctx, EnqueueRequest{Name: "test.job"})
	require.NoError(t, err)

	results := make([]bool, 2)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			applied, err := env.queue.Kill(ctx, j.ID)
			results[i] = applied
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.True(t, results[0] != results[1], "exactly one caller is the effective writer")
	assert.NotNil(t, env.job(t, j.ID).KilledAt)
}

func TestRemove_SetsMarker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	j, err := env.queue.Enqueue(ctx, EnqueueRequest{Name: "test.job"})
	require.NoError(t, err)

	applied, err := env.queue.Remove(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, applied)

	detail, err := env.queue.GetDetail(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "..R.", detail.Flags)
}

func TestRestart_WaitingKeepsIdentifier(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	later := testutil.TestTime().Add(time.Hour)
	j := env.insert(t, testutil.NewJob("test.job").WithState(model.StateFailed).WithQueryAt(later).Build())

	id, err := env.queue.Restart(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, id)

	got := env.job(t, j.ID)
	assert.Nil(t, got.QueryAt)
	assert.Equal(t, model.StateFailed, got.State)
	assert.True(t, got.Due(env.clock.Now()))
}

func TestRestart_StoppedClonesAndJournals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.insert(t, testutil.NewJob("test.job").
		WithArgs(map[string]any{"x": 1}).
		WithAttempts(3).
		WithState(model.StateError).
		Build())

	env.clock.AddTime(time.Minute)
	c, err := env.queue.Restart(ctx, b.ID)
	require.NoError(t, err)
	assert.NotEqual(t, b.ID, c)

	old, err := env.queue.GetDetail(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, old.Archived)
	assert.Equal(t, c, old.Enqueued.ChildID)
	assert.Equal(t, "stopped", old.HighState)

	fresh, err := env.queue.GetDetail(ctx, c)
	require.NoError(t, err)
	assert.False(t, fresh.Archived)
	assert.Equal(t, b.ID, fresh.Enqueued.ParentID)
	assert.Equal(t, model.StatePending, fresh.State)
	assert.Equal(t, 3, fresh.AttemptsLeft)
	assert.Equal(t, b.Fingerprint, fresh.Fingerprint)
	assert.Equal(t, env.clock.Now(), fresh.Enqueued.At)

	journal, err := env.queue.Journal(ctx, 0)
	require.NoError(t, err)
	require.Len(t, journal, 1)
	assert.Equal(t, b.ID, journal[0].ID)

	// the lock record is released
	ok, err := env.store.TryAcquire(ctx, b.ID, "probe")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRestart_NotRestartable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pending := env.insert(t, testutil.NewJob("test.job").Build())
	running := env.insert(t, testutil.NewJob("test.job").WithArgs(map[string]any{"r": true}).
		Running("w@h", testutil.TestTime()).Build())

	for _, id := range []string{pending.ID, running.ID, "404"} {
		_, err := env.queue.Restart(ctx, id)
		assert.True(t, apperrors.IsNotFound(err), "job %s", id)
	}
}

func TestRestart_LockHeldByAnotherProcess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.insert(t, testutil.NewJob("test.job").WithState(model.StateKilled).Build())

	ok, err := env.store.TryAcquire(ctx, b.ID, "other-process")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.queue.Restart(ctx, b.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	assert.ErrorIs(t, err, ErrLockCollision)

	// no side effects
	assert.Equal(t, model.StateKilled, env.job(t, b.ID).State)
	journal, err := env.queue.Journal(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, journal)
}

func TestRestart_LockCollisionDoesNotRelease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.insert(t, testutil.NewJob("test.job").WithState(model.StateInactive).Build())

	ctrl := gomock.NewController(t)
	locks := mocks.NewMockLockStore(ctrl)
	locks.EXPECT().TryAcquire(gomock.Any(), b.ID, env.identity.RunID).Return(false, nil)
	// Release is not expected: a collision leaves the other owner's lock alone.

	stores := env.store.Stores()
	stores.Locks = locks
	svc, err := NewQueueService(QueueServiceOptions{
		Stores:   stores,
		Catalog:  env.catalog,
		Clock:    env.clock,
		Identity: env.identity,
		Logger:   env.logger,
	})
	require.NoError(t, err)

	_, err = svc.Restart(ctx, b.ID)
	assert.ErrorIs(t, err, ErrLockCollision)
}

func TestRestart_ConcurrentStopped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.insert(t, testutil.NewJob("test.job").WithState(model.StateError).Build())

	ids := make([]string, 2)
	errs := make([]error, 2)
	var g errgroup.Group
	for i := range ids {
		g.Go(func() error {
			ids[i], errs[i] = env.queue.Restart(ctx, b.ID)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	succeeded := 0
	for i := range ids {
		if errs[i] == nil {
			succeeded++
			continue
		}
		// the loser either collided on the lock or found the job already superseded
		assert.True(t, apperrors.IsConflict(errs[i]) || apperrors.IsNotFound(errs[i]), "unexpected error %v", errs[i])
	}
	assert.Equal(t, 1, succeeded)

	journal, err := env.queue.Journal(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, journal, 1)
	live, err := env.queue.List(ctx, model.JobFilter{Names: []string{"test.job"}})
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestGetDetail_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.queue.GetDetail(context.Background(), "12345")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestStateAggregation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := testutil.TestTime()
	env.insert(t, testutil.NewJob("a").WithArgs(map[string]any{"n": 1}).Build())
	env.insert(t, testutil.NewJob("a").WithArgs(map[string]any{"n": 2}).Build())
	env.insert(t, testutil.NewJob("a").WithArgs(map[string]any{"n": 3}).WithMarker(model.MarkerKilled, now).Build())
	env.insert(t, testutil.NewJob("b").Running("w@h", now).WithMarker(model.MarkerZombie, now).Build())

	groups, err := env.queue.State(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 3)

	got := map[string]int{}
	for _, g := range groups {
		got[g.Name+"/"+string(g.State)+"/"+g.Flags()] = g.Count
	}
	assert.Equal(t, map[string]int{
		"a/pending/....": 2,
		"a/pending/...K": 1,
		"b/running/Z...": 1,
	}, got)
}

func TestHaltAndMaintenance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	at, err := env.queue.Halt(ctx)
	require.NoError(t, err)
	halt, err := env.store.GetSentinel(ctx, model.SentinelHalt)
	require.NoError(t, err)
	require.NotNil(t, halt)
	assert.Equal(t, at, *halt)

	m, err := env.queue.Maintenance(ctx)
	require.NoError(t, err)
	assert.Nil(t, m)

	require.NoError(t, env.queue.EnterMaintenance(ctx))
	m, err = env.queue.Maintenance(ctx)
	require.NoError(t, err)
	assert.NotNil(t, m)

	require.NoError(t, env.queue.LeaveMaintenance(ctx))
	m, err = env.queue.Maintenance(ctx)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestFlagErrorsAreWrapped(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.queue.Remove(context.Background(), "nope")
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrCodeNotFound, appErr.Code)
}
