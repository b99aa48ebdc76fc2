package data

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-queue/internal/domain/model"
	"github.com/target/mmk-queue/internal/testutil"
)

func TestRedisSnapshotRepo(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := testutil.SetupTestRedis(t)
	repo := NewRedisSnapshotRepo(client, "", time.Minute)
	ctx := t.Context()

	require.NoError(t, repo.Health(ctx))
	snap, err := repo.GetSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap, "nothing cached yet")

	at := testutil.TestTime()
	want := &model.QueueSnapshot{At: at, Counts: model.QueueCounts{model.StatePending: 3, model.StateRunning: 1}}
	require.NoError(t, repo.PutSnapshot(ctx, want))

	got, err := repo.GetSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.At.Equal(at))
	assert.Equal(t, want.Counts, got.Counts)

	ttl, err := client.TTL(ctx, defaultSnapshotKey).Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)

	require.Error(t, repo.PutSnapshot(ctx, nil))
}

func TestRedisLockRepo(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := testutil.SetupTestRedis(t)
	repo := NewRedisLockRepo(client, "test:lock:", time.Minute)
	ctx := t.Context()

	ok, err := repo.TryAcquire(ctx, "42", "a@host")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.TryAcquire(ctx, "42", "b@host")
	require.NoError(t, err)
	assert.False(t, ok, "a held lock is not granted twice")

	require.NoError(t, repo.Release(ctx, "42", "b@host"))
	ok, err = repo.TryAcquire(ctx, "42", "b@host")
	require.NoError(t, err)
	assert.False(t, ok, "only the owner releases")

	require.NoError(t, repo.Release(ctx, "42", "a@host"))
	ok, err = repo.TryAcquire(ctx, "42", "b@host")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = repo.TryAcquire(ctx, "", "a@host")
	require.Error(t, err)
}
