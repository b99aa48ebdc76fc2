package mongostore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/data/testhelpers"
	"github.com/target/mmk-queue/internal/domain/model"
	"github.com/target/mmk-queue/internal/testutil"
)

func TestStoreContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	testhelpers.RunStoreContract(t, func(t *testing.T) core.Stores {
		s := New(testutil.SetupTestMongo(t))
		require.NoError(t, s.Migrate(context.Background()))
		return s.Stores()
	})
}

func TestJobDocRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	j := testutil.NewJob("mmk.sleep").
		WithArgs(map[string]any{"seconds": 2.0}).
		Running("w@h", at).
		WithMarker(model.MarkerWall, at).
		Build()
	j.ID = bson.NewObjectID().Hex()

	back := fromJobDoc(toJobDoc(j))
	assert.Equal(t, j, back)
}

func TestToJobDoc_IgnoresForeignIDs(t *testing.T) {
	j := testutil.NewJob("A").Build()
	j.ID = "42"
	assert.True(t, toJobDoc(j).ID.IsZero())
}

func TestNormalize(t *testing.T) {
	in := map[string]any{
		"n":    int32(3),
		"doc":  bson.D{{Key: "k", Value: bson.A{int32(1), "x"}}},
		"m":    bson.M{"y": 1.5},
		"keep": "s",
	}
	assert.Equal(t, map[string]any{
		"n":    int64(3),
		"doc":  map[string]any{"k": []any{int64(1), "x"}},
		"m":    map[string]any{"y": 1.5},
		"keep": "s",
	}, normalizeMap(in))
}

func TestPatchDoc(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	filter := bson.M{}
	set, err := patchDoc(core.JobPatch{
		State:    model.StateRunning,
		Mark:     []model.Marker{model.MarkerZombie},
		MarkAt:   at,
		Progress: &core.Progress{At: at, Value: 0.25, Message: "quarter"},
	}, filter)
	require.NoError(t, err)
	assert.Equal(t, bson.M{
		"state":            "running",
		"zombie_at":        at,
		"locked.heartbeat": at,
		"locked.progress":  0.25,
		"locked.message":   "quarter",
	}, set)
	assert.Equal(t, bson.M{"locked": bson.M{"$ne": nil}}, filter)

	_, err = patchDoc(core.JobPatch{
		Mark:   []model.Marker{model.MarkerKilled},
		Unmark: []model.Marker{model.MarkerKilled},
	}, bson.M{})
	require.Error(t, err)
}

func TestStatDocRoundTrip(t *testing.T) {
	rec := &model.StatRecord{
		At:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Event:  "enqueue_job",
		Counts: model.QueueCounts{model.StatePending: 2},
	}
	assert.Equal(t, rec, fromStatDoc(toStatDoc(rec)))
}

func TestStore_StaleLockTakeover(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	s := New(testutil.SetupTestMongo(t), WithLockStaleAfter(time.Minute))

	ok, err := s.TryAcquire(ctx, "7", "crashed@h")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TryAcquire(ctx, "7", "w@h")
	require.NoError(t, err)
	assert.False(t, ok, "a fresh lock is not stale")

	_, err = s.col(colLock).UpdateOne(ctx, bson.M{"_id": "7"},
		bson.M{"$set": bson.M{"acquired_at": time.Now().UTC().Add(-2 * time.Minute)}})
	require.NoError(t, err)

	ok, err = s.TryAcquire(ctx, "7", "w@h")
	require.NoError(t, err)
	require.True(t, ok)

	var doc struct {
		Owner string `bson:"owner"`
	}
	require.NoError(t, s.col(colLock).FindOne(ctx, bson.M{"_id": "7"}).Decode(&doc))
	assert.Equal(t, "w@h", doc.Owner)

	require.NoError(t, s.Release(ctx, "7", "crashed@h"))
	ok, err = s.TryAcquire(ctx, "7", "other@h")
	require.NoError(t, err)
	assert.False(t, ok, "the old owner cannot release the taken-over lock")
}
