// Package testhelpers provides the behavioural contract every store backend must satisfy.
// Backend packages call RunStoreContract from their tests.
package testhelpers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/domain/job"
	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
)

// StoresFactory returns a clean store bundle for one subtest.
type StoresFactory func(t *testing.T) core.Stores

// Now returns a millisecond-truncated UTC time, the precision every backend preserves.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// NewJob builds a pending job with a real fingerprint.
func NewJob(t *testing.T, name string, args map[string]any) *model.Job {
	t.Helper()
	fp, err := job.Fingerprint(name, args)
	require.NoError(t, err)
	return &model.Job{
		Name:         name,
		Args:         args,
		Fingerprint:  fp,
		State:        model.StatePending,
		Attempts:     2,
		AttemptsLeft: 2,
		Timing:       model.Timing{DeferTime: 1, DeferMax: 10, ErrorTime: 1},
		Enqueued:     model.EnqueueInfo{At: Now(), Hostname: "test", Username: "tester"},
	}
}

// RunStoreContract runs the store behaviour suite against newStores.
func RunStoreContract(t *testing.T, newStores StoresFactory) {
	t.Run("insert and dedup", func(t *testing.T) { testInsertDedup(t, newStores(t)) })
	t.Run("conditional markers", func(t *testing.T) { testConditionalMarkers(t, newStores(t)) })
	t.Run("concurrent kill has one writer", func(t *testing.T) { testConcurrentKill(t, newStores(t)) })
	t.Run("claim order", func(t *testing.T) { testClaimOrder(t, newStores(t)) })
	t.Run("archive", func(t *testing.T) { testArchive(t, newStores(t)) })
	t.Run("replace stopped", func(t *testing.T) { testReplace(t, newStores(t)) })
	t.Run("list filter", func(t *testing.T) { testListFilter(t, newStores(t)) })
	t.Run("aggregation", func(t *testing.T) { testAggregation(t, newStores(t)) })
	t.Run("lock", func(t *testing.T) { testLock(t, newStores(t)) })
	t.Run("daemon registry", func(t *testing.T) { testDaemons(t, newStores(t)) })
	t.Run("sentinels", func(t *testing.T) { testSentinels(t, newStores(t)) })
	t.Run("stats", func(t *testing.T) { testStats(t, newStores(t)) })
}

func testInsertDedup(t *testing.T, s core.Stores) {
	ctx := context.Background()

	first, err := s.Jobs.InsertJob(ctx, NewJob(t, "A", map[string]any{"x": 1}))
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	_, err = s.Jobs.InsertJob(ctx, NewJob(t, "A", map[string]any{"x": 1}))
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err), "got %v", err)

	second, err := s.Jobs.InsertJob(ctx, NewJob(t, "A", map[string]any{"x": 2}))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	got, err := s.Jobs.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", got.Name)
	assert.Equal(t, model.StatePending, got.State)
	assert.InDelta(t, 1, got.Args["x"], 0)
	assert.Equal(t, "tester", got.Enqueued.Username)

	_, err = s.Jobs.GetJob(ctx, missingID(first.ID))
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)
}

// missingID derives an identifier of the same shape as id that is never assigned.
func missingID(id string) string {
	if len(id) == 24 {
		return "000000000000000000000000"
	}
	return "999999999"
}

func killUpdate(id string, at time.Time) core.JobUpdate {
	return core.JobUpdate{
		ID: id,
		Condition: core.JobCondition{
			States: []model.State{model.StatePending, model.StateRunning, model.StateDeferred, model.StateFailed},
			Unset:  []model.Marker{model.MarkerKilled},
		},
		Patch: core.JobPatch{Mark: []model.Marker{model.MarkerKilled}, MarkAt: at},
	}
}

func testConditionalMarkers(t *testing.T, s core.Stores) {
	ctx := context.Background()
	j, err := s.Jobs.InsertJob(ctx, NewJob(t, "A", nil))
	require.NoError(t, err)

	first := Now()
	ok, err := s.Jobs.UpdateJob(ctx, killUpdate(j.ID, first))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Jobs.UpdateJob(ctx, killUpdate(j.ID, first.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, ok, "re-flagging must not apply")

	got, err := s.Jobs.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, got.KilledAt)
	assert.WithinDuration(t, first, *got.KilledAt, time.Millisecond)
	assert.Equal(t, "...K", got.Flags())

	ok, err = s.Jobs.UpdateJob(ctx, killUpdate(missingID(j.ID), first))
	require.NoError(t, err)
	assert.False(t, ok)
}

func testConcurrentKill(t *testing.T, s core.Stores) {
	ctx := context.Background()
	j, err := s.Jobs.InsertJob(ctx, NewJob(t, "A", nil))
	require.NoError(t, err)

	var applied atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		at := Now().Add(time.Duration(i) * time.Second)
		g.Go(func() error {
			ok, err := s.Jobs.UpdateJob(ctx, killUpdate(j.ID, at))
			if ok {
				applied.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), applied.Load())

	got, err := s.Jobs.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, got.IsKilled())
}

func testClaimOrder(t *testing.T, s core.Stores) {
	ctx := context.Background()
	now := Now()
	future := now.Add(time.Hour)

	low, err := s.Jobs.InsertJob(ctx, NewJob(t, "A", map[string]any{"n": 1}))
	require.NoError(t, err)
	highJob := NewJob(t, "A", map[string]any{"n": 2})
	highJob.Priority = 5
	high, err := s.Jobs.InsertJob(ctx, highJob)
	require.NoError(t, err)
	later := NewJob(t, "A", map[string]any{"n": 3})
	later.State = model.StateDeferred
	later.QueryAt = &future
	_, err = s.Jobs.InsertJob(ctx, later)
	require.NoError(t, err)
	killed := NewJob(t, "A", map[string]any{"n": 4})
	killed.KilledAt = &now
	_, err = s.Jobs.InsertJob(ctx, killed)
	require.NoError(t, err)
	other, err := s.Jobs.InsertJob(ctx, NewJob(t, "B", nil))
	require.NoError(t, err)

	params := core.ClaimParams{
		Names: []string{"A"},
		Lock:  model.LockInfo{Worker: "master@test", Hostname: "test", PID: 1},
		Now:   now,
	}

	got, err := s.Jobs.ClaimNext(ctx, params)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, high.ID, got.ID)
	assert.Equal(t, model.StateRunning, got.State)
	assert.Equal(t, 1, got.Trial)
	require.NotNil(t, got.Locked)
	assert.Equal(t, "master@test", got.Locked.Worker)
	require.NotNil(t, got.StartedAt)

	got, err = s.Jobs.ClaimNext(ctx, params)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, low.ID, got.ID)

	got, err = s.Jobs.ClaimNext(ctx, params)
	require.NoError(t, err)
	assert.Nil(t, got, "deferred and killed jobs are not due")

	params.Names = nil
	got, err = s.Jobs.ClaimNext(ctx, params)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, other.ID, got.ID)

	params.Now = future.Add(time.Second)
	got, err = s.Jobs.ClaimNext(ctx, params)
	require.NoError(t, err)
	require.NotNil(t, got, "deferred job becomes due after query_at")
	assert.Nil(t, got.QueryAt)
}

func testArchive(t *testing.T, s core.Stores) {
	ctx := context.Background()
	j, err := s.Jobs.InsertJob(ctx, NewJob(t, "A", nil))
	require.NoError(t, err)

	finished := Now()
	runtime := 1.25
	complete := core.JobUpdate{
		ID:        j.ID,
		Condition: core.JobCondition{States: []model.State{model.StateRunning}},
		Patch:     core.JobPatch{State: model.StateComplete, FinishedAt: &finished, Runtime: &runtime},
	}
	none, err := s.Jobs.ArchiveJob(ctx, complete)
	require.NoError(t, err)
	assert.Nil(t, none, "a pending job does not satisfy the running condition")
	none, err = s.Jobs.ArchiveJob(ctx, core.JobUpdate{ID: j.ID, Condition: core.JobCondition{Set: []model.Marker{model.MarkerRemoved}}})
	require.NoError(t, err)
	assert.Nil(t, none, "an unflagged job does not satisfy the removed condition")
	_, err = s.Jobs.GetJob(ctx, j.ID)
	require.NoError(t, err, "an unmatched archive leaves the job live")

	complete.Condition = core.JobCondition{States: []model.State{model.StatePending}, Unset: []model.Marker{model.MarkerKilled}}
	done, err := s.Jobs.ArchiveJob(ctx, complete)
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, model.StateComplete, done.State)

	again, err := s.Jobs.ArchiveJob(ctx, complete)
	require.NoError(t, err)
	assert.Nil(t, again, "a second archive finds nothing")

	_, err = s.Jobs.GetJob(ctx, j.ID)
	assert.True(t, apperrors.IsNotFound(err))

	archived, err := s.Journal.GetJournal(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateComplete, archived.State)
	assert.InDelta(t, 1.25, archived.Runtime, 1e-9)

	list, err := s.Journal.ListJournal(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, j.ID, list[0].ID)

	fresh, err := s.Jobs.InsertJob(ctx, NewJob(t, "A", nil))
	require.NoError(t, err, "natural key is free after archive")
	assert.NotEqual(t, j.ID, fresh.ID)

	_, err = s.Journal.GetJournal(ctx, missingID(j.ID))
	assert.True(t, apperrors.IsNotFound(err))
}

func testReplace(t *testing.T, s core.Stores) {
	ctx := context.Background()
	old := NewJob(t, "A", map[string]any{"x": 1})
	old.State = model.StateError
	old.AttemptsLeft = 0
	stored, err := s.Jobs.InsertJob(ctx, old)
	require.NoError(t, err)

	fresh := stored.CloneForRestart(model.EnqueueInfo{At: Now(), Hostname: "test", Username: "restarter"})
	created, err := s.Jobs.ReplaceJob(ctx, stored, fresh)
	require.NoError(t, err)
	require.NotEqual(t, stored.ID, created.ID)
	assert.Equal(t, stored.ID, created.Enqueued.ParentID)
	assert.Equal(t, model.StatePending, created.State)
	assert.Equal(t, 2, created.AttemptsLeft)

	_, err = s.Jobs.GetJob(ctx, stored.ID)
	assert.True(t, apperrors.IsNotFound(err))

	archived, err := s.Journal.GetJournal(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, archived.Enqueued.ChildID)
	assert.Equal(t, model.StateError, archived.State)

	live, err := s.Jobs.ListJobs(ctx, model.JobFilter{Names: []string{"A"}})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, created.ID, live[0].ID)

	_, err = s.Jobs.ReplaceJob(ctx, created, created.CloneForRestart(model.EnqueueInfo{At: Now()}))
	assert.True(t, apperrors.IsNotFound(err), "pending jobs cannot be replaced, got %v", err)
}

func testListFilter(t *testing.T, s core.Stores) {
	ctx := context.Background()
	now := Now()
	var ids []string
	for i := range 4 {
		j := NewJob(t, "A", map[string]any{"i": i})
		if i%2 == 0 {
			j.RemovedAt = &now
		}
		stored, err := s.Jobs.InsertJob(ctx, j)
		require.NoError(t, err)
		ids = append(ids, stored.ID)
	}
	_, err := s.Jobs.InsertJob(ctx, NewJob(t, "B", nil))
	require.NoError(t, err)

	all, err := s.Jobs.ListJobs(ctx, model.JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, ids, []string{all[0].ID, all[1].ID, all[2].ID, all[3].ID}, "ordered by id")

	removed, err := s.Jobs.ListJobs(ctx, model.JobFilter{Marked: []model.Marker{model.MarkerRemoved}})
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	kept, err := s.Jobs.ListJobs(ctx, model.JobFilter{Names: []string{"A"}, Unmarked: []model.Marker{model.MarkerRemoved}})
	require.NoError(t, err)
	assert.Len(t, kept, 2)

	limited, err := s.Jobs.ListJobs(ctx, model.JobFilter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, limited, 3)
}

func testAggregation(t *testing.T, s core.Stores) {
	ctx := context.Background()
	now := Now()

	for i := range 3 {
		_, err := s.Jobs.InsertJob(ctx, NewJob(t, "A", map[string]any{"i": i}))
		require.NoError(t, err)
	}
	wall := NewJob(t, "A", map[string]any{"i": "wall"})
	wall.State = model.StateRunning
	wall.WallAt = &now
	wall.KilledAt = &now
	_, err := s.Jobs.InsertJob(ctx, wall)
	require.NoError(t, err)
	failed := NewJob(t, "B", nil)
	failed.State = model.StateFailed
	_, err = s.Jobs.InsertJob(ctx, failed)
	require.NoError(t, err)

	counts, err := s.Jobs.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[model.StatePending])
	assert.Equal(t, 1, counts[model.StateRunning])
	assert.Equal(t, 1, counts[model.StateFailed])
	assert.Equal(t, 5, counts.Total())

	groups, err := s.Jobs.QueueState(ctx)
	require.NoError(t, err)
	byKey := make(map[string]int)
	for _, g := range groups {
		byKey[fmt.Sprintf("%s/%s/%s", g.Name, g.State, g.Flags())] = g.Count
	}
	assert.Equal(t, map[string]int{
		"A/pending/....": 3,
		"A/running/.W.K": 1,
		"B/failed/....":  1,
	}, byKey)
}

func testLock(t *testing.T, s core.Stores) {
	ctx := context.Background()

	ok, err := s.Locks.TryAcquire(ctx, "42", "owner-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Locks.TryAcquire(ctx, "42", "owner-b")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Locks.Release(ctx, "42", "owner-b"))
	ok, err = s.Locks.TryAcquire(ctx, "42", "owner-b")
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-owner must not free the lock")

	require.NoError(t, s.Locks.Release(ctx, "42", "owner-a"))

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Locks.TryAcquire(ctx, "42", fmt.Sprintf("owner-%d", i))
			assert.NoError(t, err)
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func testDaemons(t *testing.T, s core.Stores) {
	ctx := context.Background()
	start := Now()

	rec := &model.DaemonRecord{
		ID:       "api@h1",
		Name:     "api",
		Hostname: "h1",
		Kind:     model.DaemonKindApp,
		PID:      99,
		RunID:    "run-1",
		Phase:    model.Phases{Startup: &start},
		Endpoint: model.Endpoint{Protocol: "http", Address: "10.0.0.1", Port: 8080},
	}
	require.NoError(t, s.Daemons.Register(ctx, rec))
	require.NoError(t, s.Daemons.Register(ctx, &model.DaemonRecord{ID: "master@h1", Name: "master", Hostname: "h1", Kind: model.DaemonKindWorker}))

	beat := start.Add(time.Second)
	require.NoError(t, s.Daemons.Beat(ctx, rec.ID, beat))
	require.NoError(t, s.Daemons.EnterPhase(ctx, rec.ID, model.PhaseLoop, beat))
	require.NoError(t, s.Daemons.ClearEndpoint(ctx, rec.ID))

	list, err := s.Daemons.ListDaemons(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	got := list[0]
	assert.Equal(t, "api@h1", got.ID)
	assert.Equal(t, model.DaemonKindApp, got.Kind)
	assert.Equal(t, 99, got.PID)
	require.NotNil(t, got.Heartbeat)
	assert.WithinDuration(t, beat, *got.Heartbeat, time.Millisecond)
	require.NotNil(t, got.Phase.Startup)
	require.NotNil(t, got.Phase.Loop)
	assert.Nil(t, got.Phase.Exit)
	assert.True(t, got.Endpoint.Empty())

	err = s.Daemons.Beat(ctx, "ghost@h1", beat)
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)
}

func testSentinels(t *testing.T, s core.Stores) {
	ctx := context.Background()

	got, err := s.Sentinels.GetSentinel(ctx, model.SentinelHalt)
	require.NoError(t, err)
	assert.Nil(t, got)

	at := Now()
	require.NoError(t, s.Sentinels.SetSentinel(ctx, model.SentinelHalt, at))
	require.NoError(t, s.Sentinels.SetSentinel(ctx, model.SentinelHalt, at.Add(time.Minute)))
	got, err = s.Sentinels.GetSentinel(ctx, model.SentinelHalt)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.WithinDuration(t, at.Add(time.Minute), *got, time.Millisecond)

	require.NoError(t, s.Sentinels.ClearSentinel(ctx, model.SentinelHalt))
	got, err = s.Sentinels.GetSentinel(ctx, model.SentinelHalt)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testStats(t *testing.T, s core.Stores) {
	ctx := context.Background()
	base := Now()
	for i := range 3 {
		require.NoError(t, s.Stats.RecordStat(ctx, &model.StatRecord{
			At:     base.Add(time.Duration(i) * time.Second),
			Event:  "enqueue_job",
			Data:   []string{fmt.Sprint(i)},
			Counts: model.QueueCounts{model.StatePending: i},
		}))
	}
	latest, err := s.Stats.LatestStats(ctx, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, []string{"2"}, latest[0].Data)
	assert.Equal(t, 2, latest[0].Counts[model.StatePending])
	assert.Equal(t, []string{"1"}, latest[1].Data)
}
