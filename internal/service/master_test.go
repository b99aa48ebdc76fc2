package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-queue/config"
	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/domain/daemon"
	domainjob "github.com/target/mmk-queue/internal/domain/job"
	"github.com/target/mmk-queue/internal/domain/master"
	"github.com/target/mmk-queue/internal/domain/model"
	"github.com/target/mmk-queue/internal/observability/notify"
	"github.com/target/mmk-queue/internal/observability/statsd"
	"github.com/target/mmk-queue/internal/service/failurenotifier"
	"github.com/target/mmk-queue/internal/testutil"
)

const (
	typeFlaky = "test.flaky"
	typeBlock = "test.block"
)

type masterFixture struct {
	*testEnv
	master   *MasterService
	recorder *statsd.Recorder

	mu     sync.Mutex
	alerts []notify.JobFailurePayload
}

func newMasterFixture(t *testing.T, mutate func(*config.MasterConfig)) *masterFixture {
	t.Helper()
	env := newTestEnv(t)

	require.NoError(t, env.catalog.Register(domainjob.Type{
		Name:       typeFlaky,
		Attempts:   2,
		Timing:     model.Timing{ErrorTime: 60},
		AllowExtra: true,
	}))
	env.registry.Register(typeFlaky, domainjob.ExecutorFunc(func(context.Context, *model.Job, domainjob.ProgressFunc) error {
		return errors.New("boom")
	}))
	require.NoError(t, env.catalog.Register(domainjob.Type{Name: typeBlock, AllowExtra: true}))
	env.registry.Register(typeBlock, domainjob.ExecutorFunc(func(ctx context.Context, _ *model.Job, progress domainjob.ProgressFunc) error {
		progress(0.5, "waiting")
		<-ctx.Done()
		return context.Cause(ctx)
	}))

	cfg := config.MasterConfig{
		WorkJobs:     time.Second,
		KillJobs:     5 * time.Second,
		InactiveJobs: 30 * time.Second,
		NonstopJobs:  30 * time.Second,
		NopidJobs:    30 * time.Second,
		CollectStats: 20 * time.Second,
		MaxParallel:  4,
		RunDir:       t.TempDir(),
		DrainTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	f := &masterFixture{testEnv: env, recorder: &statsd.Recorder{}}
	notifier := failurenotifier.NewService(failurenotifier.Options{
		Logger: env.logger,
		Sinks: []failurenotifier.SinkRegistration{{
			Name: "capture",
			Sink: notify.SinkFunc(func(_ context.Context, p notify.JobFailurePayload) error {
				f.mu.Lock()
				defer f.mu.Unlock()
				f.alerts = append(f.alerts, p)
				return nil
			}),
		}},
	})

	m, err := NewMasterService(MasterServiceOptions{
		Stores:          env.store.Stores(),
		Executors:       env.registry,
		Clock:           env.clock,
		Heartbeat:       env.heartbeat(t, env.identity, model.Endpoint{}),
		Config:          cfg,
		AliveTimeout:    time.Minute,
		Logger:          env.logger,
		Metrics:         f.recorder,
		FailureNotifier: notifier,
	})
	require.NoError(t, err)
	f.master = m
	return f
}

// settle waits for every launched job and alert to finish.
func (f *masterFixture) settle() {
	f.master.jobs.Wait()
	f.master.alerts.Wait()
}

func (f *masterFixture) enqueue(t *testing.T, name string, args map[string]any) *model.Job {
	t.Helper()
	j, err := f.queue.Enqueue(context.Background(), EnqueueRequest{Name: name, Args: args})
	require.NoError(t, err)
	return j
}

func (f *masterFixture) capturedAlerts() []notify.JobFailurePayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.JobFailurePayload(nil), f.alerts...)
}

func runsByPhase(snap []master.Step) map[string]int {
	out := make(map[string]int, len(snap))
	for _, s := range snap {
		out[s.Name] = s.Runs
	}
	return out
}

func TestMaster_PlanCadence(t *testing.T) {
	f := newMasterFixture(t, func(c *config.MasterConfig) {
		c.WorkJobs = 2 * time.Second
		c.KillJobs = 5 * time.Second
		c.InactiveJobs = time.Hour
		c.NonstopJobs = time.Hour
		c.NopidJobs = time.Hour
		c.CollectStats = time.Hour
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := f.clock.Now()
	f.clock.OnSleep(func(now time.Time) {
		if now.Sub(start) > 10*time.Second {
			cancel()
		}
	})

	require.NoError(t, f.master.Run(ctx))

	runs := runsByPhase(f.master.PlanSnapshot())
	assert.Equal(t, 5, runs[master.PhaseWorkJobs])
	assert.InDelta(t, 2, runs[master.PhaseKillJobs], 1)
	assert.LessOrEqual(t, runs[master.PhaseKillJobs], 3)
	assert.Zero(t, runs[master.PhaseCollectStats])

	rec := daemonRecord(t, f.testEnv, f.master.heartbeat.ID())
	assert.NotNil(t, rec.Phase.Loop)
	assert.NotNil(t, rec.Phase.Exit)
	assert.Len(t, f.recorder.Named("master.phase"), runs[master.PhaseWorkJobs]+runs[master.PhaseKillJobs])
}

func TestMaster_RunStopsOnHalt(t *testing.T) {
	f := newMasterFixture(t, nil)
	ctx := context.Background()
	start := f.clock.Now()
	f.clock.OnSleep(func(now time.Time) {
		if now.Sub(start) >= 3*time.Second {
			_ = f.store.SetSentinel(ctx, model.SentinelHalt, now)
		}
	})

	err := f.master.Run(ctx)
	require.ErrorIs(t, err, ErrHalted)
	runs := runsByPhase(f.master.PlanSnapshot())
	assert.Equal(t, 2, runs[master.PhaseWorkJobs])
}

func TestMaster_StartupRefusesSecondMaster(t *testing.T) {
	f := newMasterFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.master.Startup(ctx))
	t.Cleanup(f.master.unlock)

	other, err := NewMasterService(MasterServiceOptions{
		Stores:       f.store.Stores(),
		Executors:    f.registry,
		Clock:        f.clock,
		Heartbeat:    f.heartbeat(t, f.identity, model.Endpoint{}),
		Config:       f.master.cfg,
		AliveTimeout: time.Minute,
		Logger:       f.logger,
	})
	require.NoError(t, err)
	err = other.Startup(ctx)
	require.ErrorIs(t, err, ErrMasterRunning)
}

func TestMaster_WorkJobsCompletes(t *testing.T) {
	f := newMasterFixture(t, nil)
	ctx := context.Background()
	j := f.enqueue(t, domainjob.TypeNoop, nil)

	require.NoError(t, f.master.workJobs(ctx))
	f.settle()

	_, err := f.store.GetJob(ctx, j.ID)
	require.Error(t, err, "completed jobs leave the live table")
	view, err := f.queue.GetDetail(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, view.Archived)
	assert.Equal(t, model.StateComplete, view.State)
	assert.Equal(t, 1, view.Trial)
	require.NotNil(t, view.FinishedAt)
	require.NotEmpty(t, f.recorder.Named("job.transition"))
	assert.Zero(t, f.master.Inflight())
}

func TestMaster_FailureRetriesThenErrors(t *testing.T) {
	f := newMasterFixture(t, nil)
	ctx := context.Background()
	j := f.enqueue(t, typeFlaky, map[string]any{"n": 1})

	require.NoError(t, f.master.workJobs(ctx))
	f.settle()

	got := f.job(t, j.ID)
	assert.Equal(t, model.StateFailed, got.State)
	assert.Equal(t, 1, got.AttemptsLeft)
	require.NotNil(t, got.QueryAt)
	assert.Equal(t, f.clock.Now().Add(time.Minute), *got.QueryAt)
	require.NotNil(t, got.LastError)
	assert.Equal(t, ExceptionFailed, got.LastError.Exception)
	assert.Equal(t, "boom", got.LastError.Detail)
	assert.Nil(t, got.Locked)
	assert.Empty(t, f.capturedAlerts())

	// not due before error_time elapses
	require.NoError(t, f.master.workJobs(ctx))
	f.settle()
	assert.Equal(t, model.StateFailed, f.job(t, j.ID).State)

	f.clock.AddTime(61 * time.Second)
	require.NoError(t, f.master.workJobs(ctx))
	f.settle()

	got = f.job(t, j.ID)
	assert.Equal(t, model.StateError, got.State)
	assert.Equal(t, 0, got.AttemptsLeft)
	assert.Equal(t, 2, got.Trial)

	alerts := f.capturedAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, j.ID, alerts[0].JobID)
	assert.Equal(t, typeFlaky, alerts[0].JobType)
	assert.Equal(t, ExceptionFailed, alerts[0].ErrorClass)
}

func TestMaster_DeferThenInactive(t *testing.T) {
	f := newMasterFixture(t, nil)
	ctx := context.Background()
	j := f.enqueue(t, domainjob.TypeDefer, nil)

	require.NoError(t, f.master.workJobs(ctx))
	f.settle()

	got := f.job(t, j.ID)
	assert.Equal(t, model.StateDeferred, got.State)
	require.NotNil(t, got.QueryAt)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), *got.QueryAt)
	require.NotNil(t, got.InactiveAt)
	assert.Equal(t, j.Enqueued.At.Add(time.Hour), *got.InactiveAt)
	assert.Equal(t, 1, got.AttemptsLeft, "deferral does not consume an attempt")

	require.NoError(t, f.master.inactiveJobs(ctx))
	assert.Equal(t, model.StateDeferred, f.job(t, j.ID).State)

	f.clock.AddTime(time.Hour)
	require.NoError(t, f.master.inactiveJobs(ctx))
	assert.Equal(t, model.StateInactive, f.job(t, j.ID).State)
}

func TestMaster_KillRunningJob(t *testing.T) {
	f := newMasterFixture(t, nil)
	ctx := context.Background()
	j := f.enqueue(t, typeBlock, nil)

	require.NoError(t, f.master.workJobs(ctx))
	assert.Equal(t, model.StateRunning, f.job(t, j.ID).State)
	assert.Equal(t, 1, f.master.Inflight())

	applied, err := f.queue.Kill(ctx, j.ID)
	require.NoError(t, err)
	require.True(t, applied)

	require.NoError(t, f.master.killJobs(ctx))
	f.settle()

	got := f.job(t, j.ID)
	assert.Equal(t, model.StateKilled, got.State)
	require.NotNil(t, got.LastError)
	assert.Equal(t, ExceptionKilled, got.LastError.Exception)
	assert.NotNil(t, got.KilledAt)
	assert.Nil(t, got.Locked)
}

func TestMaster_KillAndRemoveIdleJobs(t *testing.T) {
	f := newMasterFixture(t, nil)
	ctx := context.Background()
	kill := f.enqueue(t, domainjob.TypeNoop, map[string]any{"k": 1})
	remove := f.enqueue(t, domainjob.TypeNoop, map[string]any{"r": 1})
	keep := f.enqueue(t, domainjob.TypeNoop, map[string]any{"x": 1})

	_, err := f.queue.Kill(ctx, kill.ID)
	require.NoError(t, err)
	_, err = f.queue.Remove(ctx, remove.ID)
	require.NoError(t, err)

	require.NoError(t, f.master.killJobs(ctx))
	// a second sweep changes nothing
	require.NoError(t, f.master.killJobs(ctx))

	assert.Equal(t, model.StateKilled, f.job(t, kill.ID).State)
	assert.Equal(t, model.StatePending, f.job(t, keep.ID).State)

	view, err := f.queue.GetDetail(ctx, remove.ID)
	require.NoError(t, err)
	assert.True(t, view.Archived)

	killed := f.recorder.Named("job.transition")
	require.Len(t, killed, 1)
	assert.Equal(t, string(model.StateKilled), killed[0].Tags["transition"])
}

func TestMaster_NopidJobs(t *testing.T) {
	f := newMasterFixture(t, nil)
	ctx := context.Background()
	now := testutil.TestTime()

	peer, err := daemon.NewIdentity("peer", "host-b", model.DaemonKindWorker)
	require.NoError(t, err)
	require.NoError(t, f.heartbeat(t, peer, model.Endpoint{}).Start(ctx))

	ghost := f.insert(t, testutil.NewJob("x").WithArgs(map[string]any{"n": 1}).Running("ghost@nowhere", now).Build())
	alive := f.insert(t, testutil.NewJob("x").WithArgs(map[string]any{"n": 2}).Running(peer.ID(), now).Build())
	stale := f.insert(t, testutil.NewJob("x").WithArgs(map[string]any{"n": 3}).WithAttempts(2).
		Running(f.identity.ID(), now).Build())

	f.clock.AddTime(10 * time.Second)
	require.NoError(t, f.master.nopidJobs(ctx))
	f.settle()

	got := f.job(t, ghost.ID)
	assert.Equal(t, model.StateError, got.State)
	require.NotNil(t, got.LastError)
	assert.Equal(t, ExceptionNoProcess, got.LastError.Exception)
	assert.InDelta(t, 10, got.Runtime, 0.001)

	assert.Equal(t, model.StateRunning, f.job(t, alive.ID).State)

	got = f.job(t, stale.ID)
	assert.Equal(t, model.StateFailed, got.State, "own job without an execution is left over from a previous run")
	assert.Equal(t, 1, got.AttemptsLeft)

	alerts := f.capturedAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, ghost.ID, alerts[0].JobID)
	assert.Equal(t, "ghost@nowhere", alerts[0].Worker)

	// the peer goes silent
	f.clock.AddTime(2 * time.Minute)
	require.NoError(t, f.master.nopidJobs(ctx))
	f.settle()
	assert.Equal(t, model.StateError, f.job(t, alive.ID).State)
}

func TestMaster_NopidSkipsInflight(t *testing.T) {
	f := newMasterFixture(t, nil)
	ctx := context.Background()
	j := f.enqueue(t, typeBlock, nil)
	require.NoError(t, f.master.workJobs(ctx))

	require.NoError(t, f.master.nopidJobs(ctx))
	assert.Equal(t, model.StateRunning, f.job(t, j.ID).State)

	f.master.drain(ctx, 0)
	got := f.job(t, j.ID)
	assert.Equal(t, model.StateError, got.State)
	assert.Equal(t, ExceptionInterrupted, got.LastError.Exception)
}

func TestMaster_NonstopJobs(t *testing.T) {
	f := newMasterFixture(t, nil)
	ctx := context.Background()
	now := testutil.TestTime()
	timing := model.Timing{DeferTime: 300, DeferMax: 3600, ErrorTime: 600, WallTime: 60, ZombieTime: 120}
	j := f.insert(t, testutil.NewJob("x").WithTiming(timing).Running("peer@host-b", now).Build())

	f.clock.AddTime(90 * time.Second)
	require.NoError(t, f.master.nonstopJobs(ctx))
	got := f.job(t, j.ID)
	require.NotNil(t, got.WallAt)
	wallAt := *got.WallAt
	assert.Nil(t, got.ZombieAt)
	assert.Equal(t, model.StateRunning, got.State, "markers are advisory")

	f.clock.AddTime(40 * time.Second)
	require.NoError(t, f.master.nonstopJobs(ctx))
	got = f.job(t, j.ID)
	require.NotNil(t, got.ZombieAt)
	assert.Equal(t, wallAt, *got.WallAt, "a set marker keeps its first timestamp")
	assert.Equal(t, "ZW..", got.Flags())
}

func TestMaster_MaintenanceSkipsClaims(t *testing.T) {
	f := newMasterFixture(t, nil)
	ctx := context.Background()
	j := f.enqueue(t, domainjob.TypeNoop, nil)
	require.NoError(t, f.queue.EnterMaintenance(ctx))

	require.NoError(t, f.master.workJobs(ctx))
	f.settle()
	assert.Equal(t, model.StatePending, f.job(t, j.ID).State)

	require.NoError(t, f.queue.LeaveMaintenance(ctx))
	require.NoError(t, f.master.workJobs(ctx))
	f.settle()
	_, err := f.store.GetJob(ctx, j.ID)
	assert.Error(t, err)
}

func TestMaster_MaxParallelAndJobTypes(t *testing.T) {
	f := newMasterFixture(t, func(c *config.MasterConfig) {
		c.MaxParallel = 1
		c.JobTypes = []string{typeBlock, "not.registered"}
	})
	ctx := context.Background()
	a := f.enqueue(t, typeBlock, map[string]any{"n": 1})
	b := f.enqueue(t, typeBlock, map[string]any{"n": 2})
	other := f.enqueue(t, domainjob.TypeNoop, nil)

	assert.Equal(t, []string{typeBlock}, f.master.claimNames())
	require.NoError(t, f.master.workJobs(ctx))
	assert.Equal(t, 1, f.master.Inflight())
	assert.Equal(t, model.StatePending, f.job(t, other.ID).State)

	running := 0
	for _, id := range []string{a.ID, b.ID} {
		if f.job(t, id).State == model.StateRunning {
			running++
		}
	}
	assert.Equal(t, 1, running)

	f.master.drain(ctx, 0)
	assert.Zero(t, f.master.Inflight())
}

func TestMaster_CollectStats(t *testing.T) {
	f := newMasterFixture(t, nil)
	ctx := context.Background()
	f.enqueue(t, domainjob.TypeNoop, nil)
	require.NoError(t, f.heartbeat(t, f.identity, model.Endpoint{}).Start(ctx))

	require.NoError(t, f.master.collectStats(ctx))

	gauges := f.recorder.Named("queue.jobs")
	require.Len(t, gauges, len(model.AllStates))
	for _, g := range gauges {
		want := 0.0
		if g.Tags["state"] == string(model.StatePending) {
			want = 1
		}
		assert.Equal(t, want, g.Value, "state %s", g.Tags["state"])
	}
	alive := f.recorder.Named("daemon.alive")
	require.Len(t, alive, 3)
	assert.Equal(t, "worker", alive[0].Tags["kind"])
	assert.Equal(t, 1.0, alive[0].Value)

	stats, err := f.store.LatestStats(ctx, 1)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "collect_stats", stats[0].Event)
	assert.Equal(t, 1, stats[0].Counts[model.StatePending])
}

// flakyJobs wraps a job store and fails selected calls.
type flakyJobs struct {
	core.JobStore

	mu          sync.Mutex
	archiveErrs int
	listErr     error
}

func (f *flakyJobs) ArchiveJob(ctx context.Context, upd core.JobUpdate) (*model.Job, error) {
	f.mu.Lock()
	fail := f.archiveErrs > 0
	if fail {
		f.archiveErrs--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset by peer")
	}
	return f.JobStore.ArchiveJob(ctx, upd)
}

func (f *flakyJobs) ListJobs(ctx context.Context, filter model.JobFilter) ([]*model.Job, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.JobStore.ListJobs(ctx, filter)
}

func TestMaster_CompleteArchiveFailureIsRetried(t *testing.T) {
	f := newMasterFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.catalog.Register(domainjob.Type{
		Name:       "test.ok",
		Attempts:   2,
		Timing:     model.Timing{ErrorTime: 60},
		AllowExtra: true,
	}))
	f.registry.Register("test.ok", domainjob.ExecutorFunc(func(context.Context, *model.Job, domainjob.ProgressFunc) error {
		return nil
	}))
	f.master.stores.Jobs = &flakyJobs{JobStore: f.store, archiveErrs: 1}
	j := f.enqueue(t, "test.ok", map[string]any{"n": 1})

	require.NoError(t, f.master.workJobs(ctx))
	f.settle()

	got := f.job(t, j.ID)
	assert.Equal(t, model.StateRunning, got.State, "a failed archive never leaves a live COMPLETE record")
	require.NotNil(t, got.Locked)
	assert.Equal(t, f.master.heartbeat.ID(), got.Locked.Worker)
	_, err := f.store.GetJournal(ctx, j.ID)
	require.Error(t, err)

	require.NoError(t, f.master.nopidJobs(ctx))
	got = f.job(t, j.ID)
	assert.Equal(t, model.StateFailed, got.State)
	assert.Equal(t, ExceptionNoProcess, got.LastError.Exception)

	f.clock.AddTime(61 * time.Second)
	require.NoError(t, f.master.workJobs(ctx))
	f.settle()

	view, err := f.queue.GetDetail(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, view.Archived)
	assert.Equal(t, model.StateComplete, view.State)
	assert.Equal(t, 2, view.Trial)

	again := f.enqueue(t, "test.ok", map[string]any{"n": 1})
	assert.NotEqual(t, j.ID, again.ID, "the arguments are free again once the job is journaled")
}

func TestMaster_PhaseErrorDoesNotAbortCycle(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		f := newMasterFixture(t, func(c *config.MasterConfig) {
			c.WorkJobs = time.Second
			c.KillJobs = time.Second
			c.InactiveJobs = time.Second
			c.NonstopJobs = time.Second
			c.NopidJobs = time.Second
			c.CollectStats = time.Second
		})
		f.master.stores.Jobs = &flakyJobs{JobStore: f.store, listErr: errors.New("store unavailable")}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		start := f.clock.Now()
		f.clock.OnSleep(func(now time.Time) {
			if now.Sub(start) > 5*time.Second {
				cancel()
			}
		})

		require.NoError(t, f.master.Run(ctx))

		runs := runsByPhase(f.master.PlanSnapshot())
		require.Len(t, runs, 6)
		for name, n := range runs {
			assert.Equal(t, 5, n, "phase %s runs every cycle", name)
		}
		failed := 0
		for _, sample := range f.recorder.Named("master.phase") {
			if sample.Tags["result"] == "error" {
				failed++
			}
		}
		assert.Equal(t, 4*5, failed, "kill, inactive, nonstop and nopid fail on every cycle")

		stats, err := f.store.LatestStats(context.Background(), 10)
		require.NoError(t, err)
		assert.Len(t, stats, 5, "collect_stats runs after the failing phases")
	})

	t.Run("panic", func(t *testing.T) {
		f := newMasterFixture(t, nil)
		ran := false
		plan, err := master.NewPlan(f.clock.Now(), []master.StepDef{
			{Name: "explode", Interval: time.Second, Run: func(context.Context) error {
				var counts map[string]int
				counts["x"]++
				return nil
			}},
			{Name: "after", Interval: time.Second, Run: func(context.Context) error {
				ran = true
				return nil
			}},
		})
		require.NoError(t, err)
		f.master.plan = plan

		f.clock.AddTime(time.Second)
		cycle := f.clock.Now()
		require.NotPanics(t, func() { f.master.runCycle(context.Background(), cycle) })

		assert.True(t, ran, "later phases of the cycle still run")
		runs := runsByPhase(plan.Snapshot())
		assert.Equal(t, 1, runs["explode"], "a panicking phase is rescheduled")
		assert.Equal(t, 1, runs["after"])
		for _, step := range plan.Snapshot() {
			assert.Equal(t, cycle.Add(time.Second), step.Next)
		}
	})
}
