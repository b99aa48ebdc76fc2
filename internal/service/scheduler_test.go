package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-queue/config"
	"github.com/target/mmk-queue/internal/domain/daemon"
	domainjob "github.com/target/mmk-queue/internal/domain/job"
	"github.com/target/mmk-queue/internal/domain/model"
)

const typeHourly = "report.hourly"

func newScheduler(t *testing.T, env *testEnv) *SchedulerService {
	t.Helper()
	require.NoError(t, env.catalog.Register(domainjob.Type{
		Name:         typeHourly,
		Schedule:     "@hourly",
		ScheduleArgs: map[string]any{"window": "1h"},
		AllowExtra:   true,
	}))
	identity, err := daemon.NewIdentity("sched", "host-a", model.DaemonKindScheduler)
	require.NoError(t, err)

	svc, err := NewSchedulerService(SchedulerServiceOptions{
		Queue:     env.queue,
		Catalog:   env.catalog,
		Sentinels: env.store,
		Clock:     env.clock,
		Heartbeat: env.heartbeat(t, identity, model.Endpoint{}),
		Config:    config.SchedulerConfig{Interval: 10 * time.Second, MaxLag: time.Hour},
		Logger:    env.logger,
	})
	require.NoError(t, err)
	return svc
}

func scheduledJobs(t *testing.T, env *testEnv) []JobView {
	t.Helper()
	jobs, err := env.queue.List(context.Background(), model.JobFilter{Names: []string{typeHourly}})
	require.NoError(t, err)
	return jobs
}

func TestScheduler_Tick(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sched := newScheduler(t, env)

	// the first tick only initializes the cursor
	n, err := sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	cursor, err := env.store.GetSentinel(ctx, model.SentinelSchedule)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, env.clock.Now(), *cursor)

	env.clock.AddTime(30 * time.Minute)
	n, err = sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.AddTime(31 * time.Minute)
	n, err = sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs := scheduledJobs(t, env)
	require.Len(t, jobs, 1)
	assert.Equal(t, schedulerUser, jobs[0].Enqueued.Username)
	assert.Equal(t, "1h", jobs[0].Args["window"])

	// the previous occurrence is still live, so the next one is declined
	env.clock.AddTime(time.Hour)
	n, err = sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, scheduledJobs(t, env), 1)
}

func TestScheduler_LaggingCursorCollapses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sched := newScheduler(t, env)

	require.NoError(t, env.store.SetSentinel(ctx, model.SentinelSchedule, env.clock.Now().Add(-5*time.Hour)))
	n, err := sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cursor, err := env.store.GetSentinel(ctx, model.SentinelSchedule)
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now(), *cursor)
}

func TestScheduler_RunStopsOnHalt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sched := newScheduler(t, env)
	start := env.clock.Now()
	env.clock.OnSleep(func(now time.Time) {
		if now.Sub(start) >= 2*time.Hour {
			_ = env.store.SetSentinel(ctx, model.SentinelHalt, now)
		}
	})

	err := sched.Run(ctx)
	require.ErrorIs(t, err, ErrHalted)
	assert.Len(t, scheduledJobs(t, env), 1)

	recs, err := env.store.ListDaemons(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.DaemonKindScheduler, recs[0].Kind)
	assert.NotNil(t, recs[0].Phase.Exit)
}
