package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/target/mmk-queue/internal/data"
	"github.com/target/mmk-queue/internal/data/memory"
	"github.com/target/mmk-queue/internal/domain/daemon"
	domainjob "github.com/target/mmk-queue/internal/domain/job"
	"github.com/target/mmk-queue/internal/domain/model"
	"github.com/target/mmk-queue/internal/testutil"
)

// testEnv wires services over the memory store and a simulated clock.
type testEnv struct {
	store    *memory.Store
	clock    *data.FixedTimeProvider
	catalog  *domainjob.Catalog
	registry *domainjob.Registry
	identity daemon.Identity
	queue    *QueueService
	logger   *slog.Logger
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	catalog := domainjob.NewCatalog(domainjob.StandardDefaults())
	registry := domainjob.NewRegistry()
	require.NoError(t, domainjob.RegisterBuiltins(catalog, registry))
	require.NoError(t, catalog.Register(domainjob.Type{
		Name:       "test.job",
		Attempts:   2,
		AllowExtra: true,
	}))

	identity, err := daemon.NewIdentity("test", "host-a", model.DaemonKindWorker)
	require.NoError(t, err)

	env := &testEnv{
		store:    memory.New(),
		clock:    data.NewFixedTimeProvider(testutil.TestTime()),
		catalog:  catalog,
		registry: registry,
		identity: identity,
		logger:   discardLogger(),
	}
	env.queue, err = NewQueueService(QueueServiceOptions{
		Stores:   env.store.Stores(),
		Catalog:  catalog,
		Clock:    env.clock,
		Identity: identity,
		Logger:   env.logger,
	})
	require.NoError(t, err)
	return env
}

// insert stores a prebuilt job directly, bypassing enqueue.
func (e *testEnv) insert(t *testing.T, j *model.Job) *model.Job {
	t.Helper()
	stored, err := e.store.InsertJob(context.Background(), j)
	require.NoError(t, err)
	return stored
}

func (e *testEnv) job(t *testing.T, id string) *model.Job {
	t.Helper()
	j, err := e.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (e *testEnv) heartbeat(t *testing.T, identity daemon.Identity, endpoint model.Endpoint) *HeartbeatService {
	t.Helper()
	hb, err := NewHeartbeatService(HeartbeatServiceOptions{
		Registry:  e.store,
		Sentinels: e.store,
		Clock:     e.clock,
		Identity:  identity,
		Endpoint:  endpoint,
		Interval:  5 * time.Second,
		Logger:    e.logger,
	})
	require.NoError(t, err)
	return hb
}
