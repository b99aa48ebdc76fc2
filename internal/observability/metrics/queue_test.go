package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
	"github.com/target/mmk-queue/internal/observability/statsd"
)

func TestEmitJobLifecycle(t *testing.T) {
	var rec statsd.Recorder
	EmitJobLifecycle(&rec, JobMetric{
		JobType:    "mmk.fail",
		Transition: "failed",
		Result:     ResultError,
		Duration:   time.Second,
		Err:        apperrors.Conflictf("dup"),
	})

	counts := rec.Named("job.transition")
	require.Len(t, counts, 1)
	assert.Equal(t, "conflict", counts[0].Tags["error_class"])
	assert.Len(t, rec.Named("job.duration"), 1)

	EmitJobLifecycle(nil, JobMetric{})
}

func TestEmitQueueCountsReportsZeroes(t *testing.T) {
	var rec statsd.Recorder
	EmitQueueCounts(&rec, model.QueueCounts{model.StatePending: 4})

	gauges := rec.Named("queue.jobs")
	require.Len(t, gauges, len(model.AllStates))
	for _, g := range gauges {
		want := 0.0
		if g.Tags["state"] == "pending" {
			want = 4
		}
		assert.Equal(t, want, g.Value, g.Tags["state"])
	}
}

func TestEmitPhaseAndDaemons(t *testing.T) {
	var rec statsd.Recorder
	EmitPhase(&rec, "kill_jobs", time.Millisecond, errors.New("x"))
	require.Len(t, rec.Named("master.phase"), 1)
	assert.Equal(t, ResultError, rec.Named("master.phase")[0].Tags["result"])

	EmitDaemons(&rec, []model.DaemonStatus{
		{Kind: model.DaemonKindWorker, Alive: true},
		{Kind: model.DaemonKindWorker, Alive: false},
		{Kind: model.DaemonKindApp, Alive: true},
	})
	alive := rec.Named("daemon.alive")
	require.Len(t, alive, 3)
	assert.Equal(t, 1.0, alive[0].Value)
}
