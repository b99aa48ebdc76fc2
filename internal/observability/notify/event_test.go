package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-queue/internal/domain/model"
)

func TestJobFailure(t *testing.T) {
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	j := &model.Job{
		ID:       "17",
		Name:     "report.daily",
		Trial:    3,
		Attempts: 3,
		Enqueued: model.EnqueueInfo{Hostname: "cron-1", Username: "scheduler"},
	}

	p := JobFailure(j, "mmkq@w1", model.JobError{Exception: "job_failed", Detail: "exit 2", Timestamp: at})
	assert.Equal(t, "17", p.JobID)
	assert.Equal(t, "report.daily", p.JobType)
	assert.Equal(t, string(model.StateError), p.State)
	assert.Equal(t, "exit 2", p.Error)
	assert.Equal(t, "job_failed", p.ErrorClass)
	assert.Equal(t, SeverityCritical, p.Severity)
	assert.Equal(t, at, p.OccurredAt)
	assert.Equal(t, map[string]string{"enqueued_by": "scheduler@cron-1"}, p.Metadata)

	j.Enqueued = model.EnqueueInfo{}
	p = JobFailure(j, "mmkq@w1", model.JobError{Exception: "job_failed"})
	assert.Equal(t, "job_failed", p.Error, "exception stands in for a missing detail")
	assert.Nil(t, p.Metadata)
}

func TestSinkFunc(t *testing.T) {
	var got string
	var sink Sink = SinkFunc(func(_ context.Context, p JobFailurePayload) error {
		got = p.JobID
		return nil
	})
	require.NoError(t, sink.SendJobFailure(t.Context(), JobFailurePayload{JobID: "9"}))
	assert.Equal(t, "9", got)

	var none SinkFunc
	assert.NoError(t, none.SendJobFailure(t.Context(), JobFailurePayload{}))
}
