package failurenotifier

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-queue/internal/observability/notify"
)

func capture() (*[]notify.JobFailurePayload, notify.Sink) {
	var mu sync.Mutex
	var received []notify.JobFailurePayload
	return &received, notify.SinkFunc(func(_ context.Context, p notify.JobFailurePayload) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, p)
		return nil
	})
}

func TestServiceNotifyJobFailure(t *testing.T) {
	received, sink := capture()
	svc := NewService(Options{Sinks: []SinkRegistration{{Name: "capture", Sink: sink}}})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "123", JobType: "mmk.fail"})

	require.Len(t, *received, 1)
	assert.Equal(t, notify.SeverityCritical, (*received)[0].Severity)
}

func TestServiceDisabled(t *testing.T) {
	svc := NewService(Options{Sinks: []SinkRegistration{{Name: "nil"}}})
	assert.False(t, svc.Enabled())
	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "1"})
}

func TestServiceLogsErrors(t *testing.T) {
	received, sink := capture()
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "fail", Sink: notify.SinkFunc(func(context.Context, notify.JobFailurePayload) error {
				return errors.New("boom")
			})},
			{Name: "capture", Sink: sink},
		},
	})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "123"})
	assert.Len(t, *received, 1, "a failing sink must not block the others")
}

func TestServiceSkipsConfiguredTypes(t *testing.T) {
	received, sink := capture()
	svc := NewService(Options{
		Sinks: []SinkRegistration{{Name: "capture", Sink: sink}},
		Skip:  []string{"mmk.fail"},
	})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "1", JobType: "mmk.fail"})
	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "2", JobType: "report"})

	require.Len(t, *received, 1)
	assert.Equal(t, "2", (*received)[0].JobID)
}

func TestServiceSurvivesCanceledCaller(t *testing.T) {
	var ctxErr error
	svc := NewService(Options{Sinks: []SinkRegistration{{Name: "probe", Sink: notify.SinkFunc(
		func(ctx context.Context, _ notify.JobFailurePayload) error {
			ctxErr = ctx.Err()
			return nil
		})}}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.NotifyJobFailure(ctx, notify.JobFailurePayload{JobID: "1"})
	assert.NoError(t, ctxErr)
}
