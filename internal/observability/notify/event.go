// Package notify defines the payload and sink contract for job failure alerts.
package notify

import (
	"context"
	"time"

	"github.com/target/mmk-queue/internal/domain/model"
)

// Severities understood by the sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// JobFailurePayload describes a job that ended in the error state.
type JobFailurePayload struct {
	JobID      string
	JobType    string
	State      string
	Trial      int
	Attempts   int
	Worker     string
	Error      string
	ErrorClass string
	Severity   string
	OccurredAt time.Time
	// Metadata holds extra key/value context; sinks render it sorted by key.
	Metadata map[string]string
}

// JobFailure builds the alert for j, which failed on worker with jobErr.
func JobFailure(j *model.Job, worker string, jobErr model.JobError) JobFailurePayload {
	p := JobFailurePayload{
		JobID:      j.ID,
		JobType:    j.Name,
		State:      string(model.StateError),
		Trial:      j.Trial,
		Attempts:   j.Attempts,
		Worker:     worker,
		Error:      Fallback(jobErr.Detail, jobErr.Exception),
		ErrorClass: jobErr.Exception,
		Severity:   SeverityCritical,
		OccurredAt: jobErr.Timestamp,
	}
	if host := j.Enqueued.Hostname; host != "" {
		p.Metadata = map[string]string{"enqueued_by": j.Enqueued.Username + "@" + host}
	}
	return p
}

// Sink delivers alerts to one destination.
type Sink interface {
	SendJobFailure(ctx context.Context, payload JobFailurePayload) error
}

// SinkFunc lets a function act as a Sink.
type SinkFunc func(ctx context.Context, payload JobFailurePayload) error

// SendJobFailure calls f. A nil SinkFunc drops the alert.
func (f SinkFunc) SendJobFailure(ctx context.Context, payload JobFailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
