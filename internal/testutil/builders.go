// Package testutil provides testing utilities and helpers for the queue engine.
package testutil

import (
	"time"

	"github.com/target/mmk-queue/internal/domain/job"
	"github.com/target/mmk-queue/internal/domain/model"
)

// JobBuilder provides a fluent interface for building job records for testing.
type JobBuilder struct {
	j *model.Job
}

// NewJob creates a JobBuilder for a pending job of the given type with sensible defaults.
func NewJob(name string) *JobBuilder {
	return &JobBuilder{
		j: &model.Job{
			Name:         name,
			Args:         map[string]any{},
			State:        model.StatePending,
			Attempts:     1,
			AttemptsLeft: 1,
			Timing:       model.Timing{DeferTime: 300, DeferMax: 3600, ErrorTime: 600, ZombieTime: 1800},
			Enqueued:     model.EnqueueInfo{At: TestTime(), Hostname: "test-host", Username: "tester"},
		},
	}
}

// WithArgs sets the job arguments.
func (b *JobBuilder) WithArgs(args map[string]any) *JobBuilder {
	b.j.Args = args
	return b
}

// WithPriority sets the job priority.
func (b *JobBuilder) WithPriority(priority int) *JobBuilder {
	b.j.Priority = priority
	return b
}

// WithAttempts sets both the attempt budget and the attempts left.
func (b *JobBuilder) WithAttempts(n int) *JobBuilder {
	b.j.Attempts = n
	b.j.AttemptsLeft = n
	return b
}

// WithState sets the job state.
func (b *JobBuilder) WithState(state model.State) *JobBuilder {
	b.j.State = state
	return b
}

// WithTiming sets the time policy.
func (b *JobBuilder) WithTiming(timing model.Timing) *JobBuilder {
	b.j.Timing = timing
	return b
}

// WithQueryAt sets the earliest time the job may be claimed.
func (b *JobBuilder) WithQueryAt(at time.Time) *JobBuilder {
	b.j.QueryAt = &at
	return b
}

// WithMarker sets an advisory marker.
func (b *JobBuilder) WithMarker(m model.Marker, at time.Time) *JobBuilder {
	b.j.SetMarkerAt(m, &at)
	return b
}

// Running marks the job as claimed by worker at the given time.
func (b *JobBuilder) Running(worker string, at time.Time) *JobBuilder {
	b.j.State = model.StateRunning
	b.j.StartedAt = &at
	b.j.Trial++
	hb := at
	b.j.Locked = &model.LockInfo{Worker: worker, Hostname: "test-host", At: at, Heartbeat: &hb}
	return b
}

// Build computes the fingerprint and returns the job.
func (b *JobBuilder) Build() *model.Job {
	fp, err := job.Fingerprint(b.j.Name, b.j.Args)
	if err != nil {
		//nolint:forbidigo // builders are test-only; invalid args are a programming error.
		panic(err)
	}
	b.j.Fingerprint = fp
	return b.j.Clone()
}
