// Package metrics emits the queue engine's StatsD metrics with consistent names and tags.
package metrics

import (
	"time"

	"github.com/target/mmk-queue/internal/domain/model"
	obserrors "github.com/target/mmk-queue/internal/observability/errors"
	"github.com/target/mmk-queue/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures a job lifecycle event.
type JobMetric struct {
	JobType    string
	Transition string // e.g. "complete", "failed", "deferred", "killed", "restart"
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits job.transition and, when a duration is known, job.duration.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{
		"job_type":   in.JobType,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}
	sink.Count("job.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// EmitPhase records one master phase execution.
func EmitPhase(sink statsd.Sink, phase string, elapsed time.Duration, err error) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	tags := map[string]string{"phase": phase, "result": result}
	sink.Count("master.phase", 1, tags)
	sink.Timing("master.phase.duration", elapsed, CloneTags(tags))
}

// EmitQueueCounts gauges the number of live jobs in every known state. States without jobs
// report zero so dashboards do not hold stale values.
func EmitQueueCounts(sink statsd.Sink, counts model.QueueCounts) {
	if sink == nil {
		return
	}
	for _, st := range model.AllStates {
		sink.Gauge("queue.jobs", float64(counts[st]), map[string]string{"state": string(st)})
	}
}

// EmitDaemons gauges alive and dead daemons per kind.
func EmitDaemons(sink statsd.Sink, statuses []model.DaemonStatus) {
	if sink == nil {
		return
	}
	type key struct {
		kind  model.DaemonKind
		alive bool
	}
	n := make(map[key]int)
	for _, st := range statuses {
		n[key{st.Kind, st.Alive}]++
	}
	for _, kind := range []model.DaemonKind{model.DaemonKindWorker, model.DaemonKindScheduler, model.DaemonKindApp} {
		sink.Gauge("daemon.alive", float64(n[key{kind, true}]), map[string]string{"kind": string(kind)})
		sink.Gauge("daemon.dead", float64(n[key{kind, false}]), map[string]string{"kind": string(kind)})
	}
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
