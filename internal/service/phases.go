package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/domain/daemon"
	"github.com/target/mmk-queue/internal/domain/model"
	"github.com/target/mmk-queue/internal/observability/metrics"
)

// Phases of the execution plan. Each one is idempotent: running it again before the
// previous run's effects are visible re-evaluates the same predicates and changes nothing.

// workJobs claims due jobs into free execution slots. Nothing is claimed in maintenance mode.
func (s *MasterService) workJobs(ctx context.Context) error {
	maint, err := s.stores.Sentinels.GetSentinel(ctx, model.SentinelMaintenance)
	if err != nil {
		return fmt.Errorf("read maintenance sentinel: %w", err)
	}
	if maint != nil {
		s.logger.DebugContext(ctx, "maintenance mode, not claiming jobs", "since", *maint)
		return nil
	}
	names := s.claimNames()
	if len(names) == 0 {
		return nil
	}

	claimed := 0
	for s.slots.TryAcquire(1) {
		j, err := s.stores.Jobs.ClaimNext(ctx, core.ClaimParams{
			Names: names,
			Lock:  s.lockInfo(),
			Now:   s.clock.Now(),
		})
		if err != nil {
			s.slots.Release(1)
			return fmt.Errorf("claim job: %w", err)
		}
		if j == nil {
			s.slots.Release(1)
			break
		}
		s.launch(j)
		claimed++
	}
	if claimed > 0 {
		s.logger.DebugContext(ctx, "jobs claimed", "count", claimed, "inflight", s.Inflight())
	}
	return nil
}

// idleOrStopped lists every state a removed job may be archived from.
var idleOrStopped = slices.DeleteFunc(slices.Clone(model.AllStates), func(st model.State) bool {
	return st == model.StateRunning
})

// killJobs enforces kill and remove markers: in-flight jobs of this process are canceled,
// flagged idle jobs move to KILLED and removed idle jobs are journaled and deleted.
func (s *MasterService) killJobs(ctx context.Context) error {
	var errs []error
	now := s.clock.Now()

	killed, err := s.stores.Jobs.ListJobs(ctx, model.JobFilter{Marked: []model.Marker{model.MarkerKilled}})
	if err != nil {
		return fmt.Errorf("list killed jobs: %w", err)
	}
	idle := []model.State{model.StatePending, model.StateDeferred, model.StateFailed}
	for _, j := range killed {
		if j.State == model.StateRunning {
			s.cancelOwned(ctx, j)
			continue
		}
		if !slices.Contains(idle, j.State) {
			continue
		}
		applied, err := s.stores.Jobs.UpdateJob(ctx, core.JobUpdate{
			ID:        j.ID,
			Condition: core.JobCondition{States: idle},
			Patch: core.JobPatch{
				State:      model.StateKilled,
				LastError:  &model.JobError{Exception: ExceptionKilled, Timestamp: now},
				FinishedAt: &now,
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("kill job %s: %w", j.ID, err))
			continue
		}
		if applied {
			s.logger.WarnContext(ctx, "job killed", "id", j.ID, "name", j.Name, "was", j.State)
			metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
				JobType:    j.Name,
				Transition: string(model.StateKilled),
				Result:     metrics.ResultSuccess,
			})
		}
	}

	removed, err := s.stores.Jobs.ListJobs(ctx, model.JobFilter{Marked: []model.Marker{model.MarkerRemoved}})
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("list removed jobs: %w", err))...)
	}
	for _, j := range removed {
		if j.State == model.StateRunning {
			s.cancelOwned(ctx, j)
			continue
		}
		archived, err := s.stores.Jobs.ArchiveJob(ctx, core.JobUpdate{
			ID:        j.ID,
			Condition: core.JobCondition{States: idleOrStopped, Set: []model.Marker{model.MarkerRemoved}},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("remove job %s: %w", j.ID, err))
			continue
		}
		// nil when a concurrent sweep archived it or the job started running meanwhile
		if archived != nil {
			s.logger.WarnContext(ctx, "job removed", "id", j.ID, "name", j.Name, "state", archived.State)
		}
	}
	return errors.Join(errs...)
}

func (s *MasterService) cancelOwned(ctx context.Context, j *model.Job) {
	if j.Locked == nil || j.Locked.Worker != s.heartbeat.ID() {
		return
	}
	if s.cancelInflight(j.ID, errKilled) {
		s.logger.InfoContext(ctx, "canceling running job", "id", j.ID, "name", j.Name)
	}
}

// inactiveJobs retires DEFERRED jobs whose defer window has closed.
func (s *MasterService) inactiveJobs(ctx context.Context) error {
	deferred, err := s.stores.Jobs.ListJobs(ctx, model.JobFilter{States: []model.State{model.StateDeferred}})
	if err != nil {
		return fmt.Errorf("list deferred jobs: %w", err)
	}
	now := s.clock.Now()
	var errs []error
	for _, j := range deferred {
		if j.InactiveAt == nil || now.Before(*j.InactiveAt) {
			continue
		}
		applied, err := s.stores.Jobs.UpdateJob(ctx, core.JobUpdate{
			ID:        j.ID,
			Condition: core.JobCondition{States: []model.State{model.StateDeferred}},
			Patch:     core.JobPatch{State: model.StateInactive, FinishedAt: &now},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("inactivate job %s: %w", j.ID, err))
			continue
		}
		if applied {
			s.logger.InfoContext(ctx, "job inactive", "id", j.ID, "name", j.Name, "inactive_at", *j.InactiveAt)
		}
	}
	return errors.Join(errs...)
}

// nonstopJobs flags RUNNING jobs beyond their wall time, and jobs silent for longer than
// their zombie time. The markers are advisory; the job keeps running.
func (s *MasterService) nonstopJobs(ctx context.Context) error {
	running, err := s.stores.Jobs.ListJobs(ctx, model.JobFilter{States: []model.State{model.StateRunning}})
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}
	now := s.clock.Now()
	var errs []error
	for _, j := range running {
		if j.WallAt == nil && j.Timing.WallTime > 0 && j.StartedAt != nil &&
			now.Sub(*j.StartedAt) > j.Timing.Wall() {
			if err := s.mark(ctx, j, model.MarkerWall); err != nil {
				errs = append(errs, err)
			}
		}
		if j.ZombieAt == nil && j.Timing.ZombieTime > 0 && j.Locked != nil {
			last := j.Locked.At
			if j.Locked.Heartbeat != nil {
				last = *j.Locked.Heartbeat
			}
			if now.Sub(last) > j.Timing.Zombie() {
				if err := s.mark(ctx, j, model.MarkerZombie); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

func (s *MasterService) mark(ctx context.Context, j *model.Job, m model.Marker) error {
	applied, err := s.stores.Jobs.UpdateJob(ctx, core.JobUpdate{
		ID: j.ID,
		Condition: core.JobCondition{
			States: []model.State{model.StateRunning},
			Unset:  []model.Marker{m},
		},
		Patch: core.JobPatch{Mark: []model.Marker{m}, MarkAt: s.clock.Now()},
	})
	if err != nil {
		return fmt.Errorf("mark job %s %s: %w", j.ID, m, err)
	}
	if applied {
		s.logger.WarnContext(ctx, "job flagged", "id", j.ID, "name", j.Name, "marker", m)
	}
	return nil
}

// nopidJobs fails RUNNING jobs whose locking daemon is gone: not registered, not alive, or
// this daemon without the job in flight (left over from a previous run).
func (s *MasterService) nopidJobs(ctx context.Context) error {
	running, err := s.stores.Jobs.ListJobs(ctx, model.JobFilter{States: []model.State{model.StateRunning}})
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}
	if len(running) == 0 {
		return nil
	}
	recs, err := s.stores.Daemons.ListDaemons(ctx)
	if err != nil {
		return fmt.Errorf("list daemons: %w", err)
	}
	byID := make(map[string]*model.DaemonRecord, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}

	now := s.clock.Now()
	self := s.heartbeat.ID()
	var errs []error
	for _, j := range running {
		worker := ""
		if j.Locked != nil {
			worker = j.Locked.Worker
		}
		switch {
		case worker == self:
			if s.isInflight(j.ID) {
				continue
			}
		case worker != "":
			if rec, ok := byID[worker]; ok && daemon.Alive(rec, now, s.aliveTimeout) {
				continue
			}
		}

		jobErr := model.JobError{
			Exception: ExceptionNoProcess,
			Timestamp: now,
			Detail:    fmt.Sprintf("worker %q is not running the job", worker),
		}
		var runtime time.Duration
		if j.StartedAt != nil {
			runtime = max(now.Sub(*j.StartedAt), 0)
		}
		state, err := s.finishFailed(ctx, j, worker, jobErr, now, runtime)
		if err != nil {
			errs = append(errs, fmt.Errorf("fail orphaned job %s: %w", j.ID, err))
			continue
		}
		if state != "" {
			s.logger.WarnContext(ctx, "orphaned job failed", "id", j.ID, "name", j.Name, "worker", worker, "state", state)
		}
	}
	return errors.Join(errs...)
}

// collectStats publishes queue counts and daemon liveness and writes a stat record.
func (s *MasterService) collectStats(ctx context.Context) error {
	counts, err := s.stores.Jobs.CountByState(ctx)
	if err != nil {
		return fmt.Errorf("count jobs: %w", err)
	}
	metrics.EmitQueueCounts(s.metrics, counts)
	if s.metrics != nil {
		s.metrics.Gauge("master.inflight", float64(s.Inflight()), nil)
	}

	var errs []error
	if recs, err := s.stores.Daemons.ListDaemons(ctx); err != nil {
		errs = append(errs, fmt.Errorf("list daemons: %w", err))
	} else {
		now := s.clock.Now()
		statuses := make([]model.DaemonStatus, 0, len(recs))
		for _, r := range recs {
			statuses = append(statuses, daemon.Status(r, now, s.aliveTimeout))
		}
		metrics.EmitDaemons(s.metrics, statuses)
	}

	rec := &model.StatRecord{At: s.clock.Now(), Event: "collect_stats", Counts: counts}
	if err := s.stores.Stats.RecordStat(ctx, rec); err != nil {
		errs = append(errs, fmt.Errorf("record stat: %w", err))
	}
	s.logger.DebugContext(ctx, "queue stats", "total", counts.Total(), "inflight", s.Inflight())
	return errors.Join(errs...)
}
