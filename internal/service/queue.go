package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/domain/daemon"
	domainjob "github.com/target/mmk-queue/internal/domain/job"
	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
	"github.com/target/mmk-queue/internal/observability/metrics"
	"github.com/target/mmk-queue/internal/observability/statsd"
)

// killableStates are the live states a kill or remove marker may be set on.
var killableStates = []model.State{
	model.StatePending,
	model.StateRunning,
	model.StateDeferred,
	model.StateFailed,
	model.StateError,
	model.StateInactive,
	model.StateKilled,
}

// QueueServiceOptions groups dependencies for QueueService.
type QueueServiceOptions struct {
	Stores   core.Stores        // Required: store bundle
	Catalog  *domainjob.Catalog // Required: job-type catalog
	Clock    core.Clock         // Required: time source
	Identity daemon.Identity    // Optional: calling process; stamps enqueue hostname and lock owner
	Logger   *slog.Logger       // Optional: structured logger
	Metrics  statsd.Sink        // Optional: metrics sink (StatsD-compatible)
}

// QueueService implements the operations exposed to front-ends: enqueue, kill, remove,
// restart, lookup with journal fallback, listings, aggregation, halt and maintenance.
type QueueService struct {
	stores   core.Stores
	catalog  *domainjob.Catalog
	clock    core.Clock
	identity daemon.Identity
	logger   *slog.Logger
	metrics  statsd.Sink
}

// EnqueueRequest describes a job to enqueue.
type EnqueueRequest struct {
	Name     string
	Args     map[string]any
	Username string
}

// NewQueueService constructs a new QueueService.
func NewQueueService(opts QueueServiceOptions) (*QueueService, error) {
	if err := opts.Stores.Validate(); err != nil {
		return nil, fmt.Errorf("stores: %w", err)
	}
	if opts.Catalog == nil {
		return nil, errors.New("Catalog is required")
	}
	if opts.Clock == nil {
		return nil, errors.New("Clock is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueService{
		stores:   opts.Stores,
		catalog:  opts.Catalog,
		clock:    opts.Clock,
		identity: opts.Identity,
		logger:   logger.With("component", "queue_service"),
		metrics:  opts.Metrics,
	}, nil
}

// Enqueue builds a job of the requested type and inserts it as PENDING. A live job with the
// same type and arguments yields a Conflict error; callers must wait or vary the arguments.
func (s *QueueService) Enqueue(ctx context.Context, req EnqueueRequest) (*model.Job, error) {
	j, err := s.catalog.Build(req.Name, req.Args)
	if err != nil {
		return nil, err
	}
	j.Enqueued = s.enqueueInfo(req.Username)

	stored, err := s.stores.Jobs.InsertJob(ctx, j)
	if err != nil {
		if apperrors.IsConflict(err) {
			s.logger.InfoContext(ctx, "enqueue declined", "name", req.Name, "fingerprint", j.Fingerprint)
		}
		return nil, fmt.Errorf("enqueue %s: %w", req.Name, err)
	}

	s.logger.InfoContext(ctx, "job enqueued", "id", stored.ID, "name", stored.Name)
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		JobType:    stored.Name,
		Transition: "enqueue",
		Result:     metrics.ResultSuccess,
	})
	counts := s.recordStat(ctx, "enqueue_job", stored.Name, stored.ID)
	s.putSnapshot(ctx, counts)
	return stored, nil
}

// Kill sets the kill marker. It reports false when the marker was already set; the original
// timestamp is kept. Unknown and completed jobs yield NotFound.
func (s *QueueService) Kill(ctx context.Context, id string) (bool, error) {
	return s.flag(ctx, id, model.MarkerKilled, "kill_job")
}

// Remove sets the remove marker with the same semantics as Kill.
func (s *QueueService) Remove(ctx context.Context, id string) (bool, error) {
	return s.flag(ctx, id, model.MarkerRemoved, "remove_job")
}

func (s *QueueService) flag(ctx context.Context, id string, marker model.Marker, event string) (bool, error) {
	applied, err := s.stores.Jobs.UpdateJob(ctx, core.JobUpdate{
		ID: id,
		Condition: core.JobCondition{
			States: killableStates,
			Unset:  []model.Marker{marker},
		},
		Patch: core.JobPatch{Mark: []model.Marker{marker}, MarkAt: s.clock.Now()},
	})
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", event, id, err)
	}
	if applied {
		s.logger.WarnContext(ctx, "job flagged", "id", id, "marker", marker)
		s.recordStat(ctx, event, id)
		return true, nil
	}

	// not applied: distinguish "already flagged" from "no such live job"
	j, err := s.stores.Jobs.GetJob(ctx, id)
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", event, id, err)
	}
	if j.MarkerAt(marker) == nil {
		return false, apperrors.NotFoundf("job %s cannot be flagged in state %s", id, j.State)
	}
	s.logger.InfoContext(ctx, "job already flagged", "id", id, "marker", marker)
	return false, nil
}

// Restart restarts a waiting job in place or a stopped job by cloning it into a new
// identifier. It returns the identifier of the job that will run next.
func (s *QueueService) Restart(ctx context.Context, id string) (string, error) {
	applied, err := s.stores.Jobs.UpdateJob(ctx, core.JobUpdate{
		ID:        id,
		Condition: core.JobCondition{States: model.StateWaiting},
		Patch:     core.JobPatch{ClearQueryAt: true},
	})
	if err != nil {
		return "", fmt.Errorf("restart %s: %w", id, err)
	}
	if applied {
		s.logger.WarnContext(ctx, "waiting job restarted", "id", id)
		s.recordStat(ctx, "restart_job", id)
		return id, nil
	}

	newID, err := s.restartStopped(ctx, id)
	if err != nil {
		return "", err
	}
	s.logger.WarnContext(ctx, "stopped job restarted", "id", id, "new_id", newID)
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: "restart",
		Result:     metrics.ResultSuccess,
	})
	s.recordStat(ctx, "restart_job", id, newID)
	return newID, nil
}

func (s *QueueService) restartStopped(ctx context.Context, id string) (string, error) {
	j, err := s.stores.Jobs.GetJob(ctx, id)
	if err != nil {
		return "", fmt.Errorf("restart %s: %w", id, err)
	}
	if !j.State.IsStopped() {
		return "", apperrors.NotFoundf("job %s cannot be restarted in state %s", id, j.State)
	}

	owner := s.lockOwner()
	acquired, err := s.stores.Locks.TryAcquire(ctx, id, owner)
	if err != nil {
		return "", fmt.Errorf("lock job %s: %w", id, err)
	}
	if !acquired {
		s.logger.InfoContext(ctx, "restart lock collision", "id", id)
		return "", apperrors.Wrapf(ErrLockCollision, apperrors.ErrCodeConflict, "restart job %s", id)
	}
	defer func() {
		if err := s.stores.Locks.Release(context.WithoutCancel(ctx), id, owner); err != nil {
			s.logger.ErrorContext(ctx, "release restart lock", "id", id, "error", err)
		}
	}()

	// re-read under the lock; a concurrent restart may have completed before we acquired it
	j, err = s.stores.Jobs.GetJob(ctx, id)
	if err != nil {
		return "", fmt.Errorf("restart %s: %w", id, err)
	}
	if !j.State.IsStopped() {
		return "", apperrors.NotFoundf("job %s cannot be restarted in state %s", id, j.State)
	}

	fresh := j.CloneForRestart(s.enqueueInfo(j.Enqueued.Username))
	stored, err := s.stores.Jobs.ReplaceJob(ctx, j, fresh)
	if err != nil {
		if apperrors.IsInvariant(err) {
			s.logger.ErrorContext(ctx, "restart broke the dedup invariant",
				"id", id,
				"name", j.Name,
				"fingerprint", j.Fingerprint,
				"error", err,
			)
		}
		return "", fmt.Errorf("restart %s: %w", id, err)
	}
	return stored.ID, nil
}

// GetDetail returns the live job, or the journaled record flagged as archived.
func (s *QueueService) GetDetail(ctx context.Context, id string) (JobView, error) {
	now := s.clock.Now()
	j, err := s.stores.Jobs.GetJob(ctx, id)
	if err == nil {
		return NewJobView(j, false, now), nil
	}
	if !apperrors.IsNotFound(err) {
		return JobView{}, fmt.Errorf("get job %s: %w", id, err)
	}
	j, err = s.stores.Journal.GetJournal(ctx, id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return JobView{}, apperrors.NotFoundf("job %s not found", id)
		}
		return JobView{}, fmt.Errorf("get journal %s: %w", id, err)
	}
	return NewJobView(j, true, now), nil
}

// List returns the live jobs matching filter.
func (s *QueueService) List(ctx context.Context, filter model.JobFilter) ([]JobView, error) {
	jobs, err := s.stores.Jobs.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return s.views(jobs, false), nil
}

// Journal returns the most recently archived jobs.
func (s *QueueService) Journal(ctx context.Context, limit int) ([]JobView, error) {
	jobs, err := s.stores.Journal.ListJournal(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	return s.views(jobs, true), nil
}

func (s *QueueService) views(jobs []*model.Job, archived bool) []JobView {
	now := s.clock.Now()
	out := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, NewJobView(j, archived, now))
	}
	return out
}

// State returns the live jobs grouped by type, state and derived flags.
func (s *QueueService) State(ctx context.Context) ([]model.QueueStateGroup, error) {
	groups, err := s.stores.Jobs.QueueState(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue state: %w", err)
	}
	return groups, nil
}

// Counts returns the number of live jobs per state.
func (s *QueueService) Counts(ctx context.Context) (model.QueueCounts, error) {
	counts, err := s.stores.Jobs.CountByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return counts, nil
}

// Snapshot returns the cached queue counts, or nil when no snapshot cache is configured.
func (s *QueueService) Snapshot(ctx context.Context) (*model.QueueSnapshot, error) {
	if s.stores.Snapshots == nil {
		return nil, nil
	}
	snap, err := s.stores.Snapshots.GetSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

// Halt stamps the halt sentinel. Every daemon started at or before the returned time stops.
func (s *QueueService) Halt(ctx context.Context) (time.Time, error) {
	now := s.clock.Now()
	if err := s.stores.Sentinels.SetSentinel(ctx, model.SentinelHalt, now); err != nil {
		return time.Time{}, fmt.Errorf("set halt: %w", err)
	}
	s.logger.WarnContext(ctx, "halt requested", "at", now)
	s.recordStat(ctx, "halt")
	return now, nil
}

// EnterMaintenance stops masters from claiming work until LeaveMaintenance.
func (s *QueueService) EnterMaintenance(ctx context.Context) error {
	if err := s.stores.Sentinels.SetSentinel(ctx, model.SentinelMaintenance, s.clock.Now()); err != nil {
		return fmt.Errorf("enter maintenance: %w", err)
	}
	s.logger.WarnContext(ctx, "maintenance mode entered")
	s.recordStat(ctx, "enter_maintenance")
	return nil
}

// LeaveMaintenance resumes work claiming.
func (s *QueueService) LeaveMaintenance(ctx context.Context) error {
	if err := s.stores.Sentinels.ClearSentinel(ctx, model.SentinelMaintenance); err != nil {
		return fmt.Errorf("leave maintenance: %w", err)
	}
	s.logger.WarnContext(ctx, "maintenance mode left")
	s.recordStat(ctx, "leave_maintenance")
	return nil
}

// Maintenance returns the time maintenance mode was entered, or nil when it is off.
func (s *QueueService) Maintenance(ctx context.Context) (*time.Time, error) {
	at, err := s.stores.Sentinels.GetSentinel(ctx, model.SentinelMaintenance)
	if err != nil {
		return nil, fmt.Errorf("get maintenance: %w", err)
	}
	return at, nil
}

func (s *QueueService) enqueueInfo(username string) model.EnqueueInfo {
	return model.EnqueueInfo{
		At:       s.clock.Now(),
		Hostname: s.identity.Hostname,
		Username: username,
	}
}

func (s *QueueService) lockOwner() string {
	if s.identity.RunID != "" {
		return s.identity.RunID
	}
	return uuid.NewString()
}

// recordStat writes a best-effort stat record and returns the counts it used.
func (s *QueueService) recordStat(ctx context.Context, event string, data ...string) model.QueueCounts {
	counts, err := s.stores.Jobs.CountByState(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "count jobs for stat record", "event", event, "error", err)
		return nil
	}
	rec := &model.StatRecord{At: s.clock.Now(), Event: event, Data: data, Counts: counts}
	if err := s.stores.Stats.RecordStat(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "record stat", "event", event, "error", err)
	}
	return counts
}

func (s *QueueService) putSnapshot(ctx context.Context, counts model.QueueCounts) {
	if s.stores.Snapshots == nil || counts == nil {
		return
	}
	snap := &model.QueueSnapshot{At: s.clock.Now(), Counts: counts}
	if err := s.stores.Snapshots.PutSnapshot(ctx, snap); err != nil {
		s.logger.WarnContext(ctx, "put queue snapshot", "error", err)
	}
}
