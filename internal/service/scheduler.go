package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-queue/config"
	"github.com/target/mmk-queue/internal/core"
	domainjob "github.com/target/mmk-queue/internal/domain/job"
	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
)

// schedulerUser is the enqueue username stamped on scheduled jobs.
const schedulerUser = "scheduler"

// SchedulerServiceOptions groups dependencies for SchedulerService.
type SchedulerServiceOptions struct {
	Queue     *QueueService          // Required: enqueue path
	Catalog   *domainjob.Catalog     // Required: job types with cron schedules
	Sentinels core.SentinelStore     // Required: holds the schedule cursor
	Clock     core.Clock             // Required: time source
	Heartbeat *HeartbeatService      // Required: registration of this scheduler daemon
	Config    config.SchedulerConfig // Required: tick interval and lag bound
	Logger    *slog.Logger           // Optional: structured logger
}

// SchedulerService enqueues catalog types whose cron schedule fired since the last tick.
// The cursor is shared through the schedule sentinel, so any number of schedulers may run;
// duplicate enqueues are declined by the dedup constraint.
type SchedulerService struct {
	queue     *QueueService
	catalog   *domainjob.Catalog
	sentinels core.SentinelStore
	clock     core.Clock
	heartbeat *HeartbeatService
	cfg       config.SchedulerConfig
	logger    *slog.Logger
}

// NewSchedulerService constructs a new SchedulerService.
func NewSchedulerService(opts SchedulerServiceOptions) (*SchedulerService, error) {
	switch {
	case opts.Queue == nil:
		return nil, errors.New("Queue is required")
	case opts.Catalog == nil:
		return nil, errors.New("Catalog is required")
	case opts.Sentinels == nil:
		return nil, errors.New("SentinelStore is required")
	case opts.Clock == nil:
		return nil, errors.New("Clock is required")
	case opts.Heartbeat == nil:
		return nil, errors.New("Heartbeat is required")
	}
	cfg := opts.Config
	cfg.Sanitize()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SchedulerService{
		queue:     opts.Queue,
		catalog:   opts.Catalog,
		sentinels: opts.Sentinels,
		clock:     opts.Clock,
		heartbeat: opts.Heartbeat,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
	}, nil
}

// Run registers the daemon and ticks every interval until ctx is canceled or a halt is
// requested. Returns nil on cancellation and ErrHalted on halt.
func (s *SchedulerService) Run(ctx context.Context) error {
	if err := s.heartbeat.Start(ctx); err != nil {
		return fmt.Errorf("scheduler startup: %w", err)
	}
	defer func() {
		if err := s.heartbeat.Exit(ctx); err != nil {
			s.logger.ErrorContext(ctx, "scheduler exit", "error", err)
		}
	}()
	if err := s.heartbeat.EnterLoop(ctx); err != nil {
		s.logger.ErrorContext(ctx, "enter loop phase", "error", err)
	}
	s.logger.InfoContext(ctx, "starting scheduler", "interval", s.cfg.Interval)

	for {
		if err := s.clock.Sleep(ctx, s.cfg.Interval); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		halted, err := s.heartbeat.Tick(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "heartbeat", "error", err)
		}
		if halted {
			return ErrHalted
		}
		if _, err := s.Tick(ctx); err != nil {
			s.logger.ErrorContext(ctx, "scheduler tick", "error", err)
		}
	}
}

// Tick enqueues every scheduled type with an occurrence in (cursor, now] and advances the
// cursor. The first tick only initializes the cursor. It returns the number of jobs enqueued.
func (s *SchedulerService) Tick(ctx context.Context) (int, error) {
	now := s.clock.Now()
	cursor, err := s.sentinels.GetSentinel(ctx, model.SentinelSchedule)
	if err != nil {
		return 0, fmt.Errorf("read schedule cursor: %w", err)
	}
	if cursor == nil {
		if err := s.sentinels.SetSentinel(ctx, model.SentinelSchedule, now); err != nil {
			return 0, fmt.Errorf("init schedule cursor: %w", err)
		}
		return 0, nil
	}
	if !now.After(*cursor) {
		return 0, nil
	}
	after := *cursor
	if floor := now.Add(-s.cfg.MaxLag); after.Before(floor) {
		s.logger.WarnContext(ctx, "schedule cursor lags, skipping missed occurrences", "cursor", after, "floor", floor)
		after = floor
	}

	enqueued := 0
	var errs []error
	for _, t := range s.catalog.Types() {
		if t.Schedule == "" {
			continue
		}
		ok, err := s.fire(ctx, t, after, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			enqueued++
		}
	}

	if err := s.sentinels.SetSentinel(ctx, model.SentinelSchedule, now); err != nil {
		errs = append(errs, fmt.Errorf("advance schedule cursor: %w", err))
	}
	return enqueued, errors.Join(errs...)
}

func (s *SchedulerService) fire(ctx context.Context, t domainjob.Type, after, now time.Time) (bool, error) {
	sched, err := domainjob.ParseSchedule(t.Schedule)
	if err != nil {
		return false, fmt.Errorf("schedule of %s: %w", t.Name, err)
	}
	at, due := domainjob.DueBetween(sched, after, now)
	if !due {
		return false, nil
	}
	j, err := s.queue.Enqueue(ctx, EnqueueRequest{Name: t.Name, Args: t.ScheduleArgs, Username: schedulerUser})
	if err != nil {
		if apperrors.IsConflict(err) {
			s.logger.ErrorContext(ctx, "scheduled job still live, occurrence skipped", "name", t.Name, "occurrence", at)
			return false, nil
		}
		return false, fmt.Errorf("enqueue scheduled %s: %w", t.Name, err)
	}
	s.logger.InfoContext(ctx, "scheduled job enqueued", "name", t.Name, "id", j.ID, "occurrence", at)
	return true, nil
}
