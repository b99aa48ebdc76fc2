package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/semaphore"

	"github.com/target/mmk-queue/config"
	"github.com/target/mmk-queue/internal/core"
	domainjob "github.com/target/mmk-queue/internal/domain/job"
	"github.com/target/mmk-queue/internal/domain/master"
	"github.com/target/mmk-queue/internal/observability/metrics"
	"github.com/target/mmk-queue/internal/observability/statsd"
	"github.com/target/mmk-queue/internal/service/failurenotifier"
)

// MasterServiceOptions groups dependencies for MasterService.
type MasterServiceOptions struct {
	Stores          core.Stores              // Required: store bundle
	Executors       *domainjob.Registry      // Required: executors of the job types this master runs
	Clock           core.Clock               // Required: time source
	Heartbeat       *HeartbeatService        // Required: registration of this master (worker kind)
	Config          config.MasterConfig      // Required: plan intervals and runner limits
	AliveTimeout    time.Duration            // Required: liveness threshold used by nopid_jobs
	Logger          *slog.Logger             // Optional: structured logger
	Metrics         statsd.Sink              // Optional: metrics sink (StatsD-compatible)
	FailureNotifier *failurenotifier.Service // Optional: alerts for jobs ending in ERROR
}

// MasterService runs the execution plan: a fixed ordered set of phases, each on its own
// interval, executed strictly in sequence. It owns the jobs it claims until they finalize.
//
// States: Startup -> Run loop -> shutdown. A failing phase is logged and the loop goes on;
// only Startup errors are fatal.
type MasterService struct {
	stores       core.Stores
	executors    *domainjob.Registry
	clock        core.Clock
	heartbeat    *HeartbeatService
	cfg          config.MasterConfig
	aliveTimeout time.Duration
	logger       *slog.Logger
	metrics      statsd.Sink
	notifier     *failurenotifier.Service

	plan  *master.Plan
	flock *flock.Flock

	// runner state
	slots     *semaphore.Weighted
	runCtx    context.Context
	runCancel context.CancelCauseFunc
	mu        sync.Mutex
	inflight  map[string]*execution
	jobs      sync.WaitGroup
	alerts    sync.WaitGroup
}

// NewMasterService constructs a new MasterService.
func NewMasterService(opts MasterServiceOptions) (*MasterService, error) {
	if err := opts.Stores.Validate(); err != nil {
		return nil, fmt.Errorf("stores: %w", err)
	}
	if opts.Executors == nil {
		return nil, errors.New("Executors is required")
	}
	if opts.Clock == nil {
		return nil, errors.New("Clock is required")
	}
	if opts.Heartbeat == nil {
		return nil, errors.New("Heartbeat is required")
	}
	if opts.AliveTimeout <= 0 {
		return nil, errors.New("AliveTimeout must be positive")
	}
	cfg := opts.Config
	cfg.Sanitize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "master", "daemon", opts.Heartbeat.ID())
	logger.Debug("MasterService initialized",
		"max_parallel", cfg.MaxParallel,
		"run_dir", cfg.RunDir,
		"job_types", cfg.JobTypes,
	)

	runCtx, runCancel := context.WithCancelCause(context.Background())
	return &MasterService{
		stores:       opts.Stores,
		executors:    opts.Executors,
		clock:        opts.Clock,
		heartbeat:    opts.Heartbeat,
		cfg:          cfg,
		aliveTimeout: opts.AliveTimeout,
		logger:       logger,
		metrics:      opts.Metrics,
		notifier:     opts.FailureNotifier,
		slots:        semaphore.NewWeighted(int64(cfg.MaxParallel)),
		runCtx:       runCtx,
		runCancel:    runCancel,
		inflight:     make(map[string]*execution),
	}, nil
}

// Startup prepares the run directory, takes the host-local master lock, registers the
// daemon and builds the execution plan. Any error is fatal.
func (s *MasterService) Startup(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.RunDir, 0o750); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	lock := flock.New(filepath.Join(s.cfg.RunDir, "master.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock run dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrMasterRunning, lock.Path())
	}
	s.flock = lock

	if err := s.heartbeat.Start(ctx); err != nil {
		s.unlock()
		return err
	}

	plan, err := master.NewPlan(s.clock.Now(), s.steps())
	if err != nil {
		s.unlock()
		return fmt.Errorf("build execution plan: %w", err)
	}
	s.plan = plan
	s.logger.InfoContext(ctx, "master started", "tick", plan.Tick())
	return nil
}

func (s *MasterService) steps() []master.StepDef {
	return []master.StepDef{
		{Name: master.PhaseWorkJobs, Interval: s.cfg.WorkJobs, Run: s.workJobs},
		{Name: master.PhaseKillJobs, Interval: s.cfg.KillJobs, Run: s.killJobs},
		{Name: master.PhaseInactiveJobs, Interval: s.cfg.InactiveJobs, Run: s.inactiveJobs},
		{Name: master.PhaseNonstopJobs, Interval: s.cfg.NonstopJobs, Run: s.nonstopJobs},
		{Name: master.PhaseNopidJobs, Interval: s.cfg.NopidJobs, Run: s.nopidJobs},
		{Name: master.PhaseCollectStats, Interval: s.cfg.CollectStats, Run: s.collectStats},
	}
}

// Run executes the plan until ctx is canceled or a halt is requested, then drains the
// in-flight jobs and stamps the exit phase. It calls Startup when the caller did not.
// Returns nil on cancellation and ErrHalted on halt.
func (s *MasterService) Run(ctx context.Context) error {
	if s.plan == nil {
		if err := s.Startup(ctx); err != nil {
			return fmt.Errorf("master startup: %w", err)
		}
	}
	defer s.shutdown(ctx)

	if err := s.heartbeat.EnterLoop(ctx); err != nil {
		s.logger.ErrorContext(ctx, "enter loop phase", "error", err)
	}

	for {
		if err := s.clock.Sleep(ctx, s.plan.Tick()); err != nil {
			s.logger.InfoContext(ctx, "master stopping", "reason", err)
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

		s.runCycle(ctx, s.clock.Now())
	}
}

// runCycle executes every due step in plan order. A started phase always completes;
// cancellation is honored between phases.
func (s *MasterService) runCycle(ctx context.Context, cycle time.Time) {
	for _, step := range s.plan.Due(cycle) {
		if ctx.Err() != nil {
			return
		}
		s.logger.DebugContext(ctx, "phase start", "phase", step.Name, "cycle", cycle)
		start := time.Now()
		err := runPhase(context.WithoutCancel(ctx), step.Run)
		s.plan.Done(step, cycle)
		metrics.EmitPhase(s.metrics, step.Name, time.Since(start), err)
		if err != nil {
			s.logger.ErrorContext(ctx, "phase failed", "phase", step.Name, "cycle", cycle, "error", err)
		}
	}
}

// runPhase calls run, reporting a panic as an error.
func runPhase(ctx context.Context, run master.PhaseFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("phase panicked: %v", r)
		}
	}()
	return run(ctx)
}

// PlanSnapshot returns the current state of the execution plan, nil before Startup.
func (s *MasterService) PlanSnapshot() []master.Step {
	if s.plan == nil {
		return nil
	}
	return s.plan.Snapshot()
}

func (s *MasterService) shutdown(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := s.heartbeat.Shutdown(ctx); err != nil {
		s.logger.ErrorContext(ctx, "enter shutdown phase", "error", err)
	}
	s.drain(ctx, s.cfg.DrainTimeout)
	s.alerts.Wait()
	if err := s.heartbeat.Exit(ctx); err != nil {
		s.logger.ErrorContext(ctx, "enter exit phase", "error", err)
	}
	s.unlock()
	s.logger.InfoContext(ctx, "master stopped")
}

func (s *MasterService) unlock() {
	if s.flock == nil {
		return
	}
	if err := s.flock.Unlock(); err != nil {
		s.logger.Error("release run dir lock", "error", err)
	}
	s.flock = nil
}
