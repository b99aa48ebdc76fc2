package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/domain/daemon"
	"github.com/target/mmk-queue/internal/domain/model"
)

// HeartbeatServiceOptions groups dependencies for HeartbeatService.
type HeartbeatServiceOptions struct {
	Registry  core.DaemonRegistry // Required: daemon registry
	Sentinels core.SentinelStore  // Required: halt sentinel source
	Clock     core.Clock          // Required: time source
	Identity  daemon.Identity     // Required: the registering process
	Endpoint  model.Endpoint      // Optional: routing metadata of app-kind daemons
	Interval  time.Duration       // Required: heartbeat interval
	Logger    *slog.Logger        // Optional: structured logger
}

// HeartbeatService keeps one daemon's registration record current and watches the halt sentinel.
//
// Lifecycle: Start registers the record, EnterLoop stamps phase.loop, Tick beats when the
// interval elapsed and reports halt requests, Shutdown and Exit stamp the final phases.
type HeartbeatService struct {
	registry  core.DaemonRegistry
	sentinels core.SentinelStore
	clock     core.Clock
	identity  daemon.Identity
	endpoint  model.Endpoint
	interval  time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	startup  time.Time
	lastBeat time.Time
	shutdown bool
	exited   bool
}

// NewHeartbeatService constructs a new HeartbeatService.
func NewHeartbeatService(opts HeartbeatServiceOptions) (*HeartbeatService, error) {
	if opts.Registry == nil {
		return nil, errors.New("DaemonRegistry is required")
	}
	if opts.Sentinels == nil {
		return nil, errors.New("SentinelStore is required")
	}
	if opts.Clock == nil {
		return nil, errors.New("Clock is required")
	}
	if opts.Identity.Name == "" {
		return nil, errors.New("Identity is required")
	}
	if opts.Interval <= 0 {
		return nil, errors.New("Interval must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatService{
		registry:  opts.Registry,
		sentinels: opts.Sentinels,
		clock:     opts.Clock,
		identity:  opts.Identity,
		endpoint:  opts.Endpoint,
		interval:  opts.Interval,
		logger:    logger.With("component", "heartbeat", "daemon", opts.Identity.ID()),
	}, nil
}

// ID returns the registry key of the daemon.
func (s *HeartbeatService) ID() string {
	return s.identity.ID()
}

// Identity returns the identity the daemon registered with.
func (s *HeartbeatService) Identity() daemon.Identity {
	return s.identity
}

// Startup returns the time the daemon registered, zero before Start.
func (s *HeartbeatService) Startup() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startup
}

// Start registers the daemon with phase.startup and a first heartbeat.
func (s *HeartbeatService) Start(ctx context.Context) error {
	now := s.clock.Now()
	rec := s.identity.Record(s.endpoint)
	rec.Phase.Set(model.PhaseStartup, now)
	rec.Heartbeat = &now
	if err := s.registry.Register(ctx, rec); err != nil {
		return fmt.Errorf("register daemon %s: %w", rec.ID, err)
	}

	s.mu.Lock()
	s.startup = now
	s.lastBeat = now
	s.shutdown = false
	s.exited = false
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "daemon registered",
		"kind", s.identity.Kind,
		"pid", s.identity.PID,
		"run_id", s.identity.RunID,
	)
	return nil
}

// EnterLoop stamps phase.loop.
func (s *HeartbeatService) EnterLoop(ctx context.Context) error {
	return s.enter(ctx, model.PhaseLoop)
}

func (s *HeartbeatService) enter(ctx context.Context, phase model.Phase) error {
	if err := s.registry.EnterPhase(ctx, s.identity.ID(), phase, s.clock.Now()); err != nil {
		return fmt.Errorf("enter phase %s: %w", phase, err)
	}
	s.logger.DebugContext(ctx, "daemon phase", "phase", phase)
	return nil
}

// Tick refreshes the heartbeat when the interval elapsed since the last beat, then checks
// the halt sentinel. It reports whether a halt applies to this daemon.
func (s *HeartbeatService) Tick(ctx context.Context) (bool, error) {
	now := s.clock.Now()
	s.mu.Lock()
	due := now.Sub(s.lastBeat) >= s.interval
	startup := s.startup
	s.mu.Unlock()

	var errs []error
	if due {
		if err := s.registry.Beat(ctx, s.identity.ID(), now); err != nil {
			errs = append(errs, fmt.Errorf("beat: %w", err))
		} else {
			s.mu.Lock()
			s.lastBeat = now
			s.mu.Unlock()
		}
	}

	halt, err := s.sentinels.GetSentinel(ctx, model.SentinelHalt)
	if err != nil {
		errs = append(errs, fmt.Errorf("read halt sentinel: %w", err))
		return false, errors.Join(errs...)
	}
	if daemon.HaltRequested(halt, startup) {
		s.logger.WarnContext(ctx, "halt sentinel observed", "halt", *halt, "startup", startup)
		return true, errors.Join(errs...)
	}
	return false, errors.Join(errs...)
}

// Run beats every interval until ctx is canceled or a halt is requested. It returns
// ErrHalted on halt and nil on cancellation. Start and Exit are the caller's job.
func (s *HeartbeatService) Run(ctx context.Context) error {
	if err := s.EnterLoop(ctx); err != nil {
		s.logger.ErrorContext(ctx, "enter loop phase", "error", err)
	}
	for {
		if err := s.clock.Sleep(ctx, s.interval); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		halted, err := s.Tick(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "heartbeat", "error", err)
		}
		if halted {
			return ErrHalted
		}
	}
}

// Shutdown stamps phase.shutdown. Callers drain their work between Shutdown and Exit.
func (s *HeartbeatService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown || s.startup.IsZero() {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()
	return s.enter(context.WithoutCancel(ctx), model.PhaseShutdown)
}

// Exit clears advertised routing metadata and stamps phase.exit. The registration record
// itself is kept for inspection. Exit implies Shutdown and is idempotent.
func (s *HeartbeatService) Exit(ctx context.Context) error {
	var errs []error
	if err := s.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.mu.Lock()
	if s.exited || s.startup.IsZero() {
		s.mu.Unlock()
		return errors.Join(errs...)
	}
	s.exited = true
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	if !s.endpoint.Empty() {
		if err := s.registry.ClearEndpoint(ctx, s.identity.ID()); err != nil {
			errs = append(errs, fmt.Errorf("clear endpoint: %w", err))
		}
	}
	if err := s.enter(ctx, model.PhaseExit); err != nil {
		errs = append(errs, err)
	}
	s.logger.InfoContext(ctx, "daemon exited")
	return errors.Join(errs...)
}
