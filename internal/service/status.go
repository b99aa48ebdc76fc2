package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/domain/daemon"
	"github.com/target/mmk-queue/internal/domain/model"
)

// StatusServiceOptions groups dependencies for StatusService.
type StatusServiceOptions struct {
	Stores       core.Stores   // Required: store bundle
	Clock        core.Clock    // Required: time source
	AliveTimeout time.Duration // Required: heartbeat age beyond which a daemon is dead
}

// StatusService computes the system-status views. Liveness is derived by the reader from
// heartbeat age; daemons never report it themselves.
type StatusService struct {
	stores       core.Stores
	clock        core.Clock
	aliveTimeout time.Duration
}

// NewStatusService constructs a new StatusService.
func NewStatusService(opts StatusServiceOptions) (*StatusService, error) {
	if opts.Stores.Jobs == nil || opts.Stores.Daemons == nil || opts.Stores.Sentinels == nil {
		return nil, errors.New("job store, daemon registry and sentinel store are required")
	}
	if opts.Clock == nil {
		return nil, errors.New("Clock is required")
	}
	if opts.AliveTimeout <= 0 {
		return nil, errors.New("AliveTimeout must be positive")
	}
	return &StatusService{stores: opts.Stores, clock: opts.Clock, aliveTimeout: opts.AliveTimeout}, nil
}

// Daemons returns the liveness view of every registered daemon.
func (s *StatusService) Daemons(ctx context.Context) ([]model.DaemonStatus, error) {
	recs, err := s.stores.Daemons.ListDaemons(ctx)
	if err != nil {
		return nil, fmt.Errorf("list daemons: %w", err)
	}
	now := s.clock.Now()
	out := make([]model.DaemonStatus, 0, len(recs))
	for _, rec := range recs {
		out = append(out, daemon.Status(rec, now, s.aliveTimeout))
	}
	return out, nil
}

// Summary returns queue counts, daemon liveness and the global sentinels.
func (s *StatusService) Summary(ctx context.Context) (SystemStatus, error) {
	counts, err := s.stores.Jobs.CountByState(ctx)
	if err != nil {
		return SystemStatus{}, fmt.Errorf("count jobs: %w", err)
	}
	daemons, err := s.Daemons(ctx)
	if err != nil {
		return SystemStatus{}, err
	}
	halt, err := s.stores.Sentinels.GetSentinel(ctx, model.SentinelHalt)
	if err != nil {
		return SystemStatus{}, fmt.Errorf("get halt: %w", err)
	}
	maint, err := s.stores.Sentinels.GetSentinel(ctx, model.SentinelMaintenance)
	if err != nil {
		return SystemStatus{}, fmt.Errorf("get maintenance: %w", err)
	}
	return SystemStatus{
		At:          s.clock.Now(),
		Counts:      counts,
		Daemons:     daemons,
		Halt:        halt,
		Maintenance: maint,
	}, nil
}
