// Package failurenotifier fans job failure alerts out to every configured sink.
package failurenotifier

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/mmk-queue/internal/observability/notify"
)

const defaultTimeout = 10 * time.Second

// SinkRegistration names a sink for logs.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures a Service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	// Timeout bounds one delivery round across all sinks. Zero means 10s.
	Timeout time.Duration
	// Skip suppresses alerts for the listed job types.
	Skip []string
}

// Service delivers each alert to every sink concurrently. A failing sink is logged and
// does not affect the others.
type Service struct {
	log     *slog.Logger
	sinks   []SinkRegistration
	timeout time.Duration
	skip    map[string]bool
}

// NewService drops registrations without a sink.
func NewService(opts Options) *Service {
	s := &Service{
		log:     opts.Logger,
		timeout: opts.Timeout,
		skip:    make(map[string]bool, len(opts.Skip)),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "failure_notifier")
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	for _, r := range opts.Sinks {
		if r.Sink == nil {
			continue
		}
		if r.Name == "" {
			r.Name = "sink"
		}
		s.sinks = append(s.sinks, r)
	}
	for _, name := range opts.Skip {
		s.skip[name] = true
	}
	return s
}

// Enabled reports whether any sink is registered.
func (s *Service) Enabled() bool { return s != nil && len(s.sinks) > 0 }

// NotifyJobFailure blocks until every sink has answered or the timeout passed. It runs
// on a context detached from ctx's cancellation so a stopping master still alerts.
func (s *Service) NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload) {
	if !s.Enabled() {
		return
	}
	if s.skip[payload.JobType] {
		s.log.DebugContext(ctx, "alert suppressed", "job_id", payload.JobID, "job_type", payload.JobType)
		return
	}
	payload.Severity = notify.Fallback(payload.Severity, notify.SeverityCritical)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	var g errgroup.Group
	for _, r := range s.sinks {
		g.Go(func() error {
			if err := r.Sink.SendJobFailure(ctx, payload); err != nil {
				s.log.ErrorContext(ctx, "alert delivery failed",
					"sink", r.Name,
					"job_id", payload.JobID,
					"job_type", payload.JobType,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}
