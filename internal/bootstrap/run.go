package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/target/mmk-queue/config"
	"github.com/target/mmk-queue/internal/service"
)

// ServiceOrchestrationConfig groups the inputs of RunServices.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

// RunServices runs every enabled daemon until ctx is canceled or a halt is requested.
// A halted daemon exits cleanly; the first daemon failing with any other error cancels
// the rest and is returned.
func RunServices(ctx context.Context, cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil {
		return errors.New("service orchestration config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := cfg.Services

	g, gctx := errgroup.WithContext(ctx)
	started := 0
	if c.Master != nil {
		started++
		g.Go(func() error {
			return daemonResult(gctx, logger, string(config.ServiceModeMaster), c.Master.Run(gctx))
		})
	}
	if c.Scheduler != nil {
		started++
		g.Go(func() error {
			return daemonResult(gctx, logger, string(config.ServiceModeScheduler), c.Scheduler.Run(gctx))
		})
	}
	if c.API != nil {
		started++
		api := &apiRuntime{
			server:    NewHTTPServer(HTTPServerConfig{Config: cfg.Config.HTTP, Services: c, Logger: logger}),
			heartbeat: c.API,
			httpCfg:   cfg.Config.HTTP,
			logger:    logger,
		}
		g.Go(func() error {
			return daemonResult(gctx, logger, string(config.ServiceModeAPI), api.run(gctx))
		})
	}
	if started == 0 {
		return errors.New("no services enabled")
	}

	logger.InfoContext(ctx, "services started", "services", GetEnabledServices(cfg.Config))
	err := g.Wait()
	logger.InfoContext(ctx, "services stopped", "error", err)
	return err
}

func daemonResult(ctx context.Context, logger *slog.Logger, name string, err error) error {
	switch {
	case err == nil:
		logger.InfoContext(ctx, "service stopped", "service", name)
		return nil
	case errors.Is(err, service.ErrHalted):
		if err != service.ErrHalted { //nolint:errorlint // detect extra joined errors
			logger.WarnContext(ctx, "service halted with errors", "service", name, "error", err)
		} else {
			logger.InfoContext(ctx, "service halted", "service", name)
		}
		return nil
	default:
		return fmt.Errorf("%s: %w", name, err)
	}
}

// Close releases the stores and the metrics connection.
func (c ServiceContainer) Close(ctx context.Context) error {
	var errs []error
	if err := c.Stores.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close stores: %w", err))
	}
	if err := c.Observability.MetricsSink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close statsd: %w", err))
	}
	return errors.Join(errs...)
}
