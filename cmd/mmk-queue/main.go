// Command mmk-queue runs the queue daemons selected by SERVICES: the master loop, the
// cron scheduler and the JSON API.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/target/mmk-queue/internal/bootstrap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx)
	stop()
	if err != nil {
		slog.ErrorContext(ctx, "mmk-queue stopped with error", "error", err)
		os.Exit(1) //nolint:forbidigo // non-zero exit for supervisors
	}
}

func run(ctx context.Context) error {
	logger := bootstrap.InitLogger()
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	logger = bootstrap.ConfigureLogger(cfg.Observability)
	if err := bootstrap.ValidateServiceConfig(&cfg); err != nil {
		return err
	}
	logger.InfoContext(ctx, "starting mmk-queue",
		"store", cfg.Store.Driver,
		"daemon", cfg.Daemon.Name,
		"services", bootstrap.GetEnabledServices(&cfg),
		"redis", cfg.Redis.Enabled,
	)

	stores, err := bootstrap.OpenStores(ctx, bootstrap.StoreDeps{Config: &cfg, Logger: logger})
	if err != nil {
		return err
	}
	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{Config: &cfg, Stores: stores, Logger: logger})
	if err != nil {
		if cerr := stores.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.ErrorContext(ctx, "close stores", "error", cerr)
		}
		return err
	}
	defer func() {
		if cerr := services.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.ErrorContext(ctx, "close services", "error", cerr)
		}
	}()

	return bootstrap.RunServices(ctx, &bootstrap.ServiceOrchestrationConfig{
		Config:   &cfg,
		Services: services,
		Logger:   logger,
	})
}
