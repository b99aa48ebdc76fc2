package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/target/mmk-queue/config"
	"github.com/target/mmk-queue/internal/bootstrap"
	"github.com/target/mmk-queue/internal/core"
)

// commandContext carries the state shared by every subcommand. Tests replace the loaders
// to run commands against an in-memory store.
type commandContext struct {
	jsonOutput bool
	verbose    bool

	loadConfig func() (config.AppConfig, error)
	openStores func(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (core.Stores, error)
	migrate    func(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) ([]string, error)
	clock      core.Clock
	hostname   string
}

func newCommandContext() *commandContext {
	return &commandContext{
		loadConfig: bootstrap.LoadConfig,
		openStores: func(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (core.Stores, error) {
			return bootstrap.OpenStores(ctx, bootstrap.StoreDeps{Config: cfg, Logger: logger, SkipMigrations: true})
		},
		migrate: bootstrap.Migrate,
	}
}

func (c *commandContext) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func (c *commandContext) config() (config.AppConfig, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return cfg, err
	}
	if err := cfg.Store.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// withServices opens the stores, builds the queue and status services and closes
// everything once fn returns.
func (c *commandContext) withServices(cmd *cobra.Command, fn func(bootstrap.ServiceContainer) error) (err error) {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := c.logger(cmd)

	stores, err := c.openStores(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	svc, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:     &cfg,
		Stores:     stores,
		Clock:      c.clock,
		Logger:     logger,
		Hostname:   c.hostname,
		ClientOnly: true,
	})
	if err != nil {
		if cerr := stores.Close(ctx); cerr != nil {
			logger.Warn("close stores", "error", cerr)
		}
		return err
	}
	defer func() {
		if cerr := svc.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = fmt.Errorf("close: %w", cerr)
		}
	}()
	return fn(svc)
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// output writes v as JSON when --json is set, otherwise the table or text from render.
func (c *commandContext) output(cmd *cobra.Command, v any, render func() string) error {
	if c.jsonOutput {
		return writeJSON(cmd, v)
	}
	_, err := fmt.Fprint(cmd.OutOrStdout(), render())
	return err
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "mmkq"
}
