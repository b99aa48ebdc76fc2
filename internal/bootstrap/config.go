package bootstrap

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/target/mmk-queue/config"
)

// EnvFileVar lists dotenv files to load instead of ./.env, comma separated.
const EnvFileVar = "MMKQ_ENV_FILE"

var logLevel = new(slog.LevelVar)

// InitLogger installs a JSON logger on stdout as the slog default. Its level starts at
// info; ConfigureLogger applies the configured level and format.
func InitLogger() *slog.Logger {
	return installLogger(os.Stdout, "json")
}

// ConfigureLogger applies LOG_LEVEL and LOG_FORMAT and returns the new default logger.
func ConfigureLogger(cfg config.ObservabilityConfig) *slog.Logger {
	logLevel.Set(cfg.SlogLevel())
	return installLogger(os.Stdout, cfg.LogFormat)
}

func installLogger(w io.Writer, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel}
	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if format == "text" {
		h = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// LoadConfig loads dotenv files into the process environment, then parses and sanitizes
// the configuration. Variables already set win over dotenv values.
func LoadConfig() (config.AppConfig, error) {
	var cfg config.AppConfig
	if err := loadEnvFiles(os.Getenv(EnvFileVar)); err != nil {
		return cfg, err
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// loadEnvFiles loads the listed files, all of which must exist. With an empty list it
// loads ./.env when present.
func loadEnvFiles(list string) error {
	var files []string
	for _, f := range strings.Split(list, ",") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return fmt.Errorf("load %s: %w", EnvFileVar, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// ValidateServiceConfig rejects a nil or invalid configuration.
func ValidateServiceConfig(cfg *config.AppConfig) error {
	if cfg == nil {
		return errors.New("service config is required")
	}
	return cfg.Validate()
}

// GetEnabledServices lists the enabled service modes in their canonical order. An invalid
// SERVICES value yields an empty list; ValidateServiceConfig reports it.
func GetEnabledServices(cfg *config.AppConfig) []string {
	enabled := []string{}
	if cfg == nil {
		return enabled
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		return enabled
	}
	for _, mode := range config.ValidServiceModes() {
		if services[mode] {
			enabled = append(enabled, string(mode))
		}
	}
	return enabled
}
