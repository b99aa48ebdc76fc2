package config

import (
	"log/slog"
	"strings"
	"time"
)

// ObservabilityConfig covers logging, StatsD metrics and job failure alerts.
type ObservabilityConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// LogFormat is json or text.
	LogFormat string        `env:"LOG_FORMAT" envDefault:"json"`
	Metrics   MetricsConfig `envPrefix:"METRICS_"`
	Notify    NotifyConfig  `envPrefix:"NOTIFY_"`
}

// Sanitize normalizes the log settings and the metrics and alert sections.
func (c *ObservabilityConfig) Sanitize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat)); c.LogFormat != "text" {
		c.LogFormat = "json"
	}
	c.Metrics.Sanitize()
	c.Notify.Sanitize()
}

// SlogLevel maps LogLevel to a slog level; unknown values log at info.
func (c *ObservabilityConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// MetricsConfig controls the StatsD client. Tags are attached to every metric, e.g.
// METRICS_TAGS=env:prod,region:us-east.
type MetricsConfig struct {
	Enabled bool              `env:"ENABLED"        envDefault:"false"`
	Address string            `env:"STATSD_ADDRESS" envDefault:"127.0.0.1:8125"`
	Prefix  string            `env:"PREFIX"         envDefault:"mmkq"`
	Tags    map[string]string `env:"TAGS"`
}

// Sanitize turns metrics off when no address is left after trimming.
func (c *MetricsConfig) Sanitize() {
	c.Address = strings.TrimSpace(c.Address)
	c.Prefix = strings.Trim(strings.TrimSpace(c.Prefix), ".")
	if c.Address == "" {
		c.Enabled = false
	}
}

// NotifyConfig controls the alerts sent when a job ends in the error state or loses its
// process. A sink is active when notifications are enabled and its credential is set.
type NotifyConfig struct {
	Enabled    bool          `env:"ENABLED"     envDefault:"false"`
	Timeout    time.Duration `env:"TIMEOUT"     envDefault:"5s"`
	RetryLimit int           `env:"RETRY_LIMIT" envDefault:"3"`
	// JobURLPrefix turns job ids into links, e.g. "https://queue.example.com/api/jobs".
	JobURLPrefix string `env:"JOB_URL_PREFIX"`
	// SkipTypes lists job types that never alert, e.g. mmk.fail in a demo deployment.
	SkipTypes []string        `env:"SKIP_TYPES" envSeparator:","`
	Slack     SlackConfig     `envPrefix:"SLACK_"`
	PagerDuty PagerDutyConfig `envPrefix:"PAGERDUTY_"`
}

// Sanitize trims credentials and clamps the timeout and retry limit.
func (c *NotifyConfig) Sanitize() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	c.RetryLimit = max(c.RetryLimit, 0)
	c.JobURLPrefix = strings.TrimSpace(c.JobURLPrefix)

	c.Slack.WebhookURL = strings.TrimSpace(c.Slack.WebhookURL)
	c.Slack.Channel = strings.TrimSpace(c.Slack.Channel)
	c.Slack.Username = orDefault(c.Slack.Username, defaultDaemonName)

	c.PagerDuty.RoutingKey = strings.TrimSpace(c.PagerDuty.RoutingKey)
	c.PagerDuty.Source = orDefault(c.PagerDuty.Source, defaultDaemonName)
	c.PagerDuty.Component = orDefault(c.PagerDuty.Component, defaultDaemonName)
}

// SlackActive reports whether alerts go to Slack.
func (c *NotifyConfig) SlackActive() bool { return c.Enabled && c.Slack.WebhookURL != "" }

// PagerDutyActive reports whether alerts go to PagerDuty.
func (c *NotifyConfig) PagerDutyActive() bool { return c.Enabled && c.PagerDuty.RoutingKey != "" }

// SlackConfig addresses a Slack incoming webhook.
type SlackConfig struct {
	WebhookURL string `env:"WEBHOOK_URL"`
	Channel    string `env:"CHANNEL"`
	Username   string `env:"USERNAME"`
}

// PagerDutyConfig addresses a PagerDuty Events API v2 integration.
type PagerDutyConfig struct {
	RoutingKey string `env:"ROUTING_KEY"`
	Source     string `env:"SOURCE"`
	Component  string `env:"COMPONENT" envDefault:"mmkq-master"`
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}
