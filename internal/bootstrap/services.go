package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"

	"github.com/target/mmk-queue/config"
	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/data"
	"github.com/target/mmk-queue/internal/domain/daemon"
	domainjob "github.com/target/mmk-queue/internal/domain/job"
	"github.com/target/mmk-queue/internal/domain/model"
	"github.com/target/mmk-queue/internal/observability/notify"
	"github.com/target/mmk-queue/internal/observability/notify/pagerduty"
	"github.com/target/mmk-queue/internal/observability/notify/slack"
	"github.com/target/mmk-queue/internal/observability/statsd"
	"github.com/target/mmk-queue/internal/service"
	"github.com/target/mmk-queue/internal/service/failurenotifier"
)

// Daemon name suffixes used when several daemons share one process and hostname.
const (
	schedulerSuffix = "-scheduler"
	apiSuffix       = "-api"
)

// ServiceContainer holds all application services. Master, Scheduler and API are nil
// unless the matching service mode is enabled.
type ServiceContainer struct {
	Stores    core.Stores
	Catalog   *domainjob.Catalog
	Executors *domainjob.Registry
	Queue     *service.QueueService
	Status    *service.StatusService
	Master    *service.MasterService
	Scheduler *service.SchedulerService
	// API is the heartbeat of the app-kind daemon serving the JSON API.
	API           *service.HeartbeatService
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     *statsd.Client
	FailureNotifier *failurenotifier.Service
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config *config.AppConfig
	Stores core.Stores
	// Clock defaults to the system clock.
	Clock  core.Clock
	Logger *slog.Logger
	// Hostname overrides both the configured and the OS hostname (tests).
	Hostname string
	// ClientOnly builds the queue and status services only, ignoring service modes.
	ClientOnly bool
}

// BuildCatalog registers the built-in job types when enabled and the types declared in the
// catalog file. Only built-in types have executors in this binary.
func BuildCatalog(cfg config.JobsConfig, logger *slog.Logger) (*domainjob.Catalog, *domainjob.Registry, error) {
	catalog := domainjob.NewCatalog(domainjob.Defaults{
		Attempts:   cfg.DefaultAttempts,
		Priority:   cfg.DefaultPriority,
		DeferTime:  cfg.DeferTime,
		DeferMax:   cfg.DeferMax,
		ErrorTime:  cfg.ErrorTime,
		WallTime:   cfg.WallTime,
		ZombieTime: cfg.ZombieTime,
	})
	executors := domainjob.NewRegistry()
	if cfg.Builtins {
		if err := domainjob.RegisterBuiltins(catalog, executors); err != nil {
			return nil, nil, fmt.Errorf("register builtin job types: %w", err)
		}
	}
	n, err := domainjob.LoadCatalogFile(catalog, cfg.CatalogFile)
	if err != nil {
		return nil, nil, err
	}
	if logger != nil {
		logger.Info("job catalog loaded", "file", cfg.CatalogFile, "file_types", n, "types", len(catalog.Names()))
	}
	return catalog, executors, nil
}

// buildObservability configures the StatsD sink and the failure alert fan-out.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig, hostname string) ObservabilityContainer {
	tags := maps.Clone(cfg.Metrics.Tags)
	if tags == nil {
		tags = make(map[string]string, 1)
	}
	if _, ok := tags["host"]; !ok {
		tags["host"] = hostname
	}
	metricsSink, err := statsd.NewClient(statsd.Config{
		Enabled:    cfg.Metrics.Enabled,
		Address:    cfg.Metrics.Address,
		Prefix:     cfg.Metrics.Prefix,
		Logger:     logger,
		GlobalTags: tags,
	})
	if err != nil {
		// a nil client drops metrics
		logger.Error("statsd disabled", "address", cfg.Metrics.Address, "error", err)
		metricsSink = nil
	}

	return ObservabilityContainer{
		MetricsSink:     metricsSink,
		FailureNotifier: buildFailureNotifier(logger, cfg.Notify),
	}
}

// buildFailureNotifier returns nil when no sink is active.
func buildFailureNotifier(logger *slog.Logger, cfg config.NotifyConfig) *failurenotifier.Service {
	var sinks []failurenotifier.SinkRegistration
	register := func(name string, sink notify.Sink, err error) {
		if err != nil {
			logger.Error("alert sink disabled", "sink", name, "error", err)
			return
		}
		sinks = append(sinks, failurenotifier.SinkRegistration{Name: name, Sink: sink})
	}

	if cfg.SlackActive() {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   cfg.Slack.WebhookURL,
			Channel:      cfg.Slack.Channel,
			Username:     cfg.Slack.Username,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			JobURLPrefix: cfg.JobURLPrefix,
		})
		register("slack", client, err)
	}
	if cfg.PagerDutyActive() {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey:   cfg.PagerDuty.RoutingKey,
			Source:       cfg.PagerDuty.Source,
			Component:    cfg.PagerDuty.Component,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			JobURLPrefix: cfg.JobURLPrefix,
		})
		register("pagerduty", client, err)
	}

	if len(sinks) == 0 {
		if cfg.Enabled {
			logger.Warn("NOTIFY_ENABLED is set but no alert sink is configured")
		}
		return nil
	}
	return failurenotifier.NewService(failurenotifier.Options{
		Logger:  logger,
		Sinks:   sinks,
		Timeout: cfg.Timeout,
		Skip:    cfg.SkipTypes,
	})
}

func resolveHostname(deps *ServiceDeps) (string, error) {
	if deps.Hostname != "" {
		return deps.Hostname, nil
	}
	if deps.Config.Daemon.Hostname != "" {
		return deps.Config.Daemon.Hostname, nil
	}
	h, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("resolve hostname: %w", err)
	}
	return h, nil
}

type heartbeatParams struct {
	name     string
	kind     model.DaemonKind
	endpoint model.Endpoint
}

func newHeartbeat(deps *ServiceDeps, hostname string, p heartbeatParams) (*service.HeartbeatService, error) {
	identity, err := daemon.NewIdentity(p.name, hostname, p.kind)
	if err != nil {
		return nil, err
	}
	return service.NewHeartbeatService(service.HeartbeatServiceOptions{
		Registry:  deps.Stores.Daemons,
		Sentinels: deps.Stores.Sentinels,
		Clock:     deps.Clock,
		Identity:  identity,
		Endpoint:  p.endpoint,
		Interval:  deps.Config.Daemon.HeartbeatInterval,
		Logger:    deps.Logger,
	})
}

// NewServices builds the services of every enabled mode on top of deps.Stores.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps with config are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = &data.RealTimeProvider{}
	}
	cfg := deps.Config

	hostname, err := resolveHostname(deps)
	if err != nil {
		return ServiceContainer{}, err
	}
	catalog, executors, err := BuildCatalog(cfg.Jobs, deps.Logger)
	if err != nil {
		return ServiceContainer{}, err
	}
	obs := buildObservability(deps.Logger, cfg.Observability, hostname)

	c := ServiceContainer{
		Stores:        deps.Stores,
		Catalog:       catalog,
		Executors:     executors,
		Observability: obs,
	}

	// The queue service stamps enqueue hostnames and restart lock owners with this identity.
	caller, err := daemon.NewIdentity(cfg.Daemon.Name, hostname, model.DaemonKindApp)
	if err != nil {
		return ServiceContainer{}, err
	}
	c.Queue, err = service.NewQueueService(service.QueueServiceOptions{
		Stores:   deps.Stores,
		Catalog:  catalog,
		Clock:    deps.Clock,
		Identity: caller,
		Logger:   deps.Logger,
		Metrics:  obs.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("queue service: %w", err)
	}
	c.Status, err = service.NewStatusService(service.StatusServiceOptions{
		Stores:       deps.Stores,
		Clock:        deps.Clock,
		AliveTimeout: cfg.Daemon.AliveTimeout,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("status service: %w", err)
	}
	if deps.ClientOnly {
		return c, nil
	}

	if cfg.IsMasterEnabled() {
		if c.Master, err = newMasterService(deps, hostname, c); err != nil {
			return ServiceContainer{}, err
		}
	}
	if cfg.IsSchedulerEnabled() {
		if c.Scheduler, err = newSchedulerService(deps, hostname, c); err != nil {
			return ServiceContainer{}, err
		}
	}
	if cfg.IsAPIEnabled() {
		host, port := cfg.HTTP.HostPort()
		if host == "" {
			host = hostname
		}
		c.API, err = newHeartbeat(deps, hostname, heartbeatParams{
			name:     cfg.Daemon.Name + apiSuffix,
			kind:     model.DaemonKindApp,
			endpoint: model.Endpoint{Protocol: cfg.HTTP.Protocol, Address: host, Port: port},
		})
		if err != nil {
			return ServiceContainer{}, fmt.Errorf("api heartbeat: %w", err)
		}
	}
	return c, nil
}

func newMasterService(deps *ServiceDeps, hostname string, c ServiceContainer) (*service.MasterService, error) {
	hb, err := newHeartbeat(deps, hostname, heartbeatParams{
		name: deps.Config.Daemon.Name,
		kind: model.DaemonKindWorker,
	})
	if err != nil {
		return nil, fmt.Errorf("master heartbeat: %w", err)
	}
	m, err := service.NewMasterService(service.MasterServiceOptions{
		Stores:          deps.Stores,
		Executors:       c.Executors,
		Clock:           deps.Clock,
		Heartbeat:       hb,
		Config:          deps.Config.Master,
		AliveTimeout:    deps.Config.Daemon.AliveTimeout,
		Logger:          deps.Logger,
		Metrics:         c.Observability.MetricsSink,
		FailureNotifier: c.Observability.FailureNotifier,
	})
	if err != nil {
		return nil, fmt.Errorf("master service: %w", err)
	}
	return m, nil
}

func newSchedulerService(deps *ServiceDeps, hostname string, c ServiceContainer) (*service.SchedulerService, error) {
	hb, err := newHeartbeat(deps, hostname, heartbeatParams{
		name: deps.Config.Daemon.Name + schedulerSuffix,
		kind: model.DaemonKindScheduler,
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler heartbeat: %w", err)
	}
	s, err := service.NewSchedulerService(service.SchedulerServiceOptions{
		Queue:     c.Queue,
		Catalog:   c.Catalog,
		Sentinels: deps.Stores.Sentinels,
		Clock:     deps.Clock,
		Heartbeat: hb,
		Config:    deps.Config.Scheduler,
		Logger:    deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler service: %w", err)
	}
	return s, nil
}
