package config

import (
	"errors"
	"fmt"
	"strings"
)

// AppConfig is everything a mmkq process reads from its environment (and an optional
// .env file). Each section lives in its own file:
//
//	database.go       STORE_DRIVER, DB_*, MONGO_*, REDIS_*
//	http.go           HTTP_*
//	services.go       SERVICES, MASTER_*, DAEMON_*, JOB_*, SCHEDULER_*
//	observability.go  LOG_LEVEL, METRICS_*, NOTIFY_*
type AppConfig struct {
	Store    StoreConfig
	Postgres DBConfig    `envPrefix:"DB_"`
	Mongo    MongoConfig `envPrefix:"MONGO_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	HTTP HTTPConfig

	// Services is a comma separated subset of master, scheduler and api.
	Services string `env:"SERVICES" envDefault:"master"`

	Master    MasterConfig
	Daemon    DaemonConfig
	Jobs      JobsConfig
	Scheduler SchedulerConfig

	Observability ObservabilityConfig
}

// Sanitize clamps and normalizes values in place. Call it once after parsing.
func (c *AppConfig) Sanitize() {
	c.Store.Sanitize()
	c.Postgres.Sanitize()
	c.Mongo.Sanitize()
	c.Redis.Sanitize()
	c.HTTP.Sanitize()
	c.Master.Sanitize()
	c.Daemon.Sanitize()
	c.Jobs.Sanitize()
	c.Scheduler.Sanitize()
	c.Observability.Sanitize()
}

// Validate reports every setting Sanitize cannot repair.
func (c *AppConfig) Validate() error {
	errs := []error{c.Store.Validate()}
	if _, err := c.GetEnabledServices(); err != nil {
		errs = append(errs, fmt.Errorf("SERVICES: %w", err))
	}
	if c.Store.Driver == StoreDriverMongo && c.Mongo.URI == "" {
		errs = append(errs, errors.New("MONGO_URI is required when STORE_DRIVER=mongo"))
	}
	if c.IsAPIEnabled() {
		if _, port := c.HTTP.HostPort(); port == 0 && !strings.HasSuffix(c.HTTP.Addr, ":0") {
			errs = append(errs, fmt.Errorf("HTTP_ADDR %q is not host:port", c.HTTP.Addr))
		}
	}
	return errors.Join(errs...)
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

func (c *AppConfig) serviceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// IsMasterEnabled returns true if the master control loop is enabled.
func (c *AppConfig) IsMasterEnabled() bool {
	return c.serviceEnabled(ServiceModeMaster)
}

// IsSchedulerEnabled returns true if the scheduler daemon is enabled.
func (c *AppConfig) IsSchedulerEnabled() bool {
	return c.serviceEnabled(ServiceModeScheduler)
}

// IsAPIEnabled returns true if the JSON API is enabled.
func (c *AppConfig) IsAPIEnabled() bool {
	return c.serviceEnabled(ServiceModeAPI)
}
