package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeMaster runs the master control loop (worker-kind daemon).
	ServiceModeMaster ServiceMode = "master"
	// ServiceModeScheduler runs the cron scheduler daemon.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeAPI runs the JSON API (app-kind daemon).
	ServiceModeAPI ServiceMode = "api"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeMaster,
		ServiceModeScheduler,
		ServiceModeAPI,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.ToLower(strings.TrimSpace(part))
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeMaster, ServiceModeScheduler, ServiceModeAPI:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: master, scheduler, api)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// MasterConfig contains master control loop configuration.
type MasterConfig struct {
	// Per-phase intervals of the execution plan.
	WorkJobs     time.Duration `env:"MASTER_INTERVAL_WORK_JOBS"     envDefault:"1s"`
	KillJobs     time.Duration `env:"MASTER_INTERVAL_KILL_JOBS"     envDefault:"5s"`
	InactiveJobs time.Duration `env:"MASTER_INTERVAL_INACTIVE_JOBS" envDefault:"30s"`
	NonstopJobs  time.Duration `env:"MASTER_INTERVAL_NONSTOP_JOBS"  envDefault:"30s"`
	NopidJobs    time.Duration `env:"MASTER_INTERVAL_NOPID_JOBS"    envDefault:"30s"`
	CollectStats time.Duration `env:"MASTER_INTERVAL_COLLECT_STATS" envDefault:"20s"`

	// MaxParallel bounds the jobs executing concurrently in this process.
	MaxParallel int `env:"MASTER_MAX_PARALLEL" envDefault:"4"`

	// RunDir holds the master's host-local lock file.
	RunDir string `env:"MASTER_RUN_DIR" envDefault:"/tmp/mmkq"`

	// JobTypes restricts the types this master claims. Empty claims every type it can execute.
	JobTypes []string `env:"MASTER_JOB_TYPES" envSeparator:","`

	// DrainTimeout bounds how long shutdown waits for in-flight jobs.
	DrainTimeout time.Duration `env:"MASTER_DRAIN_TIMEOUT" envDefault:"30s"`
}

// Sanitize applies guardrails to master configuration values.
func (m *MasterConfig) Sanitize() {
	for _, iv := range []*time.Duration{
		&m.WorkJobs, &m.KillJobs, &m.InactiveJobs, &m.NonstopJobs, &m.NopidJobs, &m.CollectStats,
	} {
		if *iv < 100*time.Millisecond {
			*iv = 100 * time.Millisecond
		}
	}
	if m.MaxParallel < 1 {
		m.MaxParallel = 1
	}
	if strings.TrimSpace(m.RunDir) == "" {
		m.RunDir = "/tmp/mmkq"
	}
	if m.DrainTimeout <= 0 {
		m.DrainTimeout = 30 * time.Second
	}
}

// defaultDaemonName names daemons, alert senders and metric prefixes when unset.
const defaultDaemonName = "mmkq"

// DaemonConfig contains the heartbeat registry configuration shared by every daemon.
type DaemonConfig struct {
	// Name is the daemon name; the registry key is "<name>@<hostname>".
	Name string `env:"DAEMON_NAME" envDefault:"mmkq"`
	// Hostname overrides the OS hostname.
	Hostname string `env:"DAEMON_HOSTNAME"`

	HeartbeatInterval time.Duration `env:"DAEMON_HEARTBEAT_INTERVAL" envDefault:"5s"`
	AliveTimeout      time.Duration `env:"DAEMON_ALIVE_TIMEOUT"      envDefault:"60s"`
}

// Sanitize applies guardrails to daemon configuration values.
func (d *DaemonConfig) Sanitize() {
	d.Name = orDefault(d.Name, defaultDaemonName)
	if d.HeartbeatInterval < 100*time.Millisecond {
		d.HeartbeatInterval = 100 * time.Millisecond
	}
	// a daemon must be able to miss at least one beat before it is reported dead
	if d.AliveTimeout < 2*d.HeartbeatInterval {
		d.AliveTimeout = 2 * d.HeartbeatInterval
	}
}

// JobsConfig contains the job-type catalog configuration.
type JobsConfig struct {
	// CatalogFile is an optional TOML file declaring job types.
	CatalogFile string `env:"JOB_CATALOG_FILE"`

	// Builtins registers the mmk.* demo job types.
	Builtins bool `env:"JOB_BUILTINS" envDefault:"true"`

	DefaultAttempts int `env:"JOB_DEFAULT_ATTEMPTS" envDefault:"1"`
	DefaultPriority int `env:"JOB_DEFAULT_PRIORITY" envDefault:"0"`
	// Times in seconds.
	DeferTime  int `env:"JOB_DEFER_TIME"  envDefault:"300"`
	DeferMax   int `env:"JOB_DEFER_MAX"   envDefault:"3600"`
	ErrorTime  int `env:"JOB_ERROR_TIME"  envDefault:"600"`
	WallTime   int `env:"JOB_WALL_TIME"   envDefault:"0"`
	ZombieTime int `env:"JOB_ZOMBIE_TIME" envDefault:"1800"`
}

// Sanitize applies guardrails to job defaults.
func (j *JobsConfig) Sanitize() {
	if j.DefaultAttempts < 1 {
		j.DefaultAttempts = 1
	}
	for _, v := range []*int{&j.DeferTime, &j.DeferMax, &j.ErrorTime, &j.WallTime, &j.ZombieTime} {
		if *v < 0 {
			*v = 0
		}
	}
}

// SchedulerConfig contains scheduler daemon configuration.
type SchedulerConfig struct {
	// Interval is the scheduler tick interval.
	Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"10s"`

	// MaxLag bounds how far back a stale cursor is honored; older occurrences are skipped.
	MaxLag time.Duration `env:"SCHEDULER_MAX_LAG" envDefault:"1h"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.Interval < time.Second {
		s.Interval = time.Second
	}
	if s.MaxLag < s.Interval {
		s.MaxLag = s.Interval
	}
}
