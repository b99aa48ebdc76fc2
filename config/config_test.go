package config

import (
	"log/slog"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseEnv(t *testing.T, vars map[string]string) AppConfig {
	t.Helper()
	var cfg AppConfig
	require.NoError(t, env.ParseWithOptions(&cfg, env.Options{Environment: vars}))
	cfg.Sanitize()
	return cfg
}

func TestParseServices(t *testing.T) {
	cases := map[string]struct {
		in   string
		want map[ServiceMode]bool
	}{
		"master":             {in: "master", want: map[ServiceMode]bool{ServiceModeMaster: true}},
		"mixed case, padded": {in: " Master , scheduler , API ", want: map[ServiceMode]bool{ServiceModeMaster: true, ServiceModeScheduler: true, ServiceModeAPI: true}},
		"repeated":           {in: "api,api", want: map[ServiceMode]bool{ServiceModeAPI: true}},
		"blank":              {in: ""},
		"separators only":    {in: " , , "},
		"unknown service":    {in: "master,http"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := ParseServices(tc.in)
			if tc.want == nil {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestAppConfig_ServiceToggles(t *testing.T) {
	for _, tc := range []struct {
		services               string
		master, scheduler, api bool
	}{
		{services: "master", master: true},
		{services: "scheduler,api", scheduler: true, api: true},
		{services: "master,scheduler,api", master: true, scheduler: true, api: true},
		{services: "bogus"},
	} {
		cfg := AppConfig{Services: tc.services}
		assert.Equal(t, tc.master, cfg.IsMasterEnabled(), tc.services)
		assert.Equal(t, tc.scheduler, cfg.IsSchedulerEnabled(), tc.services)
		assert.Equal(t, tc.api, cfg.IsAPIEnabled(), tc.services)
	}
}

func TestAppConfig_Defaults(t *testing.T) {
	cfg := parseEnv(t, map[string]string{})

	assert.Equal(t, StoreDriverPostgres, cfg.Store.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Store.LockStaleAfter)
	assert.Equal(t, time.Second, cfg.Master.WorkJobs)
	assert.Equal(t, 5*time.Second, cfg.Master.KillJobs)
	assert.Equal(t, time.Minute, cfg.Daemon.AliveTimeout)
	assert.Equal(t, 300, cfg.Jobs.DeferTime)
	assert.Equal(t, 3600, cfg.Jobs.DeferMax)
	assert.Equal(t, 600, cfg.Jobs.ErrorTime)
	assert.False(t, cfg.Observability.Metrics.Enabled)
	assert.False(t, cfg.Observability.Notify.SlackActive())
	assert.NoError(t, cfg.Validate())
}

func TestAppConfig_FromEnvironment(t *testing.T) {
	cfg := parseEnv(t, map[string]string{
		"STORE_DRIVER":              " Mongo ",
		"MONGO_URI":                 "mongodb://db:27017",
		"MONGO_TRANSACTIONS":        "true",
		"REDIS_ENABLED":             "true",
		"REDIS_LOCKS":               "true",
		"SERVICES":                  "master,api",
		"MASTER_INTERVAL_WORK_JOBS": "2s",
		"MASTER_JOB_TYPES":          "mmk.noop,mmk.sleep",
		"DAEMON_NAME":               "node1",
		"LOG_LEVEL":                 "DEBUG",
	})

	assert.Equal(t, StoreDriverMongo, cfg.Store.Driver)
	assert.True(t, cfg.Mongo.Transactions)
	assert.Equal(t, "mongodb://db:27017", cfg.Mongo.URI)
	assert.True(t, cfg.Redis.Locks)
	assert.Equal(t, 2*time.Second, cfg.Master.WorkJobs)
	assert.Equal(t, []string{"mmk.noop", "mmk.sleep"}, cfg.Master.JobTypes)
	assert.Equal(t, "node1", cfg.Daemon.Name)
	assert.Equal(t, slog.LevelDebug, cfg.Observability.SlogLevel())
	assert.NoError(t, cfg.Validate())
}

func TestAppConfig_Validate(t *testing.T) {
	bad := AppConfig{Services: "worker", Store: StoreConfig{Driver: "sqlite"}}
	assert.Error(t, bad.Validate())

	noURI := AppConfig{Services: "master", Store: StoreConfig{Driver: StoreDriverMongo}}
	assert.Error(t, noURI.Validate(), "mongo needs MONGO_URI")

	badAddr := AppConfig{Services: "api", Store: StoreConfig{Driver: StoreDriverMemory}, HTTP: HTTPConfig{Addr: "8080"}}
	assert.ErrorContains(t, badAddr.Validate(), "HTTP_ADDR")

	anyPort := AppConfig{Services: "api", Store: StoreConfig{Driver: StoreDriverMemory}, HTTP: HTTPConfig{Addr: "127.0.0.1:0"}}
	assert.NoError(t, anyPort.Validate())
}

func TestSanitize_Guardrails(t *testing.T) {
	m := MasterConfig{WorkJobs: time.Millisecond}
	m.Sanitize()
	assert.Equal(t, 100*time.Millisecond, m.WorkJobs)
	assert.Equal(t, 1, m.MaxParallel)
	assert.NotEmpty(t, m.RunDir)

	d := DaemonConfig{HeartbeatInterval: 10 * time.Second, AliveTimeout: 5 * time.Second}
	d.Sanitize()
	assert.Equal(t, 20*time.Second, d.AliveTimeout, "alive timeout covers two heartbeats")

	r := RedisConfig{Locks: true}
	r.Sanitize()
	assert.False(t, r.Locks, "redis locks need redis")

	st := StoreConfig{LockStaleAfter: time.Second}
	st.Sanitize()
	assert.Equal(t, StoreDriverPostgres, st.Driver)
	assert.Equal(t, 10*time.Second, st.LockStaleAfter)

	s := SchedulerConfig{}
	s.Sanitize()
	assert.Equal(t, time.Second, s.Interval)
	assert.Equal(t, time.Second, s.MaxLag)
}

func TestHTTPConfig_HostPort(t *testing.T) {
	host, port := HTTPConfig{Addr: "127.0.0.1:9090"}.HostPort()
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 9090, port)

	host, port = HTTPConfig{Addr: ":8080"}.HostPort()
	assert.Empty(t, host)
	assert.Equal(t, 8080, port)

	_, port = HTTPConfig{Addr: "bogus"}.HostPort()
	assert.Zero(t, port)
}

func TestMetricsConfig_Sanitize(t *testing.T) {
	cfg := MetricsConfig{Enabled: true, Address: " ", Prefix: "mmkq."}
	cfg.Sanitize()
	assert.False(t, cfg.Enabled, "no address disables metrics")
	assert.Equal(t, "mmkq", cfg.Prefix)

	cfg = MetricsConfig{Enabled: true, Address: " statsd:1234 "}
	cfg.Sanitize()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "statsd:1234", cfg.Address)
}

func TestNotifyConfig(t *testing.T) {
	cfg := parseEnv(t, map[string]string{
		"NOTIFY_ENABLED":               "true",
		"NOTIFY_RETRY_LIMIT":           "-2",
		"NOTIFY_TIMEOUT":               "0s",
		"NOTIFY_SLACK_WEBHOOK_URL":     " https://hooks.slack.example/T1 ",
		"NOTIFY_PAGERDUTY_ROUTING_KEY": " ",
		"NOTIFY_SKIP_TYPES":            "mmk.fail,mmk.noop",
		"METRICS_TAGS":                 "env:prod,region:east",
	})

	n := cfg.Observability.Notify
	assert.Equal(t, 5*time.Second, n.Timeout)
	assert.Zero(t, n.RetryLimit)
	assert.True(t, n.SlackActive())
	assert.Equal(t, "https://hooks.slack.example/T1", n.Slack.WebhookURL)
	assert.Equal(t, "mmkq", n.Slack.Username)
	assert.False(t, n.PagerDutyActive(), "a blank routing key leaves PagerDuty off")
	assert.Equal(t, "mmkq-master", n.PagerDuty.Component)
	assert.Equal(t, []string{"mmk.fail", "mmk.noop"}, n.SkipTypes)
	assert.Equal(t, map[string]string{"env": "prod", "region": "east"}, cfg.Observability.Metrics.Tags)

	n.Enabled = false
	assert.False(t, n.SlackActive())
}
