package model

import "time"

// DaemonKind classifies a registered long-running process.
type DaemonKind string

const (
	// DaemonKindWorker is a process executing jobs (the master loop).
	DaemonKindWorker DaemonKind = "worker"
	// DaemonKindScheduler is a process enqueueing jobs on cron schedules.
	DaemonKindScheduler DaemonKind = "scheduler"
	// DaemonKindApp is a request-serving node.
	DaemonKindApp DaemonKind = "app"
)

// Phase names a daemon lifecycle phase.
type Phase string

const (
	PhaseStartup  Phase = "startup"
	PhaseLoop     Phase = "loop"
	PhaseShutdown Phase = "shutdown"
	PhaseExit     Phase = "exit"
)

// Phases records when a daemon entered each lifecycle phase.
type Phases struct {
	Startup  *time.Time `json:"startup,omitempty"`
	Loop     *time.Time `json:"loop,omitempty"`
	Shutdown *time.Time `json:"shutdown,omitempty"`
	Exit     *time.Time `json:"exit,omitempty"`
}

// At returns the timestamp recorded for p.
func (p Phases) At(phase Phase) *time.Time {
	switch phase {
	case PhaseStartup:
		return p.Startup
	case PhaseLoop:
		return p.Loop
	case PhaseShutdown:
		return p.Shutdown
	case PhaseExit:
		return p.Exit
	}
	return nil
}

// Set records at for phase.
func (p *Phases) Set(phase Phase, at time.Time) {
	switch phase {
	case PhaseStartup:
		p.Startup = &at
	case PhaseLoop:
		p.Loop = &at
	case PhaseShutdown:
		p.Shutdown = &at
	case PhaseExit:
		p.Exit = &at
	}
}

// Endpoint is the routing metadata advertised by app-kind daemons.
type Endpoint struct {
	Protocol string `json:"protocol,omitempty"`
	Address  string `json:"address,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// Empty reports whether no routing metadata is advertised.
func (e Endpoint) Empty() bool {
	return e.Protocol == "" && e.Address == "" && e.Port == 0
}

// DaemonRecord is the registration of one daemon, keyed by "<name>@<hostname>".
type DaemonRecord struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Hostname  string     `json:"hostname"`
	Kind      DaemonKind `json:"kind"`
	PID       int        `json:"pid"`
	RunID     string     `json:"run_id"`
	Heartbeat *time.Time `json:"heartbeat,omitempty"`
	Phase     Phases     `json:"phase"`
	Endpoint  Endpoint   `json:"endpoint"`
}

// DaemonStatus is the liveness view of a daemon computed by a reader at a point in time.
type DaemonStatus struct {
	ID           string         `json:"id"`
	Kind         DaemonKind     `json:"kind"`
	Hostname     string         `json:"hostname"`
	PID          int            `json:"pid"`
	Alive        bool           `json:"alive"`
	HeartbeatAge *time.Duration `json:"heartbeat_age,omitempty"`
	Loop         *time.Time     `json:"loop,omitempty"`
	LoopTime     *time.Duration `json:"loop_time,omitempty"`
	Phase        Phases         `json:"phase"`
	Endpoint     Endpoint       `json:"endpoint"`
}

// Sentinel identifiers stored in the daemon registry next to daemon records.
const (
	SentinelHalt        = "__halt__"
	SentinelMaintenance = "__maintenance__"
	SentinelSchedule    = "__schedule__"
)
