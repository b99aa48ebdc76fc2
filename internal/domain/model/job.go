// Package model defines the core data types shared by the queue engine, its stores and its front-ends.
package model

import (
	"fmt"
	"strings"
	"time"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending indicates a job is waiting to be claimed by a worker.
	StatePending State = "pending"
	// StateRunning indicates a job is being executed.
	StateRunning State = "running"
	// StateComplete indicates a job finished successfully. Terminal.
	StateComplete State = "complete"
	// StateDeferred indicates a job postponed its own execution.
	StateDeferred State = "deferred"
	// StateFailed indicates a job failed with attempts left.
	StateFailed State = "failed"
	// StateError indicates a job failed with no attempts left.
	StateError State = "error"
	// StateInactive indicates a job deferred beyond its maximum defer window.
	StateInactive State = "inactive"
	// StateKilled indicates a job was killed on request.
	StateKilled State = "killed"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StatePending,
	StateRunning,
	StateComplete,
	StateDeferred,
	StateFailed,
	StateError,
	StateInactive,
	StateKilled,
}

// StateWaiting holds the states that can be restarted in place.
var StateWaiting = []State{StateDeferred, StateFailed}

// StateStopped holds the states that can only be restarted by cloning into a new identifier.
var StateStopped = []State{StateKilled, StateInactive, StateError}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// IsWaiting reports whether s is a waiting state.
func (s State) IsWaiting() bool {
	return s.in(StateWaiting)
}

// IsStopped reports whether s is a stopped state.
func (s State) IsStopped() bool {
	return s.in(StateStopped)
}

func (s State) in(set []State) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler so states can be parsed from flags and query strings.
func (s *State) UnmarshalText(text []byte) error {
	v := State(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid job state: %q", string(text))
	}
	*s = v
	return nil
}

// Marker names one of the advisory timestamp markers carried by a job record.
// The string value is the persisted field name.
type Marker string

const (
	MarkerKilled  Marker = "killed_at"
	MarkerRemoved Marker = "removed_at"
	MarkerWall    Marker = "wall_at"
	MarkerZombie  Marker = "zombie_at"
)

// AllMarkers lists the markers in flag-string order (zombie, wall, removed, killed).
var AllMarkers = []Marker{MarkerZombie, MarkerWall, MarkerRemoved, MarkerKilled}

// Valid reports whether m is a known marker.
func (m Marker) Valid() bool {
	switch m {
	case MarkerKilled, MarkerRemoved, MarkerWall, MarkerZombie:
		return true
	}
	return false
}

// EnqueueInfo records who enqueued a job and how it relates to restarted predecessors.
type EnqueueInfo struct {
	At       time.Time `json:"at"`
	Hostname string    `json:"hostname"`
	Username string    `json:"username"`
	ParentID string    `json:"parent_id,omitempty"`
	ChildID  string    `json:"child_id,omitempty"`
}

// LockInfo describes the daemon executing a running job.
type LockInfo struct {
	Worker    string     `json:"worker"`
	Hostname  string     `json:"hostname"`
	PID       int        `json:"pid"`
	At        time.Time  `json:"at"`
	Heartbeat *time.Time `json:"heartbeat,omitempty"`
	Progress  float64    `json:"progress"`
	Message   string     `json:"message,omitempty"`
}

// JobError carries the last failure recorded for a job.
type JobError struct {
	Exception string    `json:"exception"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// Timing holds the per-job time policy in seconds. A zero WallTime or ZombieTime disables that check.
type Timing struct {
	DeferTime  int `json:"defer_time"`
	DeferMax   int `json:"defer_max"`
	ErrorTime  int `json:"error_time"`
	WallTime   int `json:"wall_time,omitempty"`
	ZombieTime int `json:"zombie_time,omitempty"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// DeferDelay returns the reschedule delay after a deferral.
func (t Timing) DeferDelay() time.Duration { return seconds(t.DeferTime) }

// DeferWindow returns how long a job may keep deferring before it turns inactive.
func (t Timing) DeferWindow() time.Duration { return seconds(t.DeferMax) }

// ErrorDelay returns the reschedule delay after a failure.
func (t Timing) ErrorDelay() time.Duration { return seconds(t.ErrorTime) }

// Wall returns the maximum expected runtime.
func (t Timing) Wall() time.Duration { return seconds(t.WallTime) }

// Zombie returns the maximum silence between progress reports.
func (t Timing) Zombie() time.Duration { return seconds(t.ZombieTime) }

// Job is a live or journaled job record.
type Job struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Args         map[string]any `json:"args"`
	Fingerprint  string         `json:"fingerprint"`
	State        State          `json:"state"`
	Priority     int            `json:"priority"`
	Attempts     int            `json:"attempts"`
	AttemptsLeft int            `json:"attempts_left"`
	Trial        int            `json:"trial"`
	Timing       Timing         `json:"timing"`
	Enqueued     EnqueueInfo    `json:"enqueued"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	Runtime      float64        `json:"runtime"`
	QueryAt      *time.Time     `json:"query_at,omitempty"`
	InactiveAt   *time.Time     `json:"inactive_at,omitempty"`
	KilledAt     *time.Time     `json:"killed_at,omitempty"`
	RemovedAt    *time.Time     `json:"removed_at,omitempty"`
	WallAt       *time.Time     `json:"wall_at,omitempty"`
	ZombieAt     *time.Time     `json:"zombie_at,omitempty"`
	Locked       *LockInfo      `json:"locked,omitempty"`
	LastError    *JobError      `json:"last_error,omitempty"`
}

// MarkerAt returns the timestamp stored for m, or nil when unset.
func (j *Job) MarkerAt(m Marker) *time.Time {
	switch m {
	case MarkerKilled:
		return j.KilledAt
	case MarkerRemoved:
		return j.RemovedAt
	case MarkerWall:
		return j.WallAt
	case MarkerZombie:
		return j.ZombieAt
	}
	return nil
}

// SetMarkerAt stores at (nil clears) for m.
func (j *Job) SetMarkerAt(m Marker, at *time.Time) {
	switch m {
	case MarkerKilled:
		j.KilledAt = at
	case MarkerRemoved:
		j.RemovedAt = at
	case MarkerWall:
		j.WallAt = at
	case MarkerZombie:
		j.ZombieAt = at
	}
}

// IsZombie reports whether the job stopped advertising progress.
func (j *Job) IsZombie() bool { return j.ZombieAt != nil }

// IsWall reports whether the job exceeded its wall time.
func (j *Job) IsWall() bool { return j.WallAt != nil }

// IsRemoved reports whether removal was requested.
func (j *Job) IsRemoved() bool { return j.RemovedAt != nil }

// IsKilled reports whether a kill was requested.
func (j *Job) IsKilled() bool { return j.KilledAt != nil }

// Flags renders the derived flags as a four-letter string, "." for unset (e.g. "Z..K").
func (j *Job) Flags() string {
	return FlagString(j.IsZombie(), j.IsWall(), j.IsRemoved(), j.IsKilled())
}

// FlagString renders zombie/wall/removed/killed booleans in the canonical flag order.
func FlagString(zombie, wall, removed, killed bool) string {
	var b strings.Builder
	for i, set := range []bool{zombie, wall, removed, killed} {
		if set {
			b.WriteByte("ZWRK"[i])
		} else {
			b.WriteByte('.')
		}
	}
	return b.String()
}

// HighState groups the state for dashboards: waiting, stopped or the state itself.
func (j *Job) HighState() string {
	switch {
	case j.State.IsWaiting():
		return "waiting"
	case j.State.IsStopped():
		return "stopped"
	default:
		return string(j.State)
	}
}

// Due reports whether a pending or waiting job may be claimed at now.
func (j *Job) Due(now time.Time) bool {
	if j.KilledAt != nil || j.RemovedAt != nil {
		return false
	}
	switch {
	case j.State == StatePending:
		return j.QueryAt == nil || !j.QueryAt.After(now)
	case j.State.IsWaiting():
		return j.QueryAt == nil || !j.QueryAt.After(now)
	}
	return false
}

// CloneForRestart builds a fresh pending record copying only the enqueue-relevant fields.
// The caller stamps enqueue metadata; ID is assigned by the store on insert.
func (j *Job) CloneForRestart(by EnqueueInfo) *Job {
	by.ParentID = j.ID
	by.ChildID = ""
	return &Job{
		Name:         j.Name,
		Args:         cloneArgs(j.Args),
		Fingerprint:  j.Fingerprint,
		State:        StatePending,
		Priority:     j.Priority,
		Attempts:     j.Attempts,
		AttemptsLeft: j.Attempts,
		Timing:       j.Timing,
		Enqueued:     by,
	}
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Args = cloneArgs(j.Args)
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	c.QueryAt = cloneTime(j.QueryAt)
	c.InactiveAt = cloneTime(j.InactiveAt)
	c.KilledAt = cloneTime(j.KilledAt)
	c.RemovedAt = cloneTime(j.RemovedAt)
	c.WallAt = cloneTime(j.WallAt)
	c.ZombieAt = cloneTime(j.ZombieAt)
	if j.Locked != nil {
		l := *j.Locked
		l.Heartbeat = cloneTime(j.Locked.Heartbeat)
		c.Locked = &l
	}
	if j.LastError != nil {
		e := *j.LastError
		c.LastError = &e
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneArgs(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// JobFilter narrows job listings. Zero values match everything.
type JobFilter struct {
	Names    []string
	States   []State
	Marked   []Marker // every listed marker must be set
	Unmarked []Marker // every listed marker must be unset
	LockedBy string
	Limit    int
}
