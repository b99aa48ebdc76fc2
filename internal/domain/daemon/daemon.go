// Package daemon holds daemon identity and the reader-side liveness computation.
package daemon

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/target/mmk-queue/internal/domain/model"
)

// Identity names one running daemon process.
type Identity struct {
	Name     string
	Hostname string
	Kind     model.DaemonKind
	PID      int
	// RunID distinguishes restarts of the same daemon and doubles as lock owner.
	RunID string
}

// NewIdentity builds the identity of the current process. An empty hostname is resolved from the OS.
func NewIdentity(name, hostname string, kind model.DaemonKind) (Identity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Identity{}, fmt.Errorf("daemon name is required")
	}
	if strings.Contains(name, "@") {
		return Identity{}, fmt.Errorf("daemon name %q must not contain '@'", name)
	}
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return Identity{}, fmt.Errorf("resolve hostname: %w", err)
		}
		hostname = h
	}
	return Identity{
		Name:     name,
		Hostname: hostname,
		Kind:     kind,
		PID:      os.Getpid(),
		RunID:    uuid.NewString(),
	}, nil
}

// ID returns the registry key "<name>@<hostname>".
func (i Identity) ID() string {
	return FormatID(i.Name, i.Hostname)
}

// FormatID joins name and hostname into a registry key.
func FormatID(name, hostname string) string {
	return name + "@" + hostname
}

// ParseID splits a registry key into name and hostname.
func ParseID(id string) (name, hostname string, ok bool) {
	i := strings.LastIndex(id, "@")
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}

// Record builds the registration record for this identity.
func (i Identity) Record(endpoint model.Endpoint) *model.DaemonRecord {
	return &model.DaemonRecord{
		ID:       i.ID(),
		Name:     i.Name,
		Hostname: i.Hostname,
		Kind:     i.Kind,
		PID:      i.PID,
		RunID:    i.RunID,
		Endpoint: endpoint,
	}
}

// Status computes the liveness view of rec at now. A daemon is alive when its heartbeat
// is younger than aliveTimeout. A daemon that never entered its loop reports no loop metrics.
func Status(rec *model.DaemonRecord, now time.Time, aliveTimeout time.Duration) model.DaemonStatus {
	st := model.DaemonStatus{
		ID:       rec.ID,
		Kind:     rec.Kind,
		Hostname: rec.Hostname,
		PID:      rec.PID,
		Phase:    rec.Phase,
		Endpoint: rec.Endpoint,
	}
	if rec.Heartbeat != nil {
		age := max(now.Sub(*rec.Heartbeat), 0)
		st.HeartbeatAge = &age
		st.Alive = age < aliveTimeout
	}
	if rec.Phase.Loop != nil {
		loop := *rec.Phase.Loop
		st.Loop = &loop
		lt := max(now.Sub(loop), 0)
		st.LoopTime = &lt
	}
	if rec.Phase.Exit != nil && (rec.Heartbeat == nil || !rec.Phase.Exit.Before(*rec.Heartbeat)) {
		st.Alive = false
	}
	return st
}

// Alive reports whether the daemon identified by rec is alive at now.
func Alive(rec *model.DaemonRecord, now time.Time, aliveTimeout time.Duration) bool {
	return Status(rec, now, aliveTimeout).Alive
}

// HaltRequested reports whether a halt sentinel stamped at halt applies to a daemon started at startup.
func HaltRequested(halt *time.Time, startup time.Time) bool {
	return halt != nil && !halt.Before(startup)
}
