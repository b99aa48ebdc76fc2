// Package master models the master's execution plan: an ordered set of named phases,
// each running on its own interval. The plan is pure; callers inject the current time.
package master

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Phase names, in execution order.
const (
	PhaseWorkJobs     = "work_jobs"
	PhaseKillJobs     = "kill_jobs"
	PhaseInactiveJobs = "inactive_jobs"
	PhaseNonstopJobs  = "nonstop_jobs"
	PhaseNopidJobs    = "nopid_jobs"
	PhaseCollectStats = "collect_stats"
)

// PhaseOrder is the fixed order in which due phases execute within a cycle.
var PhaseOrder = []string{
	PhaseWorkJobs,
	PhaseKillJobs,
	PhaseInactiveJobs,
	PhaseNonstopJobs,
	PhaseNopidJobs,
	PhaseCollectStats,
}

// ErrEmptyPlan is returned when a plan has no steps.
var ErrEmptyPlan = errors.New("execution plan has no steps")

// PhaseFunc executes one phase.
type PhaseFunc func(ctx context.Context) error

// StepDef declares a plan step.
type StepDef struct {
	Name     string
	Interval time.Duration
	Run      PhaseFunc
}

// Step is a scheduled phase.
type Step struct {
	Name     string
	Interval time.Duration
	Next     time.Time
	Last     time.Time
	Runs     int
	Run      PhaseFunc
}

// Plan is the ordered set of steps. It is not safe for concurrent use; the master owns it.
type Plan struct {
	steps []*Step
	tick  time.Duration
}

// NewPlan builds a plan whose steps are first due at now + interval.
func NewPlan(now time.Time, defs []StepDef) (*Plan, error) {
	if len(defs) == 0 {
		return nil, ErrEmptyPlan
	}
	p := &Plan{steps: make([]*Step, 0, len(defs))}
	seen := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return nil, errors.New("plan step name is required")
		}
		if _, dup := seen[d.Name]; dup {
			return nil, fmt.Errorf("plan step %q declared twice", d.Name)
		}
		seen[d.Name] = struct{}{}
		if d.Interval <= 0 {
			return nil, fmt.Errorf("plan step %q: interval must be positive, got %s", d.Name, d.Interval)
		}
		if d.Run == nil {
			return nil, fmt.Errorf("plan step %q: phase function is required", d.Name)
		}
		p.steps = append(p.steps, &Step{
			Name:     d.Name,
			Interval: d.Interval,
			Next:     now.Add(d.Interval),
			Run:      d.Run,
		})
		if p.tick == 0 || d.Interval < p.tick {
			p.tick = d.Interval
		}
	}
	return p, nil
}

// Tick returns the loop sleep granularity: the smallest step interval.
func (p *Plan) Tick() time.Duration {
	return p.tick
}

// Due returns the steps whose next-due time has elapsed at now, in plan order.
func (p *Plan) Due(now time.Time) []*Step {
	var due []*Step
	for _, s := range p.steps {
		if !now.Before(s.Next) {
			due = append(due, s)
		}
	}
	return due
}

// Done records that s ran in the cycle started at cycle and reschedules it to cycle + interval.
func (p *Plan) Done(s *Step, cycle time.Time) {
	s.Last = cycle
	s.Runs++
	s.Next = cycle.Add(s.Interval)
}

// Snapshot returns copies of the steps for reporting.
func (p *Plan) Snapshot() []Step {
	out := make([]Step, len(p.steps))
	for i, s := range p.steps {
		out[i] = *s
	}
	return out
}
