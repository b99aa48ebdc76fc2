package core

import (
	"slices"
	"time"

	"github.com/target/mmk-queue/internal/domain/model"
)

// JobUpdate is a conditional single-record update.
type JobUpdate struct {
	ID        string
	Condition JobCondition
	Patch     JobPatch
}

// JobCondition is the predicate a record must satisfy for an update to apply.
// Zero values match everything.
type JobCondition struct {
	States   []model.State
	Set      []model.Marker // markers that must be non-null
	Unset    []model.Marker // markers that must still be null
	LockedBy string         // locked.worker must equal this value
}

// Matches reports whether j satisfies the condition.
func (c JobCondition) Matches(j *model.Job) bool {
	if len(c.States) > 0 && !slices.Contains(c.States, j.State) {
		return false
	}
	for _, m := range c.Set {
		if j.MarkerAt(m) == nil {
			return false
		}
	}
	for _, m := range c.Unset {
		if j.MarkerAt(m) != nil {
			return false
		}
	}
	if c.LockedBy != "" && (j.Locked == nil || j.Locked.Worker != c.LockedBy) {
		return false
	}
	return true
}

// Progress is a progress report from a running job.
type Progress struct {
	At      time.Time
	Value   float64
	Message string
}

// JobPatch lists the field changes of an update. Nil pointers and empty values keep the field.
type JobPatch struct {
	State        model.State
	Mark         []model.Marker
	MarkAt       time.Time
	Unmark       []model.Marker
	QueryAt      *time.Time
	ClearQueryAt bool
	InactiveAt   *time.Time
	AttemptsLeft *int
	FinishedAt   *time.Time
	Runtime      *float64
	LastError    *model.JobError
	ClearLock    bool
	Progress     *Progress
}

// Apply mutates j in place.
func (p JobPatch) Apply(j *model.Job) {
	if p.State != "" {
		j.State = p.State
	}
	for _, m := range p.Mark {
		at := p.MarkAt
		j.SetMarkerAt(m, &at)
	}
	for _, m := range p.Unmark {
		j.SetMarkerAt(m, nil)
	}
	if p.ClearQueryAt {
		j.QueryAt = nil
	}
	if p.QueryAt != nil {
		at := *p.QueryAt
		j.QueryAt = &at
	}
	if p.InactiveAt != nil {
		at := *p.InactiveAt
		j.InactiveAt = &at
	}
	if p.AttemptsLeft != nil {
		j.AttemptsLeft = *p.AttemptsLeft
	}
	if p.FinishedAt != nil {
		at := *p.FinishedAt
		j.FinishedAt = &at
	}
	if p.Runtime != nil {
		j.Runtime = *p.Runtime
	}
	if p.LastError != nil {
		e := *p.LastError
		j.LastError = &e
	}
	if p.ClearLock {
		j.Locked = nil
	}
	if p.Progress != nil && j.Locked != nil {
		at := p.Progress.At
		j.Locked.Heartbeat = &at
		j.Locked.Progress = p.Progress.Value
		j.Locked.Message = p.Progress.Message
	}
}

// ClaimParams identifies the worker claiming a job.
type ClaimParams struct {
	// Names restricts claiming to these job types; empty claims any type.
	Names []string
	Lock  model.LockInfo
	Now   time.Time
}

// ClaimJob applies the claim transition to j: RUNNING, locked by lock, started at now.
func ClaimJob(j *model.Job, lock model.LockInfo, now time.Time) {
	l := lock
	l.At = now
	hb := now
	l.Heartbeat = &hb
	j.State = model.StateRunning
	j.Locked = &l
	at := now
	j.StartedAt = &at
	j.QueryAt = nil
	j.Trial++
}

// MatchesFilter reports whether j passes filter. Limit is ignored.
func MatchesFilter(j *model.Job, f model.JobFilter) bool {
	if len(f.Names) > 0 && !slices.Contains(f.Names, j.Name) {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, j.State) {
		return false
	}
	for _, m := range f.Marked {
		if j.MarkerAt(m) == nil {
			return false
		}
	}
	for _, m := range f.Unmarked {
		if j.MarkerAt(m) != nil {
			return false
		}
	}
	if f.LockedBy != "" && (j.Locked == nil || j.Locked.Worker != f.LockedBy) {
		return false
	}
	return true
}
