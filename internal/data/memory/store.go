// Package memory implements every store port in process memory. It backs tests,
// simulated runs and single-process deployments (STORE_DRIVER=memory).
package memory

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
)

var (
	_ core.JobStore       = (*Store)(nil)
	_ core.JournalStore   = (*Store)(nil)
	_ core.LockStore      = (*Store)(nil)
	_ core.DaemonRegistry = (*Store)(nil)
	_ core.SentinelStore  = (*Store)(nil)
	_ core.StatStore      = (*Store)(nil)
	_ core.SnapshotCache  = (*Store)(nil)
)

// Store holds all collections behind a single lock, which makes every operation atomic.
type Store struct {
	mu sync.RWMutex

	seq       int64
	jobs      map[string]*model.Job
	natural   map[string]string // name\x00fingerprint -> id
	journal   map[string]*model.Job
	journaled []string // ids in archive order
	locks     map[string]string
	daemons   map[string]*model.DaemonRecord
	sentinels map[string]time.Time
	stats     []*model.StatRecord
	snapshot  *model.QueueSnapshot
}

// New creates an empty store.
func New() *Store {
	return &Store{
		jobs:      make(map[string]*model.Job),
		natural:   make(map[string]string),
		journal:   make(map[string]*model.Job),
		locks:     make(map[string]string),
		daemons:   make(map[string]*model.DaemonRecord),
		sentinels: make(map[string]time.Time),
	}
}

// Stores returns the bundle backed by this store.
func (s *Store) Stores() core.Stores {
	return core.Stores{
		Jobs:      s,
		Journal:   s,
		Locks:     s,
		Daemons:   s,
		Sentinels: s,
		Stats:     s,
		Snapshots: s,
	}
}

func naturalKey(j *model.Job) string {
	return j.Name + "\x00" + j.Fingerprint
}

func seqOf(id string) int64 {
	n, _ := strconv.ParseInt(id, 10, 64)
	return n
}

func byID(a, b *model.Job) int {
	return cmp.Compare(seqOf(a.ID), seqOf(b.ID))
}

// insertLocked assigns an ID and stores j. Caller holds s.mu.
func (s *Store) insertLocked(j *model.Job) (*model.Job, bool) {
	key := naturalKey(j)
	if _, dup := s.natural[key]; dup {
		return nil, false
	}
	s.seq++
	stored := j.Clone()
	stored.ID = strconv.FormatInt(s.seq, 10)
	s.jobs[stored.ID] = stored
	s.natural[key] = stored.ID
	return stored.Clone(), true
}

func (s *Store) deleteLocked(id string) {
	if j, ok := s.jobs[id]; ok {
		delete(s.natural, naturalKey(j))
		delete(s.jobs, id)
	}
}

func (s *Store) journalLocked(j *model.Job) error {
	if _, dup := s.journal[j.ID]; dup {
		return apperrors.Invariantf("journal already holds job %s", j.ID)
	}
	s.journal[j.ID] = j.Clone()
	s.journaled = append(s.journaled, j.ID)
	return nil
}

// InsertJob implements core.JobStore.
func (s *Store) InsertJob(_ context.Context, job *model.Job) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.insertLocked(job)
	if !ok {
		return nil, apperrors.Conflictf("job %s already exists with these arguments", job.Name)
	}
	return stored, nil
}

// GetJob implements core.JobStore.
func (s *Store) GetJob(_ context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	return j.Clone(), nil
}

// ListJobs implements core.JobStore.
func (s *Store) ListJobs(_ context.Context, filter model.JobFilter) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if core.MatchesFilter(j, filter) {
			out = append(out, j.Clone())
		}
	}
	slices.SortFunc(out, byID)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateJob implements core.JobStore.
func (s *Store) UpdateJob(_ context.Context, upd core.JobUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[upd.ID]
	if !ok || !upd.Condition.Matches(j) {
		return false, nil
	}
	upd.Patch.Apply(j)
	return true, nil
}

// ClaimNext implements core.JobStore. Jobs are claimed by priority, then by ID.
func (s *Store) ClaimNext(_ context.Context, params core.ClaimParams) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *model.Job
	for _, j := range s.jobs {
		if !j.Due(params.Now) {
			continue
		}
		if len(params.Names) > 0 && !slices.Contains(params.Names, j.Name) {
			continue
		}
		if best == nil || j.Priority > best.Priority ||
			(j.Priority == best.Priority && seqOf(j.ID) < seqOf(best.ID)) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	core.ClaimJob(best, params.Lock, params.Now)
	return best.Clone(), nil
}

// ArchiveJob implements core.JobStore.
func (s *Store) ArchiveJob(_ context.Context, upd core.JobUpdate) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live, ok := s.jobs[upd.ID]
	if !ok || !upd.Condition.Matches(live) {
		return nil, nil
	}
	archived := live.Clone()
	upd.Patch.Apply(archived)
	if err := s.journalLocked(archived); err != nil {
		return nil, err
	}
	s.deleteLocked(upd.ID)
	return archived.Clone(), nil
}

// ReplaceJob implements core.JobStore.
func (s *Store) ReplaceJob(_ context.Context, old, fresh *model.Job) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live, ok := s.jobs[old.ID]
	if !ok || !live.State.IsStopped() {
		return nil, apperrors.NotFoundf("job %s is not stopped", old.ID)
	}
	archived := live.Clone()
	s.deleteLocked(old.ID)

	stored, ok := s.insertLocked(fresh)
	if !ok {
		// restore the superseded record; the collision is reported as an invariant breach
		s.jobs[archived.ID] = archived
		s.natural[naturalKey(archived)] = archived.ID
		return nil, apperrors.Invariantf("restart of job %s collides with a live job of the same arguments", old.ID)
	}
	archived.Enqueued.ChildID = stored.ID
	if err := s.journalLocked(archived); err != nil {
		return nil, err
	}
	return stored, nil
}

// CountByState implements core.JobStore.
func (s *Store) CountByState(_ context.Context) (model.QueueCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(model.QueueCounts)
	for _, j := range s.jobs {
		counts[j.State]++
	}
	return counts, nil
}

// QueueState implements core.JobStore.
func (s *Store) QueueState(_ context.Context) ([]model.QueueStateGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buckets := make(map[model.QueueStateKey]int)
	for _, j := range s.jobs {
		buckets[model.KeyOf(j)]++
	}
	out := make([]model.QueueStateGroup, 0, len(buckets))
	for k, n := range buckets {
		out = append(out, k.Group(n))
	}
	SortGroups(out)
	return out, nil
}

// SortGroups orders aggregation rows by name, state and flags.
func SortGroups(groups []model.QueueStateGroup) {
	slices.SortFunc(groups, func(a, b model.QueueStateGroup) int {
		return cmp.Or(
			cmp.Compare(a.Name, b.Name),
			cmp.Compare(a.State, b.State),
			cmp.Compare(a.Flags(), b.Flags()),
		)
	})
}

// GetJournal implements core.JournalStore.
func (s *Store) GetJournal(_ context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.journal[id]
	if !ok {
		return nil, apperrors.NotFoundf("journal entry %s not found", id)
	}
	return j.Clone(), nil
}

// ListJournal implements core.JournalStore.
func (s *Store) ListJournal(_ context.Context, limit int) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Job, 0, len(s.journaled))
	for i := len(s.journaled) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.journal[s.journaled[i]].Clone())
	}
	return out, nil
}

// TryAcquire implements core.LockStore.
func (s *Store) TryAcquire(_ context.Context, jobID, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[jobID]; held {
		return false, nil
	}
	s.locks[jobID] = owner
	return true, nil
}

// Release implements core.LockStore.
func (s *Store) Release(_ context.Context, jobID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[jobID] == owner {
		delete(s.locks, jobID)
	}
	return nil
}
