package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
)

func cloneDaemon(r *model.DaemonRecord) *model.DaemonRecord {
	c := *r
	if r.Heartbeat != nil {
		hb := *r.Heartbeat
		c.Heartbeat = &hb
	}
	for _, p := range []model.Phase{model.PhaseStartup, model.PhaseLoop, model.PhaseShutdown, model.PhaseExit} {
		if at := r.Phase.At(p); at != nil {
			c.Phase.Set(p, *at)
		}
	}
	return &c
}

// Register implements core.DaemonRegistry.
func (s *Store) Register(_ context.Context, rec *model.DaemonRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneDaemon(rec)
	s.daemons[c.ID] = c
	return nil
}

func (s *Store) daemonLocked(id string) (*model.DaemonRecord, error) {
	d, ok := s.daemons[id]
	if !ok {
		return nil, apperrors.NotFoundf("daemon %s not registered", id)
	}
	return d, nil
}

// EnterPhase implements core.DaemonRegistry.
func (s *Store) EnterPhase(_ context.Context, id string, phase model.Phase, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.daemonLocked(id)
	if err != nil {
		return err
	}
	d.Phase.Set(phase, at)
	return nil
}

// Beat implements core.DaemonRegistry.
func (s *Store) Beat(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.daemonLocked(id)
	if err != nil {
		return err
	}
	d.Heartbeat = &at
	return nil
}

// ClearEndpoint implements core.DaemonRegistry.
func (s *Store) ClearEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.daemonLocked(id)
	if err != nil {
		return err
	}
	d.Endpoint = model.Endpoint{}
	return nil
}

// ListDaemons implements core.DaemonRegistry.
func (s *Store) ListDaemons(_ context.Context) ([]*model.DaemonRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.DaemonRecord, 0, len(s.daemons))
	for _, d := range s.daemons {
		out = append(out, cloneDaemon(d))
	}
	slices.SortFunc(out, func(a, b *model.DaemonRecord) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// SetSentinel implements core.SentinelStore.
func (s *Store) SetSentinel(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentinels[id] = at
	return nil
}

// GetSentinel implements core.SentinelStore.
func (s *Store) GetSentinel(_ context.Context, id string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.sentinels[id]
	if !ok {
		return nil, nil
	}
	return &at, nil
}

// ClearSentinel implements core.SentinelStore.
func (s *Store) ClearSentinel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sentinels, id)
	return nil
}

// RecordStat implements core.StatStore.
func (s *Store) RecordStat(_ context.Context, rec *model.StatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	c.Counts = make(model.QueueCounts, len(rec.Counts))
	for k, v := range rec.Counts {
		c.Counts[k] = v
	}
	c.Data = slices.Clone(rec.Data)
	s.stats = append(s.stats, &c)
	return nil
}

// LatestStats implements core.StatStore.
func (s *Store) LatestStats(_ context.Context, limit int) ([]*model.StatRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.StatRecord, 0, len(s.stats))
	for i := len(s.stats) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		c := *s.stats[i]
		out = append(out, &c)
	}
	return out, nil
}

// PutSnapshot implements core.SnapshotCache.
func (s *Store) PutSnapshot(_ context.Context, snap *model.QueueSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *snap
	s.snapshot = &c
	return nil
}

// GetSnapshot implements core.SnapshotCache.
func (s *Store) GetSnapshot(_ context.Context) (*model.QueueSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return nil, nil
	}
	c := *s.snapshot
	return &c, nil
}
