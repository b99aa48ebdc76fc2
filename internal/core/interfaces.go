// Package core defines the ports between the queue engine's services and its stores.
package core

import (
	"context"
	"time"

	"github.com/target/mmk-queue/internal/domain/model"
)

// This file contains the store interface definitions (ports in hexagonal architecture).
// Services depend on these interfaces; internal/data, internal/data/mongostore and
// internal/data/memory provide the implementations.

// JobStore defines the operations on the live job collection.
// Every mutating call carries a predicate that re-checks the precondition it depends on.
type JobStore interface {
	// InsertJob stores a new job and returns it with its store-assigned ID.
	// A live job with the same (name, fingerprint) yields a Conflict error.
	InsertJob(ctx context.Context, job *model.Job) (*model.Job, error)
	// GetJob returns the live job or a NotFound error.
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// ListJobs returns live jobs matching filter ordered by ID.
	ListJobs(ctx context.Context, filter model.JobFilter) ([]*model.Job, error)
	// UpdateJob applies upd.Patch to the job only if upd.Condition still holds.
	// It reports whether a record matched.
	UpdateJob(ctx context.Context, upd JobUpdate) (bool, error)
	// ClaimNext locks the next due job for a worker, or returns nil when none is due.
	ClaimNext(ctx context.Context, params ClaimParams) (*model.Job, error)
	// ArchiveJob removes the job from the live collection if upd.Condition still holds and
	// journals the removed record with upd.Patch applied, as one operation. It returns the
	// journaled record, or nil when no live job matched.
	ArchiveJob(ctx context.Context, upd JobUpdate) (*model.Job, error)
	// ReplaceJob supersedes a stopped job with fresh: the old record is deleted, fresh is
	// inserted, the old record gets fresh's ID as child and is journaled.
	// It returns NotFound when old is no longer live in a stopped state and Invariant
	// when fresh collides with another live job.
	ReplaceJob(ctx context.Context, old, fresh *model.Job) (*model.Job, error)
	// CountByState returns the number of live jobs per state.
	CountByState(ctx context.Context) (model.QueueCounts, error)
	// QueueState groups live jobs by name, state and derived flags.
	QueueState(ctx context.Context) ([]model.QueueStateGroup, error)
}

// JournalStore reads the archive of finalized and superseded jobs.
type JournalStore interface {
	// GetJournal returns the archived job or a NotFound error.
	GetJournal(ctx context.Context, id string) (*model.Job, error)
	// ListJournal returns the most recently archived jobs first.
	ListJournal(ctx context.Context, limit int) ([]*model.Job, error)
}

// LockStore provides the insert-as-lock mutual exclusion guarding restart of stopped jobs.
type LockStore interface {
	// TryAcquire inserts the lock record for jobID. It returns false when another owner holds it.
	TryAcquire(ctx context.Context, jobID, owner string) (bool, error)
	// Release deletes the lock record if owner holds it.
	Release(ctx context.Context, jobID, owner string) error
}

// DaemonRegistry stores daemon registration records.
type DaemonRegistry interface {
	// Register creates or replaces the record for rec.ID.
	Register(ctx context.Context, rec *model.DaemonRecord) error
	// EnterPhase records the time a daemon entered phase.
	EnterPhase(ctx context.Context, id string, phase model.Phase, at time.Time) error
	// Beat refreshes the heartbeat timestamp.
	Beat(ctx context.Context, id string, at time.Time) error
	// ClearEndpoint drops the routing metadata advertised by the daemon.
	ClearEndpoint(ctx context.Context, id string) error
	// ListDaemons returns every registration ordered by ID.
	ListDaemons(ctx context.Context) ([]*model.DaemonRecord, error)
}

// SentinelStore stores the well-known timestamped records (halt, maintenance, schedule cursor).
type SentinelStore interface {
	// SetSentinel upserts the sentinel timestamp.
	SetSentinel(ctx context.Context, id string, at time.Time) error
	// GetSentinel returns the sentinel timestamp or nil when unset.
	GetSentinel(ctx context.Context, id string) (*time.Time, error)
	// ClearSentinel removes the sentinel.
	ClearSentinel(ctx context.Context, id string) error
}

// StatStore records queue statistics snapshots.
type StatStore interface {
	RecordStat(ctx context.Context, rec *model.StatRecord) error
	LatestStats(ctx context.Context, limit int) ([]*model.StatRecord, error)
}

// SnapshotCache holds the non-authoritative aggregate written after enqueue.
type SnapshotCache interface {
	PutSnapshot(ctx context.Context, snap *model.QueueSnapshot) error
	// GetSnapshot returns nil when no snapshot is cached.
	GetSnapshot(ctx context.Context) (*model.QueueSnapshot, error)
}

// Clock abstracts time for services and loops so tests can run on simulated time.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}
