package core

import (
	"context"
	"errors"
)

// Stores bundles the store implementations of one backend. It is built once at process
// startup and handed to every service that needs store access.
type Stores struct {
	Jobs      JobStore
	Journal   JournalStore
	Locks     LockStore
	Daemons   DaemonRegistry
	Sentinels SentinelStore
	Stats     StatStore
	// Snapshots is optional; nil disables the post-enqueue snapshot.
	Snapshots SnapshotCache
	// Closer releases backend resources; may be nil.
	Closer func(ctx context.Context) error
}

// Validate checks that every mandatory store is present.
func (s Stores) Validate() error {
	var errs []error
	if s.Jobs == nil {
		errs = append(errs, errors.New("job store is required"))
	}
	if s.Journal == nil {
		errs = append(errs, errors.New("journal store is required"))
	}
	if s.Locks == nil {
		errs = append(errs, errors.New("lock store is required"))
	}
	if s.Daemons == nil {
		errs = append(errs, errors.New("daemon registry is required"))
	}
	if s.Sentinels == nil {
		errs = append(errs, errors.New("sentinel store is required"))
	}
	if s.Stats == nil {
		errs = append(errs, errors.New("stat store is required"))
	}
	return errors.Join(errs...)
}

// Close releases backend resources.
func (s Stores) Close(ctx context.Context) error {
	if s.Closer == nil {
		return nil
	}
	return s.Closer(ctx)
}
