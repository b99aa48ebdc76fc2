// Package service implements the queue engine's use cases on top of the store ports:
// queue operations, the master loop, daemon heartbeats, status views and the cron scheduler.
package service

import "errors"

var (
	// ErrLockCollision reports that another process is restarting the same stopped job.
	// It is wrapped in a Conflict application error.
	ErrLockCollision = errors.New("job is being restarted by another process")
	// ErrHalted is returned by daemon loops that stopped because of a halt request.
	ErrHalted = errors.New("halt requested")
	// ErrMasterRunning reports that another master on this host holds the run-dir lock.
	ErrMasterRunning = errors.New("another master is running on this host")
)

// Exception names recorded in a job's last_error by the master.
const (
	ExceptionFailed      = "JobError"
	ExceptionKilled      = "JobKilledByWorker"
	ExceptionNoProcess   = "JobNoProcess"
	ExceptionInterrupted = "JobInterrupted"
	ExceptionNoExecutor  = "JobNoExecutor"
)
