package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/target/mmk-queue/internal/core"
	domainjob "github.com/target/mmk-queue/internal/domain/job"
	"github.com/target/mmk-queue/internal/domain/model"
	"github.com/target/mmk-queue/internal/observability/metrics"
	"github.com/target/mmk-queue/internal/observability/notify"
)

// Cancellation causes of an in-flight job.
var (
	errKilled     = errors.New("job killed on request")
	errShutdown   = errors.New("master shutting down")
	errNoExecutor = errors.New("no executor registered")
)

type execution struct {
	job     *model.Job
	cancel  context.CancelCauseFunc
	started time.Time
}

// claimNames returns the job types this master may claim. It is empty when nothing can run.
func (s *MasterService) claimNames() []string {
	runnable := s.executors.Names()
	if len(s.cfg.JobTypes) == 0 {
		return runnable
	}
	names := make([]string, 0, len(s.cfg.JobTypes))
	for _, n := range s.cfg.JobTypes {
		if slices.Contains(runnable, n) {
			names = append(names, n)
		}
	}
	return names
}

func (s *MasterService) lockInfo() model.LockInfo {
	id := s.heartbeat.Identity()
	return model.LockInfo{Worker: id.ID(), Hostname: id.Hostname, PID: id.PID}
}

// launch starts executing a claimed job. The caller holds one slot; it is released when
// the job has been finalized.
func (s *MasterService) launch(j *model.Job) {
	ctx, cancel := context.WithCancelCause(s.runCtx)
	exec := &execution{job: j, cancel: cancel, started: s.clock.Now()}

	s.mu.Lock()
	s.inflight[j.ID] = exec
	s.mu.Unlock()

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		err := s.execute(ctx, j)
		s.finalize(j, err, context.Cause(ctx), exec.started)
		cancel(nil)

		s.mu.Lock()
		delete(s.inflight, j.ID)
		s.mu.Unlock()
		s.slots.Release(1)
	}()
}

func (s *MasterService) execute(ctx context.Context, j *model.Job) (err error) {
	exec, ok := s.executors.Lookup(j.Name)
	if !ok {
		return fmt.Errorf("%w for %s", errNoExecutor, j.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	s.logger.InfoContext(ctx, "job started", "id", j.ID, "name", j.Name, "trial", j.Trial)
	return exec.Execute(ctx, j, s.progressFunc(j))
}

func (s *MasterService) progressFunc(j *model.Job) domainjob.ProgressFunc {
	worker := j.Locked.Worker
	return func(value float64, message string) {
		ctx := context.WithoutCancel(s.runCtx)
		_, err := s.stores.Jobs.UpdateJob(ctx, core.JobUpdate{
			ID:        j.ID,
			Condition: core.JobCondition{States: []model.State{model.StateRunning}, LockedBy: worker},
			Patch: core.JobPatch{Progress: &core.Progress{
				At:      s.clock.Now(),
				Value:   min(max(value, 0), 1),
				Message: message,
			}},
		})
		if err != nil {
			s.logger.WarnContext(ctx, "job progress", "id", j.ID, "error", err)
		}
	}
}

// isInflight reports whether this process is executing the job.
func (s *MasterService) isInflight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

// cancelInflight cancels the job's context with cause. It reports whether the job runs here.
func (s *MasterService) cancelInflight(id string, cause error) bool {
	s.mu.Lock()
	exec, ok := s.inflight[id]
	s.mu.Unlock()
	if ok {
		exec.cancel(cause)
	}
	return ok
}

// Inflight returns the number of jobs executing in this process.
func (s *MasterService) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// drain waits for in-flight jobs; past timeout it cancels them and waits for their finalization.
func (s *MasterService) drain(ctx context.Context, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(done)
	}()

	n := s.Inflight()
	if n > 0 {
		s.logger.InfoContext(ctx, "draining jobs", "inflight", n, "timeout", timeout)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}
	s.logger.WarnContext(ctx, "drain timeout, interrupting jobs", "inflight", s.Inflight())
	s.runCancel(errShutdown)
	<-done
}

// finalize records the outcome of an execution.
func (s *MasterService) finalize(j *model.Job, execErr, cause error, started time.Time) {
	ctx := context.WithoutCancel(s.runCtx)
	now := s.clock.Now()
	runtime := max(now.Sub(started), 0)

	var (
		state model.State
		err   error
	)
	switch {
	case errors.Is(cause, errKilled):
		state, err = s.finishKilled(ctx, j, now, runtime)
	case execErr == nil:
		state, err = s.finishComplete(ctx, j, now, runtime)
	case errors.Is(execErr, domainjob.ErrDeferred):
		state, err = s.finishDeferred(ctx, j, now, runtime)
	default:
		exception := ExceptionFailed
		switch {
		case errors.Is(cause, errShutdown):
			exception = ExceptionInterrupted
		case errors.Is(execErr, errNoExecutor):
			exception = ExceptionNoExecutor
		}
		jobErr := model.JobError{Exception: exception, Timestamp: now, Detail: execErr.Error()}
		state, err = s.finishFailed(ctx, j, j.Locked.Worker, jobErr, now, runtime)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "finalize job", "id", j.ID, "name", j.Name, "error", err)
		return
	}
	if state == "" {
		s.logger.WarnContext(ctx, "job changed owner before finalization", "id", j.ID, "name", j.Name)
		return
	}

	result := metrics.ResultSuccess
	if state != model.StateComplete {
		result = metrics.ResultError
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		JobType:    j.Name,
		Transition: string(state),
		Result:     result,
		Duration:   runtime,
		Err:        execErr,
	})
	s.logger.InfoContext(ctx, "job finished",
		"id", j.ID,
		"name", j.Name,
		"state", state,
		"runtime", runtime,
	)
}

func ownedRunning(worker string) core.JobCondition {
	return core.JobCondition{States: []model.State{model.StateRunning}, LockedBy: worker}
}

func seconds(d time.Duration) *float64 {
	v := d.Seconds()
	return &v
}

// finishComplete journals the job as COMPLETE and drops it from the live collection in one
// store operation. On failure the job stays RUNNING under this worker and nopid_jobs
// retries it.
func (s *MasterService) finishComplete(ctx context.Context, j *model.Job, now time.Time, runtime time.Duration) (model.State, error) {
	done, err := s.stores.Jobs.ArchiveJob(ctx, core.JobUpdate{
		ID:        j.ID,
		Condition: ownedRunning(j.Locked.Worker),
		Patch: core.JobPatch{
			State:      model.StateComplete,
			FinishedAt: &now,
			Runtime:    seconds(runtime),
			Progress:   &core.Progress{At: now, Value: 1},
		},
	})
	if err != nil {
		return "", fmt.Errorf("archive completed job: %w", err)
	}
	if done == nil {
		return "", nil
	}
	return model.StateComplete, nil
}

// finishDeferred reschedules the job after its defer time, or retires it as INACTIVE once
// its defer window since enqueue has closed.
func (s *MasterService) finishDeferred(ctx context.Context, j *model.Job, now time.Time, runtime time.Duration) (model.State, error) {
	inactiveAt := j.Enqueued.At.Add(j.Timing.DeferWindow())
	if j.InactiveAt != nil {
		inactiveAt = *j.InactiveAt
	}
	patch := core.JobPatch{
		InactiveAt: &inactiveAt,
		Runtime:    seconds(runtime),
		ClearLock:  true,
	}
	if now.Before(inactiveAt) {
		queryAt := now.Add(j.Timing.DeferDelay())
		patch.State = model.StateDeferred
		patch.QueryAt = &queryAt
	} else {
		patch.State = model.StateInactive
		patch.FinishedAt = &now
	}
	applied, err := s.stores.Jobs.UpdateJob(ctx, core.JobUpdate{ID: j.ID, Condition: ownedRunning(j.Locked.Worker), Patch: patch})
	if err != nil || !applied {
		return "", err
	}
	return patch.State, nil
}

// finishFailed consumes one attempt: FAILED with a retry after error_time while attempts
// remain, ERROR otherwise. lockedBy guards against finalizing a job another worker owns.
func (s *MasterService) finishFailed(
	ctx context.Context,
	j *model.Job,
	lockedBy string,
	jobErr model.JobError,
	now time.Time,
	runtime time.Duration,
) (model.State, error) {
	left := max(j.AttemptsLeft-1, 0)
	patch := core.JobPatch{
		AttemptsLeft: &left,
		LastError:    &jobErr,
		FinishedAt:   &now,
		Runtime:      seconds(runtime),
		ClearLock:    true,
	}
	if left > 0 {
		queryAt := now.Add(j.Timing.ErrorDelay())
		patch.State = model.StateFailed
		patch.QueryAt = &queryAt
	} else {
		patch.State = model.StateError
	}
	applied, err := s.stores.Jobs.UpdateJob(ctx, core.JobUpdate{ID: j.ID, Condition: ownedRunning(lockedBy), Patch: patch})
	if err != nil || !applied {
		return "", err
	}
	if patch.State == model.StateError {
		s.alert(ctx, j, lockedBy, jobErr)
	}
	return patch.State, nil
}

// finishKilled moves a job canceled by kill_jobs to KILLED.
func (s *MasterService) finishKilled(ctx context.Context, j *model.Job, now time.Time, runtime time.Duration) (model.State, error) {
	applied, err := s.stores.Jobs.UpdateJob(ctx, core.JobUpdate{
		ID:        j.ID,
		Condition: ownedRunning(j.Locked.Worker),
		Patch: core.JobPatch{
			State:      model.StateKilled,
			LastError:  &model.JobError{Exception: ExceptionKilled, Timestamp: now},
			FinishedAt: &now,
			Runtime:    seconds(runtime),
			ClearLock:  true,
		},
	})
	if err != nil || !applied {
		return "", err
	}
	return model.StateKilled, nil
}

// alert sends a failure notification without blocking the caller. Shutdown waits for it.
func (s *MasterService) alert(ctx context.Context, j *model.Job, worker string, jobErr model.JobError) {
	if s.notifier == nil || !s.notifier.Enabled() {
		return
	}
	payload := notify.JobFailure(j, worker, jobErr)
	s.alerts.Add(1)
	go func() {
		defer s.alerts.Done()
		s.notifier.NotifyJobFailure(ctx, payload)
	}()
}
