package data

import (
	"context"
	"sync"
	"time"

	"github.com/target/mmk-queue/internal/core"
)

var (
	_ core.Clock = (*RealTimeProvider)(nil)
	_ core.Clock = (*FixedTimeProvider)(nil)
)

// RealTimeProvider implements core.Clock using real system time in UTC.
type RealTimeProvider struct{}

// Now returns the current system time.
func (r *RealTimeProvider) Now() time.Time {
	return time.Now().UTC()
}

// Sleep blocks for d or until ctx is done.
func (r *RealTimeProvider) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FixedTimeProvider implements core.Clock on simulated time. Sleep advances the clock
// instantly, so loops run through hours of virtual time in milliseconds.
type FixedTimeProvider struct {
	mu        sync.Mutex
	fixedTime time.Time
	onSleep   func(now time.Time)
}

// NewFixedTimeProvider creates a new FixedTimeProvider with the given time.
func NewFixedTimeProvider(t time.Time) *FixedTimeProvider {
	return &FixedTimeProvider{fixedTime: t}
}

// Now returns the simulated time.
func (f *FixedTimeProvider) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fixedTime
}

// Sleep advances the simulated time by d and runs the OnSleep hook.
func (f *FixedTimeProvider) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.fixedTime = f.fixedTime.Add(d)
	now, hook := f.fixedTime, f.onSleep
	f.mu.Unlock()
	if hook != nil {
		hook(now)
	}
	return ctx.Err()
}

// OnSleep registers a hook called after every simulated sleep with the new time.
// Tests use it to stop loops after a simulated duration.
func (f *FixedTimeProvider) OnSleep(hook func(now time.Time)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSleep = hook
}

// SetTime updates the simulated time.
func (f *FixedTimeProvider) SetTime(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixedTime = t
}

// AddTime adds a duration to the simulated time.
func (f *FixedTimeProvider) AddTime(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixedTime = f.fixedTime.Add(d)
}
