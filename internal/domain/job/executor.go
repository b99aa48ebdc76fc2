package job

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/target/mmk-queue/internal/domain/model"
)

// ErrDeferred is returned (possibly wrapped) by executors that postpone their own execution.
var ErrDeferred = errors.New("job deferred")

// Defer returns an error telling the runner to reschedule the job after its defer time.
func Defer(reason string) error {
	if reason == "" {
		return ErrDeferred
	}
	return fmt.Errorf("%w: %s", ErrDeferred, reason)
}

// ProgressFunc reports execution progress in [0, 1]. Each call refreshes the job heartbeat.
type ProgressFunc func(value float64, message string)

// Executor runs one job. A nil error completes the job, ErrDeferred defers it and any
// other error fails it. Executors must return promptly once ctx is canceled.
type Executor interface {
	Execute(ctx context.Context, job *model.Job, progress ProgressFunc) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job *model.Job, progress ProgressFunc) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, job *model.Job, progress ProgressFunc) error {
	return f(ctx, job, progress)
}

// Registry maps job type names to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds exec to the job type name, replacing any previous binding.
func (r *Registry) Register(name string, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = exec
}

// Lookup returns the executor bound to name.
func (r *Registry) Lookup(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	return e, ok
}

// Names returns the bound type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for n := range r.executors {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Built-in job type names.
const (
	TypeNoop  = "mmk.noop"
	TypeSleep = "mmk.sleep"
	TypeFail  = "mmk.fail"
	TypeDefer = "mmk.defer"
)

// RegisterBuiltins registers the built-in job types in c and their executors in r.
func RegisterBuiltins(c *Catalog, r *Registry) error {
	builtins := []struct {
		typ  Type
		exec ExecutorFunc
	}{
		{
			typ:  Type{Name: TypeNoop, Description: "completes immediately", AllowExtra: true},
			exec: runNoop,
		},
		{
			typ: Type{
				Name:        TypeSleep,
				Description: "sleeps for the given number of seconds",
				Args:        []ArgSpec{{Name: "seconds", Kind: ArgNumber, Required: true}},
				AllowExtra:  true,
			},
			exec: runSleep,
		},
		{
			typ: Type{
				Name:        TypeFail,
				Description: "fails with the given message",
				Args:        []ArgSpec{{Name: "message", Kind: ArgString}},
				AllowExtra:  true,
			},
			exec: runFail,
		},
		{
			typ:  Type{Name: TypeDefer, Description: "defers itself until its defer window closes", AllowExtra: true},
			exec: runDefer,
		},
	}
	for _, b := range builtins {
		if err := c.Register(b.typ); err != nil {
			return err
		}
		r.Register(b.typ.Name, b.exec)
	}
	return nil
}

func runNoop(_ context.Context, _ *model.Job, progress ProgressFunc) error {
	progress(1, "done")
	return nil
}

func runSleep(ctx context.Context, j *model.Job, progress ProgressFunc) error {
	secs, _ := toFloat(j.Args["seconds"])
	total := time.Duration(secs * float64(time.Second))
	if total <= 0 {
		progress(1, "done")
		return nil
	}

	deadline := time.NewTimer(total)
	defer deadline.Stop()
	tick := time.NewTicker(max(total/10, 10*time.Millisecond))
	defer tick.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			progress(1, "done")
			return nil
		case <-tick.C:
			progress(min(float64(time.Since(start))/float64(total), 1), "sleeping")
		}
	}
}

func runFail(_ context.Context, j *model.Job, _ ProgressFunc) error {
	msg, _ := j.Args["message"].(string)
	if msg == "" {
		msg = "failed on request"
	}
	return errors.New(msg)
}

func runDefer(_ context.Context, _ *model.Job, _ ProgressFunc) error {
	return Defer("waiting")
}
