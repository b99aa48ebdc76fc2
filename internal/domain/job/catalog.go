// Package job holds the job-type catalog: per-type defaults, argument contracts,
// dedup fingerprints and the executors that run each type.
package job

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	apperrors "github.com/target/mmk-queue/internal/errors"

	"github.com/target/mmk-queue/internal/domain/model"
)

var (
	// ErrUnknownType indicates a job type that is not registered in the catalog.
	ErrUnknownType = errors.New("unknown job type")
	// ErrInvalidArgs indicates arguments that violate the type's contract.
	ErrInvalidArgs = errors.New("invalid job arguments")
)

// ArgKind is the JSON kind an argument must have.
type ArgKind string

const (
	ArgAny     ArgKind = "any"
	ArgString  ArgKind = "string"
	ArgNumber  ArgKind = "number"
	ArgInteger ArgKind = "integer"
	ArgBool    ArgKind = "bool"
	ArgObject  ArgKind = "object"
	ArgArray   ArgKind = "array"
)

// ArgSpec declares one argument of a job type.
type ArgSpec struct {
	Name     string  `toml:"name"`
	Kind     ArgKind `toml:"kind"`
	Required bool    `toml:"required"`
}

// Defaults are the fallback settings applied to types that leave a field unset.
type Defaults struct {
	Attempts   int
	Priority   int
	DeferTime  int
	DeferMax   int
	ErrorTime  int
	WallTime   int
	ZombieTime int
}

// StandardDefaults returns the stock job settings: one attempt, 5 minute defer delay,
// 60 minute defer window, 10 minute error delay, 30 minute zombie threshold and no wall time.
func StandardDefaults() Defaults {
	return Defaults{
		Attempts:   1,
		DeferTime:  300,
		DeferMax:   3600,
		ErrorTime:  600,
		ZombieTime: 1800,
	}
}

// Type describes a registered job type.
type Type struct {
	Name        string
	Description string
	Attempts    int
	Priority    int
	Timing      model.Timing
	// Schedule is an optional cron expression; the scheduler daemon enqueues the type on it.
	Schedule string
	// ScheduleArgs are the arguments used for scheduled enqueues.
	ScheduleArgs map[string]any
	// Args is the argument contract. An empty contract accepts any object.
	Args       []ArgSpec
	AllowExtra bool
	Hidden     bool
}

func (t Type) withDefaults(d Defaults) Type {
	if t.Attempts <= 0 {
		t.Attempts = d.Attempts
	}
	if t.Priority == 0 {
		t.Priority = d.Priority
	}
	if t.Timing.DeferTime <= 0 {
		t.Timing.DeferTime = d.DeferTime
	}
	if t.Timing.DeferMax <= 0 {
		t.Timing.DeferMax = d.DeferMax
	}
	if t.Timing.ErrorTime <= 0 {
		t.Timing.ErrorTime = d.ErrorTime
	}
	if t.Timing.WallTime <= 0 {
		t.Timing.WallTime = d.WallTime
	}
	if t.Timing.ZombieTime <= 0 {
		t.Timing.ZombieTime = d.ZombieTime
	}
	return t
}

func (t Type) validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return apperrors.Validation("job type name is required")
	}
	seen := make(map[string]struct{}, len(t.Args))
	for _, a := range t.Args {
		if a.Name == "" {
			return apperrors.Validationf("job type %s: argument name is required", t.Name)
		}
		if _, dup := seen[a.Name]; dup {
			return apperrors.Validationf("job type %s: duplicate argument %q", t.Name, a.Name)
		}
		seen[a.Name] = struct{}{}
		switch a.Kind {
		case "", ArgAny, ArgString, ArgNumber, ArgInteger, ArgBool, ArgObject, ArgArray:
		default:
			return apperrors.Validationf("job type %s: argument %q has unknown kind %q", t.Name, a.Name, a.Kind)
		}
	}
	if t.Schedule != "" {
		if _, err := ParseSchedule(t.Schedule); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrCodeValidation, "job type %s: invalid schedule", t.Name)
		}
	}
	return nil
}

// ValidateArgs checks args against the type's contract.
func (t Type) ValidateArgs(args map[string]any) error {
	if len(t.Args) == 0 {
		return nil
	}
	known := make(map[string]struct{}, len(t.Args))
	for _, spec := range t.Args {
		known[spec.Name] = struct{}{}
		v, ok := args[spec.Name]
		if !ok || v == nil {
			if spec.Required {
				return argError(spec.Name, "is required")
			}
			continue
		}
		if !kindMatches(spec.Kind, v) {
			return argError(spec.Name, fmt.Sprintf("must be %s", spec.Kind))
		}
	}
	if !t.AllowExtra {
		for name := range args {
			if _, ok := known[name]; !ok {
				return argError(name, "is not accepted")
			}
		}
	}
	return nil
}

func argError(name, reason string) error {
	return &apperrors.AppError{
		Code:    apperrors.ErrCodeValidation,
		Message: fmt.Sprintf("argument %q %s", name, reason),
		Field:   "args." + name,
		Cause:   ErrInvalidArgs,
	}
}

func kindMatches(kind ArgKind, v any) bool {
	switch kind {
	case "", ArgAny:
		return true
	case ArgString:
		_, ok := v.(string)
		return ok
	case ArgBool:
		_, ok := v.(bool)
		return ok
	case ArgNumber:
		_, ok := toFloat(v)
		return ok
	case ArgInteger:
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	case ArgObject:
		_, ok := v.(map[string]any)
		return ok
	case ArgArray:
		_, ok := v.([]any)
		return ok
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Catalog is the registry of job types known to a process. It is safe for concurrent use.
type Catalog struct {
	mu       sync.RWMutex
	defaults Defaults
	types    map[string]Type
}

// NewCatalog creates an empty catalog applying d to types registered later.
func NewCatalog(d Defaults) *Catalog {
	return &Catalog{defaults: d, types: make(map[string]Type)}
}

// Register adds or replaces a type after applying defaults.
func (c *Catalog) Register(t Type) error {
	t = t.withDefaults(c.defaults)
	if err := t.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[t.Name] = t
	return nil
}

// Lookup returns the type registered under name.
func (c *Catalog) Lookup(name string) (Type, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.types[name]
	return t, ok
}

// Names returns the registered type names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.types))
	for name := range c.types {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Types returns the registered types sorted by name.
func (c *Catalog) Types() []Type {
	names := c.Names()
	out := make([]Type, 0, len(names))
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, n := range names {
		out = append(out, c.types[n])
	}
	return out
}

// Build constructs a pending job of the named type. Unknown types and invalid arguments
// fail with a validation error. The caller fills enqueue metadata.
func (c *Catalog) Build(name string, args map[string]any) (*model.Job, error) {
	t, ok := c.Lookup(name)
	if !ok {
		return nil, &apperrors.AppError{
			Code:    apperrors.ErrCodeValidation,
			Message: fmt.Sprintf("job type %q is not registered", name),
			Field:   "name",
			Cause:   ErrUnknownType,
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := t.ValidateArgs(args); err != nil {
		return nil, err
	}
	fp, err := Fingerprint(name, args)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "arguments cannot be canonicalized")
	}
	return &model.Job{
		Name:         name,
		Args:         args,
		Fingerprint:  fp,
		State:        model.StatePending,
		Priority:     t.Priority,
		Attempts:     t.Attempts,
		AttemptsLeft: t.Attempts,
		Timing:       t.Timing,
	}, nil
}
