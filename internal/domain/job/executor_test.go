package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-queue/internal/domain/model"
)

func builtinRegistry(t *testing.T) (*Catalog, *Registry) {
	t.Helper()
	c := NewCatalog(StandardDefaults())
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(c, r))
	return c, r
}

func TestRegisterBuiltins(t *testing.T) {
	c, r := builtinRegistry(t)
	want := []string{TypeDefer, TypeFail, TypeNoop, TypeSleep}
	assert.Equal(t, want, c.Names())
	assert.Equal(t, want, r.Names())
}

func TestBuiltinExecutors(t *testing.T) {
	c, r := builtinRegistry(t)
	var reports []float64
	progress := func(v float64, _ string) { reports = append(reports, v) }

	run := func(name string, args map[string]any) error {
		j, err := c.Build(name, args)
		require.NoError(t, err)
		exec, ok := r.Lookup(name)
		require.True(t, ok)
		return exec.Execute(context.Background(), j, progress)
	}

	t.Run("noop completes", func(t *testing.T) {
		require.NoError(t, run(TypeNoop, nil))
	})

	t.Run("sleep completes and reports progress", func(t *testing.T) {
		reports = nil
		require.NoError(t, run(TypeSleep, map[string]any{"seconds": 0.05}))
		require.NotEmpty(t, reports)
		assert.Equal(t, 1.0, reports[len(reports)-1])
	})

	t.Run("fail returns message", func(t *testing.T) {
		err := run(TypeFail, map[string]any{"message": "boom"})
		require.EqualError(t, err, "boom")
	})

	t.Run("defer wraps ErrDeferred", func(t *testing.T) {
		err := run(TypeDefer, nil)
		require.ErrorIs(t, err, ErrDeferred)
	})

	t.Run("sleep requires seconds", func(t *testing.T) {
		_, err := c.Build(TypeSleep, nil)
		require.ErrorIs(t, err, ErrInvalidArgs)
	})
}

func TestSleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	j := &model.Job{Name: TypeSleep, Args: map[string]any{"seconds": 30}}

	done := make(chan error, 1)
	go func() { done <- runSleep(ctx, j, func(float64, string) {}) }()
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("sleep did not return after cancel")
	}
}

func TestDefer(t *testing.T) {
	assert.Same(t, ErrDeferred, Defer(""))
	err := Defer("not yet")
	require.ErrorIs(t, err, ErrDeferred)
	assert.Contains(t, err.Error(), "not yet")
}

func TestDueBetween(t *testing.T) {
	sched, err := ParseSchedule("0 * * * *")
	require.NoError(t, err)

	base := time.Date(2026, 4, 1, 10, 30, 0, 0, time.UTC)

	t.Run("occurrence in window", func(t *testing.T) {
		at, ok := DueBetween(sched, base, base.Add(45*time.Minute))
		require.True(t, ok)
		assert.Equal(t, time.Date(2026, 4, 1, 11, 0, 0, 0, time.UTC), at)
	})

	t.Run("no occurrence", func(t *testing.T) {
		_, ok := DueBetween(sched, base, base.Add(20*time.Minute))
		assert.False(t, ok)
	})

	t.Run("missed occurrences collapse to latest", func(t *testing.T) {
		at, ok := DueBetween(sched, base, base.Add(3*time.Hour))
		require.True(t, ok)
		assert.Equal(t, time.Date(2026, 4, 1, 13, 0, 0, 0, time.UTC), at)
	})

	t.Run("window end is inclusive", func(t *testing.T) {
		at, ok := DueBetween(sched, base, time.Date(2026, 4, 1, 11, 0, 0, 0, time.UTC))
		require.True(t, ok)
		assert.Equal(t, 11, at.Hour())
	})
}
