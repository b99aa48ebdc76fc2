package job

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/target/mmk-queue/internal/errors"

	"github.com/target/mmk-queue/internal/domain/model"
)

func TestCatalog_RegisterAppliesDefaults(t *testing.T) {
	c := NewCatalog(StandardDefaults())
	require.NoError(t, c.Register(Type{Name: "report", Attempts: 3, Timing: model.Timing{ErrorTime: 5}}))

	typ, ok := c.Lookup("report")
	require.True(t, ok)
	assert.Equal(t, 3, typ.Attempts)
	assert.Equal(t, 5, typ.Timing.ErrorTime)
	assert.Equal(t, 300, typ.Timing.DeferTime)
	assert.Equal(t, 3600, typ.Timing.DeferMax)
	assert.Equal(t, 1800, typ.Timing.ZombieTime)
	assert.Zero(t, typ.Timing.WallTime)
}

func TestCatalog_RegisterRejectsInvalid(t *testing.T) {
	c := NewCatalog(StandardDefaults())

	tests := []struct {
		name string
		typ  Type
	}{
		{"missing name", Type{}},
		{"duplicate arg", Type{Name: "x", Args: []ArgSpec{{Name: "a"}, {Name: "a"}}}},
		{"unknown kind", Type{Name: "x", Args: []ArgSpec{{Name: "a", Kind: "date"}}}},
		{"bad schedule", Type{Name: "x", Schedule: "every tuesday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Register(tt.typ)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
		})
	}
}

func TestCatalog_Build(t *testing.T) {
	c := NewCatalog(StandardDefaults())
	require.NoError(t, c.Register(Type{
		Name:     "A",
		Attempts: 2,
		Priority: 4,
		Args: []ArgSpec{
			{Name: "x", Kind: ArgInteger, Required: true},
			{Name: "label", Kind: ArgString},
		},
	}))

	t.Run("valid", func(t *testing.T) {
		j, err := c.Build("A", map[string]any{"x": 1.0})
		require.NoError(t, err)
		assert.Equal(t, model.StatePending, j.State)
		assert.Equal(t, 2, j.Attempts)
		assert.Equal(t, 2, j.AttemptsLeft)
		assert.Equal(t, 4, j.Priority)
		assert.Len(t, j.Fingerprint, 64)
		assert.Empty(t, j.ID)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := c.Build("B", nil)
		require.ErrorIs(t, err, ErrUnknownType)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("missing required", func(t *testing.T) {
		_, err := c.Build("A", nil)
		require.ErrorIs(t, err, ErrInvalidArgs)
		assert.Equal(t, "args.x", apperrors.GetField(err))
	})

	t.Run("wrong kind", func(t *testing.T) {
		_, err := c.Build("A", map[string]any{"x": 1.5})
		require.ErrorIs(t, err, ErrInvalidArgs)
	})

	t.Run("extra argument", func(t *testing.T) {
		_, err := c.Build("A", map[string]any{"x": 1, "y": 2})
		require.ErrorIs(t, err, ErrInvalidArgs)
		assert.Equal(t, "args.y", apperrors.GetField(err))
	})

	t.Run("same args same fingerprint", func(t *testing.T) {
		a, err := c.Build("A", map[string]any{"x": 1, "label": "q"})
		require.NoError(t, err)
		b, err := c.Build("A", map[string]any{"label": "q", "x": 1.0})
		require.NoError(t, err)
		assert.Equal(t, a.Fingerprint, b.Fingerprint)
	})
}

func TestLoadCatalog(t *testing.T) {
	doc := `
[[job]]
name = "report.daily"
attempts = 3
defer_time = 60
schedule = "0 2 * * *"
  [job.schedule_args]
  region = "eu"
  days = 7
  [[job.arg]]
  name = "region"
  kind = "string"
  required = true
  [[job.arg]]
  name = "days"
  kind = "integer"

[[job]]
name = "cleanup"
hidden = true
allow_extra = true
`
	c := NewCatalog(StandardDefaults())
	n, err := LoadCatalog(c, strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"cleanup", "report.daily"}, c.Names())

	report, ok := c.Lookup("report.daily")
	require.True(t, ok)
	assert.Equal(t, 3, report.Attempts)
	assert.Equal(t, 60, report.Timing.DeferTime)
	assert.Equal(t, "0 2 * * *", report.Schedule)
	assert.Equal(t, map[string]any{"region": "eu", "days": float64(7)}, report.ScheduleArgs)
	require.Len(t, report.Args, 2)
	assert.True(t, report.Args[0].Required)

	_, err = c.Build("report.daily", report.ScheduleArgs)
	require.NoError(t, err)

	cleanup, _ := c.Lookup("cleanup")
	assert.True(t, cleanup.Hidden)
}

func TestLoadCatalog_Errors(t *testing.T) {
	c := NewCatalog(StandardDefaults())

	_, err := LoadCatalog(c, strings.NewReader(`[[job]]
name = "x"
bogus = 1
`))
	require.Error(t, err)

	_, err = LoadCatalog(c, strings.NewReader(`[[job]]
attempts = 1
`))
	require.Error(t, err)
}

func TestLoadCatalogFile_Missing(t *testing.T) {
	c := NewCatalog(StandardDefaults())
	n, err := LoadCatalogFile(c, t.TempDir()+"/nope.toml")
	require.NoError(t, err)
	assert.Zero(t, n)
}
