package job

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/target/mmk-queue/internal/domain/model"
)

// catalogFile is the on-disk layout of a job catalog:
//
//	[[job]]
//	name = "report.daily"
//	attempts = 3
//	schedule = "0 2 * * *"
//	[job.schedule_args]
//	region = "eu"
//	[[job.arg]]
//	name = "region"
//	kind = "string"
//	required = true
type catalogFile struct {
	Jobs []catalogEntry `toml:"job"`
}

type catalogEntry struct {
	Name         string         `toml:"name"`
	Description  string         `toml:"description"`
	Attempts     int            `toml:"attempts"`
	Priority     int            `toml:"priority"`
	DeferTime    int            `toml:"defer_time"`
	DeferMax     int            `toml:"defer_max"`
	ErrorTime    int            `toml:"error_time"`
	WallTime     int            `toml:"wall_time"`
	ZombieTime   int            `toml:"zombie_time"`
	Schedule     string         `toml:"schedule"`
	ScheduleArgs map[string]any `toml:"schedule_args"`
	Hidden       bool           `toml:"hidden"`
	AllowExtra   bool           `toml:"allow_extra"`
	Args         []ArgSpec      `toml:"arg"`
}

func (e catalogEntry) toType() Type {
	return Type{
		Name:        e.Name,
		Description: e.Description,
		Attempts:    e.Attempts,
		Priority:    e.Priority,
		Timing: model.Timing{
			DeferTime:  e.DeferTime,
			DeferMax:   e.DeferMax,
			ErrorTime:  e.ErrorTime,
			WallTime:   e.WallTime,
			ZombieTime: e.ZombieTime,
		},
		Schedule:     e.Schedule,
		ScheduleArgs: normalizeTOML(e.ScheduleArgs),
		Args:         e.Args,
		AllowExtra:   e.AllowExtra,
		Hidden:       e.Hidden,
	}
}

// LoadCatalogFile registers every type declared in the TOML file at path.
// A missing file is not an error and registers nothing.
func LoadCatalogFile(c *Catalog, path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open job catalog: %w", err)
	}
	defer f.Close()
	return LoadCatalog(c, f)
}

// LoadCatalog registers every type declared in the TOML document read from r.
func LoadCatalog(c *Catalog, r io.Reader) (int, error) {
	var doc catalogFile
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return 0, fmt.Errorf("parse job catalog: %w", err)
	}
	for i, entry := range doc.Jobs {
		if err := c.Register(entry.toType()); err != nil {
			return i, fmt.Errorf("job catalog entry %d: %w", i, err)
		}
	}
	return len(doc.Jobs), nil
}

// normalizeTOML converts TOML-decoded values to the shapes produced by JSON decoding
// (int64 → float64, []interface{} and nested tables kept as []any / map[string]any)
// so scheduled and API-enqueued jobs with equal arguments share a fingerprint.
func normalizeTOML(v map[string]any) map[string]any {
	if v == nil {
		return nil
	}
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = normalizeTOMLValue(val)
	}
	return out
}

func normalizeTOMLValue(v any) any {
	switch val := v.(type) {
	case int64:
		return float64(val)
	case map[string]any:
		return normalizeTOML(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeTOMLValue(item)
		}
		return out
	}
	return v
}
