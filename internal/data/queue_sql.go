package data

import (
	"strings"
	"time"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/data/database"
	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
)

var queueColumnList = strings.FieldsFunc(queueColumns, func(r rune) bool {
	return r == ',' || r == ' ' || r == '\n'
})

// qualify prefixes every column of a comma separated list with alias.
func qualify(alias, columns string) string {
	cols := strings.FieldsFunc(columns, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n'
	})
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return " " + strings.Join(cols, ", ") + " "
}

func statesToStrings(states []model.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func markerColumn(m model.Marker) (string, error) {
	if !m.Valid() {
		return "", apperrors.Validationf("unknown marker %q", string(m))
	}
	return string(m), nil
}

func filterConditions(f model.JobFilter) []database.Condition {
	var conds []database.Condition
	if len(f.Names) > 0 {
		conds = append(conds, database.WhereCond("name", database.Any, f.Names))
	}
	if len(f.States) > 0 {
		conds = append(conds, database.WhereCond("state", database.Any, statesToStrings(f.States)))
	}
	for _, m := range f.Marked {
		if m.Valid() {
			conds = append(conds, database.WhereNotNull(string(m)))
		}
	}
	for _, m := range f.Unmarked {
		if m.Valid() {
			conds = append(conds, database.WhereNull(string(m)))
		}
	}
	if f.LockedBy != "" {
		conds = append(conds, database.WhereRawCond("locked->>'worker' = $1", f.LockedBy))
	}
	return conds
}

func conditionClauses(key int64, c core.JobCondition) ([]database.Condition, error) {
	conds := []database.Condition{database.WhereCond("id", database.Equal, key)}
	if len(c.States) > 0 {
		conds = append(conds, database.WhereCond("state", database.Any, statesToStrings(c.States)))
	}
	for _, m := range c.Set {
		col, err := markerColumn(m)
		if err != nil {
			return nil, err
		}
		conds = append(conds, database.WhereNotNull(col))
	}
	for _, m := range c.Unset {
		col, err := markerColumn(m)
		if err != nil {
			return nil, err
		}
		conds = append(conds, database.WhereNull(col))
	}
	if c.LockedBy != "" {
		conds = append(conds, database.WhereRawCond("locked->>'worker' = $1", c.LockedBy))
	}
	return conds, nil
}

const progressExpr = `jsonb_set(jsonb_set(jsonb_set(locked,
  '{heartbeat}', to_jsonb($1::text)),
  '{progress}', to_jsonb($2::float8)),
  '{message}', to_jsonb($3::text))`

// patchAssignments mirrors core.JobPatch.Apply as SQL assignments.
func patchAssignments(p core.JobPatch) ([]database.Assignment, error) {
	var sets []database.Assignment
	if p.State != "" {
		sets = append(sets, database.SetValue("state", string(p.State)))
	}
	marked := make(map[model.Marker]bool, len(p.Mark))
	for _, m := range p.Mark {
		col, err := markerColumn(m)
		if err != nil {
			return nil, err
		}
		marked[m] = true
		sets = append(sets, database.SetValue(col, p.MarkAt.UTC()))
	}
	for _, m := range p.Unmark {
		col, err := markerColumn(m)
		if err != nil {
			return nil, err
		}
		if marked[m] {
			return nil, apperrors.Validationf("marker %s both set and cleared", m)
		}
		sets = append(sets, database.SetValue(col, nil))
	}
	switch {
	case p.QueryAt != nil:
		sets = append(sets, database.SetValue("query_at", p.QueryAt.UTC()))
	case p.ClearQueryAt:
		sets = append(sets, database.SetValue("query_at", nil))
	}
	if p.InactiveAt != nil {
		sets = append(sets, database.SetValue("inactive_at", p.InactiveAt.UTC()))
	}
	if p.AttemptsLeft != nil {
		sets = append(sets, database.SetValue("attempts_left", *p.AttemptsLeft))
	}
	if p.FinishedAt != nil {
		sets = append(sets, database.SetValue("finished_at", p.FinishedAt.UTC()))
	}
	if p.Runtime != nil {
		sets = append(sets, database.SetValue("runtime", *p.Runtime))
	}
	if p.LastError != nil {
		raw, err := jsonOrNil(p.LastError)
		if err != nil {
			return nil, apperrors.Internalf("encode last error: %v", err)
		}
		sets = append(sets, database.SetValue("last_error", raw))
	}
	switch {
	case p.ClearLock:
		sets = append(sets, database.SetValue("locked", nil))
	case p.Progress != nil:
		sets = append(sets, database.SetRaw("locked", progressExpr,
			p.Progress.At.UTC().Format(time.RFC3339Nano), p.Progress.Value, p.Progress.Message))
	}
	return sets, nil
}

func buildJobUpdate(key int64, upd core.JobUpdate) (string, []any, error) {
	conds, err := conditionClauses(key, upd.Condition)
	if err != nil {
		return "", nil, err
	}
	sets, err := patchAssignments(upd.Patch)
	if err != nil {
		return "", nil, err
	}
	if len(sets) == 0 {
		// an empty patch still reports whether the condition matched
		sets = append(sets, database.SetRaw("id", "id"))
	}
	query, args := database.BuildUpdate("queue", sets, conds)
	return query, args, nil
}
