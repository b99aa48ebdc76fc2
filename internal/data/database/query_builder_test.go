package database

import (
	"reflect"
	"testing"
)

func TestBuildListQuery_BasicSelect(t *testing.T) {
	query, args := BuildListQuery(NewListQueryOptions("queue"))

	expected := `SELECT * FROM "queue"`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 0 {
		t.Errorf("Expected 0 args, got %d", len(args))
	}
}

func TestBuildListQuery_Conditions(t *testing.T) {
	opts := NewListQueryOptions("queue",
		WithColumns("id", "name"),
		WithConditions(
			WhereCond("name", Any, []string{"a", "b"}),
			WhereNull("killed_at"),
			WhereNotNull("zombie_at"),
			WhereRawCond("locked->>'worker' = $1", "w@h"),
		),
		WithOrderBy("priority desc", "id"),
		WithLimit(5),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT "id", "name" FROM "queue" WHERE "name" = ANY($1) AND "killed_at" IS NULL` +
		` AND "zombie_at" IS NOT NULL AND locked->>'worker' = $2 ORDER BY "priority" DESC, "id" LIMIT $3`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	want := []any{[]string{"a", "b"}, "w@h", 5}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("Expected args %v, got %v", want, args)
	}
}

func TestBuildListQuery_SkipsEmptyAny(t *testing.T) {
	query, args := BuildListQuery(NewListQueryOptions("queue",
		WithConditions(WhereCond("state", Any, []string{})),
		WithLimit(0),
	))

	expected := `SELECT * FROM "queue"`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 0 {
		t.Errorf("Expected 0 args, got %d", len(args))
	}
}

func TestBuildListQuery_SanitizesIdentifiers(t *testing.T) {
	query, _ := BuildListQuery(NewListQueryOptions("queue",
		WithColumns(`na"me`),
		WithOrderBy("id; DROP TABLE queue"),
	))

	expected := `SELECT "na""me" FROM "queue" ORDER BY "id;"`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
}

func TestBuildUpdate(t *testing.T) {
	query, args := BuildUpdate("queue",
		[]Assignment{
			SetValue("state", "killed"),
			SetValue("query_at", nil),
			SetRaw("locked", "jsonb_set(locked, '{message}', to_jsonb($1::text))", "half way"),
		},
		[]Condition{
			WhereCond("id", Equal, int64(7)),
			WhereNull("killed_at"),
			WhereRawCond("locked->>'worker' = $1", "w@h"),
		},
	)

	expected := `UPDATE "queue" SET "state" = $1, "query_at" = $2, "locked" = jsonb_set(locked, '{message}', to_jsonb($3::text))` +
		` WHERE "id" = $4 AND "killed_at" IS NULL AND locked->>'worker' = $5`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	want := []any{"killed", nil, "half way", int64(7), "w@h"}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("Expected args %v, got %v", want, args)
	}
}

func TestBuildUpdate_NoAssignments(t *testing.T) {
	query, args := BuildUpdate("queue", nil, []Condition{WhereCond("id", Equal, 1)})
	if query != "" || args != nil {
		t.Errorf("Expected empty update, got %q %v", query, args)
	}
}

func TestBuildDelete(t *testing.T) {
	query, args := BuildDelete("queue", []Condition{
		WhereCond("id", Equal, int64(9)),
		WhereNotNull("removed_at"),
		WhereCond("state", Any, []string{"pending", "killed"}),
	})

	expected := `DELETE FROM "queue" WHERE "id" = $1 AND "removed_at" IS NOT NULL AND "state" = ANY($2)`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	want := []any{int64(9), []string{"pending", "killed"}}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("Expected args %v, got %v", want, args)
	}

	if query, _ := BuildDelete("queue", nil); query != "" {
		t.Errorf("Expected empty delete without conditions, got %q", query)
	}
}

func TestRenumber_RepeatedPlaceholder(t *testing.T) {
	out, args, next := renumber("$1 <= x AND y >= $1 AND z = $2", []any{"a", "b"}, 4)
	if out != "$4 <= x AND y >= $4 AND z = $5" {
		t.Errorf("unexpected renumbering %q", out)
	}
	if next != 6 || len(args) != 2 {
		t.Errorf("Expected next=6 and 2 args, got %d and %v", next, args)
	}
}
