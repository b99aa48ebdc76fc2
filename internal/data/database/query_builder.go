// Package database builds parameterized Postgres statements with sanitized identifiers.
package database

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

type ConditionType string

const (
	Equal              ConditionType = "="
	NotEqual           ConditionType = "!="
	GreaterThan        ConditionType = ">"
	LessThan           ConditionType = "<"
	LessThanOrEqual    ConditionType = "<="
	GreaterThanOrEqual ConditionType = ">="
	Any                ConditionType = "ANY"
	IsNull             ConditionType = "IS NULL"
	IsNotNull          ConditionType = "IS NOT NULL"
	Custom             ConditionType = "CUSTOM"
	defaultLimit                     = -1
)

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

type Condition struct {
	Field    string
	Type     ConditionType
	Value    any
	rawQuery *string
}

func WhereCond(field string, condType ConditionType, value any) Condition {
	if condType == Custom {
		//nolint:forbidigo // custom conditions must provide raw SQL via WhereRawCond.
		panic("Use WhereRawCond for Custom type")
	}
	return Condition{Field: field, Type: condType, Value: value}
}

// WhereNull matches rows where field is NULL.
func WhereNull(field string) Condition {
	return Condition{Field: field, Type: IsNull}
}

// WhereNotNull matches rows where field is not NULL.
func WhereNotNull(field string) Condition {
	return Condition{Field: field, Type: IsNotNull}
}

// WhereRawCond adds a raw SQL predicate. Placeholders are numbered from $1 relative to params
// and renumbered when the statement is assembled.
func WhereRawCond(rawQuery string, params ...any) Condition {
	q := rawQuery
	return Condition{Type: Custom, rawQuery: &q, Value: params}
}

// Assignment is one "column = value" pair of an UPDATE.
type Assignment struct {
	Column  string
	Value   any
	rawExpr *string
}

// SetValue assigns a parameter to column. A nil value stores NULL.
func SetValue(column string, value any) Assignment {
	return Assignment{Column: column, Value: value}
}

// SetRaw assigns a raw SQL expression to column, with placeholders numbered from $1.
func SetRaw(column, expr string, params ...any) Assignment {
	e := expr
	return Assignment{Column: column, Value: params, rawExpr: &e}
}

type ListQueryOptions struct {
	Table      string
	Columns    []string
	Conditions []Condition
	OrderBy    []string
	Limit      int
}

type ListQueryOption func(*ListQueryOptions)

func NewListQueryOptions(table string, opts ...ListQueryOption) *ListQueryOptions {
	options := &ListQueryOptions{Table: table, Limit: defaultLimit}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// WithColumns sets the columns to select.
func WithColumns(cols ...string) ListQueryOption {
	return func(o *ListQueryOptions) { o.Columns = cols }
}

// WithConditions appends conditions; they are joined with AND.
func WithConditions(conds ...Condition) ListQueryOption {
	return func(o *ListQueryOptions) { o.Conditions = append(o.Conditions, conds...) }
}

// WithOrderBy sets the ordering. Each entry is a column optionally followed by ASC or DESC.
func WithOrderBy(terms ...string) ListQueryOption {
	return func(o *ListQueryOptions) { o.OrderBy = terms }
}

// WithLimit sets the limit. Non-positive values leave the query unbounded.
func WithLimit(limit int) ListQueryOption {
	return func(o *ListQueryOptions) {
		if limit > 0 {
			o.Limit = limit
		}
	}
}

func sanitizeIdentifier(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}

func sanitizeQualifiedIdentifier(ident string) string {
	return pgx.Identifier(strings.Split(ident, ".")).Sanitize()
}

func orderTerm(term string) string {
	fields := strings.Fields(term)
	if len(fields) == 0 {
		return ""
	}
	out := sanitizeQualifiedIdentifier(fields[0])
	if len(fields) > 1 {
		if dir := strings.ToUpper(fields[1]); dir == "ASC" || dir == "DESC" {
			out += " " + dir
		}
	}
	return out
}

// BuildListQuery constructs a SELECT with WHERE, ORDER BY and LIMIT clauses.
//
//	query, args := BuildListQuery(NewListQueryOptions("queue",
//		WithColumns("id", "name"),
//		WithConditions(WhereCond("state", Any, []string{"pending"}), WhereNull("killed_at")),
//		WithOrderBy("id"),
//		WithLimit(10),
//	))
func BuildListQuery(options *ListQueryOptions) (string, []any) {
	if options == nil {
		return "", nil
	}

	var query strings.Builder
	query.WriteString("SELECT ")
	if len(options.Columns) == 0 {
		query.WriteString("*")
	} else {
		cols := make([]string, len(options.Columns))
		for i, c := range options.Columns {
			cols[i] = sanitizeQualifiedIdentifier(c)
		}
		query.WriteString(strings.Join(cols, ", "))
	}
	query.WriteString(" FROM ")
	query.WriteString(sanitizeIdentifier(options.Table))

	where, args, next := buildWhereClause(options.Conditions, 1)
	if where != "" {
		query.WriteString(" ")
		query.WriteString(where)
	}

	var terms []string
	for _, t := range options.OrderBy {
		if s := orderTerm(t); s != "" {
			terms = append(terms, s)
		}
	}
	if len(terms) > 0 {
		query.WriteString(" ORDER BY ")
		query.WriteString(strings.Join(terms, ", "))
	}
	if options.Limit != defaultLimit {
		query.WriteString(fmt.Sprintf(" LIMIT $%d", next))
		args = append(args, options.Limit)
	}
	return query.String(), args
}

// BuildUpdate constructs an UPDATE of table. It returns an empty query when sets is empty.
func BuildUpdate(table string, sets []Assignment, conds []Condition) (string, []any) {
	if len(sets) == 0 {
		return "", nil
	}

	var (
		query strings.Builder
		args  []any
	)
	param := 1
	parts := make([]string, 0, len(sets))
	for _, a := range sets {
		col := sanitizeIdentifier(a.Column)
		if a.rawExpr != nil {
			expr, exprArgs, next := renumber(*a.rawExpr, a.Value, param)
			parts = append(parts, col+" = "+expr)
			args = append(args, exprArgs...)
			param = next
			continue
		}
		parts = append(parts, fmt.Sprintf("%s = $%d", col, param))
		args = append(args, a.Value)
		param++
	}

	query.WriteString("UPDATE ")
	query.WriteString(sanitizeIdentifier(table))
	query.WriteString(" SET ")
	query.WriteString(strings.Join(parts, ", "))

	where, whereArgs, _ := buildWhereClause(conds, param)
	if where != "" {
		query.WriteString(" ")
		query.WriteString(where)
	}
	return query.String(), append(args, whereArgs...)
}

// BuildDelete constructs a DELETE from table. It returns an empty query without conditions
// so a missing predicate never clears the table.
func BuildDelete(table string, conds []Condition) (string, []any) {
	where, args, _ := buildWhereClause(conds, 1)
	if where == "" {
		return "", nil
	}
	return "DELETE FROM " + sanitizeIdentifier(table) + " " + where, args
}

// renumber rewrites $n placeholders of raw SQL so they follow paramCount.
func renumber(raw string, value any, paramCount int) (string, []any, int) {
	params, _ := value.([]any)
	var args []any
	current := paramCount
	idx := make(map[int]int)
	out := placeholderRe.ReplaceAllStringFunc(raw, func(m string) string {
		n, err := strconv.Atoi(m[1:])
		if err != nil || n < 1 || n > len(params) {
			return m
		}
		if _, ok := idx[n]; !ok {
			idx[n] = current
			args = append(args, params[n-1])
			current++
		}
		return fmt.Sprintf("$%d", idx[n])
	})
	return out, args, current
}

func processCondition(cond Condition, paramCount int) (string, []any, int) {
	if cond.Type == Custom {
		if cond.rawQuery == nil || *cond.rawQuery == "" {
			return "", nil, paramCount
		}
		return renumber(*cond.rawQuery, cond.Value, paramCount)
	}
	if cond.Field == "" {
		return "", nil, paramCount
	}
	field := sanitizeQualifiedIdentifier(cond.Field)

	switch cond.Type {
	case IsNull, IsNotNull:
		return fmt.Sprintf("%s %s", field, cond.Type), nil, paramCount
	case Any:
		rv := reflect.ValueOf(cond.Value)
		if rv.Kind() != reflect.Slice || rv.Len() == 0 {
			return "", nil, paramCount
		}
		return fmt.Sprintf("%s = ANY($%d)", field, paramCount), []any{cond.Value}, paramCount + 1
	case Equal, NotEqual, GreaterThan, LessThan, LessThanOrEqual, GreaterThanOrEqual:
		return fmt.Sprintf("%s %s $%d", field, cond.Type, paramCount), []any{cond.Value}, paramCount + 1
	}
	return "", nil, paramCount
}

func buildWhereClause(input []Condition, startParamIndex int) (string, []any, int) {
	conditions := make([]string, 0, len(input))
	var args []any
	param := startParamIndex

	for _, cond := range input {
		s, condArgs, next := processCondition(cond, param)
		if s != "" {
			conditions = append(conditions, s)
			args = append(args, condArgs...)
			param = next
		}
	}
	if len(conditions) == 0 {
		return "", args, param
	}
	return "WHERE " + strings.Join(conditions, " AND "), args, param
}
