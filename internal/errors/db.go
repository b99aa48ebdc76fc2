package errors

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// reKeyField extracts the column list from a unique violation detail: "Key (name, fingerprint)=(...) already exists.".
var reKeyField = regexp.MustCompile(`Key \(([^)]+)\)=`)

// MapDBError maps Postgres errors onto AppError instances:
//   - pgx.ErrNoRows becomes NotFound
//   - unique violations become Conflict
//   - check and NOT NULL violations become Validation
//   - serialization failures and deadlocks become Conflict so callers may retry
//   - context timeouts and cancellations become Timeout and Canceled
//
// Unrecognized errors are returned unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}
	if mapped, ok := mapContextError(err); ok {
		return mapped
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return &AppError{Code: ErrCodeNotFound, Message: "record not found", Cause: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}
	return err
}

func mapContextError(err error) (error, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &AppError{Code: ErrCodeTimeout, Message: "store operation timed out", Cause: err}, true
	case errors.Is(err, context.Canceled):
		return &AppError{Code: ErrCodeCanceled, Message: "store operation canceled", Cause: err}, true
	}
	return nil, false
}

func mapPgError(pgErr *pgconn.PgError) error {
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return mapUniqueViolation(pgErr)
	case pgerrcode.NotNullViolation:
		field := pgErr.ColumnName
		return &AppError{
			Code:    ErrCodeValidation,
			Message: field + " is required",
			Cause:   pgErr,
			Field:   field,
		}
	case pgerrcode.CheckViolation:
		return &AppError{
			Code:    ErrCodeValidation,
			Message: "value violates " + pgErr.ConstraintName,
			Cause:   pgErr,
			Field:   inferFieldFromConstraint(pgErr.ConstraintName),
		}
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return &AppError{Code: ErrCodeConflict, Message: "concurrent update, retry", Cause: pgErr}
	}
	return pgErr
}

func mapUniqueViolation(pgErr *pgconn.PgError) error {
	field := pgErr.ColumnName
	if field == "" {
		if m := reKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
			field = strings.ReplaceAll(m[1], " ", "")
		}
	}
	if field == "" {
		field = inferFieldFromConstraint(pgErr.ConstraintName)
	}

	msg := describeTable(pgErr.TableName) + " already exists"
	if field != "" {
		msg += " (" + field + ")"
	}
	return &AppError{
		Code:    ErrCodeConflict,
		Message: msg,
		Cause:   pgErr,
		Field:   field,
	}
}

// inferFieldFromConstraint extracts the column part of constraint names following
// the <table>_<columns>_<suffix> convention used by the migrations.
func inferFieldFromConstraint(constraint string) string {
	if constraint == "" {
		return ""
	}
	for _, table := range []string{"queue", "journal", "lock", "daemon", "sentinel", "stat"} {
		prefix := table + "_"
		if !strings.HasPrefix(constraint, prefix) {
			continue
		}
		rest := strings.TrimPrefix(constraint, prefix)
		for _, suffix := range []string{"_key", "_uniq", "_check", "_pkey"} {
			rest = strings.TrimSuffix(rest, suffix)
		}
		if rest == "pkey" {
			return "id"
		}
		return rest
	}
	return ""
}

// describeTable maps table names onto the nouns used in error messages.
func describeTable(table string) string {
	switch table {
	case "queue":
		return "job"
	case "journal":
		return "journal entry"
	case "lock":
		return "job lock"
	case "daemon":
		return "daemon"
	case "sentinel":
		return "sentinel"
	case "stat":
		return "stat record"
	case "":
		return "record"
	}
	return table
}
