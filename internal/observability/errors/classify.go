// Package errors classifies errors into short names suitable for metric tags and alerts.
package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"

	domainjob "github.com/target/mmk-queue/internal/domain/job"
	apperrors "github.com/target/mmk-queue/internal/errors"
)

// Classify names the error for tagging. The first matching rule wins:
//
//	context errors            timeout, canceled
//	application errors        their code (not_found, conflict, ...)
//	deferred jobs             deferred
//	store driver errors       postgres_<sqlstate class>, mongo_duplicate_key, redis_nil, ...
//	network errors            network
//	anything else             the innermost error's Go type, e.g. errors_errorstring
func Classify(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	}
	if code := apperrors.GetCode(err); code != "" {
		return string(code)
	}
	if goerrors.Is(err, domainjob.ErrDeferred) {
		return "deferred"
	}
	if class := storeClass(err); class != "" {
		return class
	}
	var netErr net.Error
	if goerrors.As(err, &netErr) {
		return "network"
	}
	return typeName(innermost(err))
}

func storeClass(err error) string {
	var pgErr *pgconn.PgError
	switch {
	case goerrors.As(err, &pgErr) && len(pgErr.Code) >= 2:
		return "postgres_" + pgErr.Code[:2]
	case goerrors.Is(err, pgx.ErrNoRows):
		return "postgres_no_rows"
	case mongo.IsDuplicateKeyError(err):
		return "mongo_duplicate_key"
	case mongo.IsTimeout(err):
		return "timeout"
	case mongo.IsNetworkError(err):
		return "network"
	case goerrors.Is(err, mongo.ErrNoDocuments):
		return "mongo_no_documents"
	case goerrors.Is(err, redis.Nil):
		return "redis_nil"
	}
	return ""
}

func innermost(err error) error {
	for {
		next := goerrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// typeName turns *errors.errorString into errors_errorstring.
func typeName(err error) string {
	name := strings.TrimLeft(fmt.Sprintf("%T", err), "*")
	name = strings.ToLower(strings.ReplaceAll(name, ".", "_"))
	if name == "" || name == "<nil>" {
		return "unknown"
	}
	return name
}
