package errors

import (
	"errors"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// MapMongoError maps MongoDB driver errors onto AppError instances.
// ErrNoDocuments becomes NotFound and duplicate key errors become Conflict.
// Unrecognized errors are returned unchanged.
func MapMongoError(err error) error {
	if err == nil {
		return nil
	}
	if mapped, ok := mapContextError(err); ok {
		return mapped
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &AppError{Code: ErrCodeNotFound, Message: "document not found", Cause: err}
	}
	if mongo.IsDuplicateKeyError(err) {
		return &AppError{Code: ErrCodeConflict, Message: "document already exists", Cause: err}
	}
	if mongo.IsTimeout(err) {
		return &AppError{Code: ErrCodeTimeout, Message: "store operation timed out", Cause: err}
	}
	return err
}
