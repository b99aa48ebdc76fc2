package errors

import (
	"errors"

	"github.com/redis/go-redis/v9"
)

// MapRedisError maps go-redis failures onto AppError instances. redis.Nil is a miss, not
// a failure, and is returned unchanged along with anything unrecognized.
func MapRedisError(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if mapped, ok := mapContextError(err); ok {
		return mapped
	}
	if errors.Is(err, redis.ErrClosed) {
		return &AppError{Code: ErrCodeInternal, Message: "redis client closed", Cause: err}
	}
	return err
}
