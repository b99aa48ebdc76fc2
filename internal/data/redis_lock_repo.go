package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/mmk-queue/internal/core"
	apperrors "github.com/target/mmk-queue/internal/errors"
)

var _ core.LockStore = (*RedisLockRepo)(nil)

const (
	defaultLockPrefix = "mmkq:lock:"
	defaultLockTTL    = 5 * time.Minute
)

// releaseScript deletes the key only when it still holds the caller's owner token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLockRepo implements insert-as-lock with SET NX. The TTL bounds how long a crashed
// owner can block a restart.
type RedisLockRepo struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLockRepo creates a lock store. A non-positive ttl uses five minutes.
func NewRedisLockRepo(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLockRepo {
	if prefix == "" {
		prefix = defaultLockPrefix
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLockRepo{client: client, prefix: prefix, ttl: ttl}
}

// TryAcquire sets the lock key with NX and the TTL in one command.
func (r *RedisLockRepo) TryAcquire(ctx context.Context, jobID, owner string) (bool, error) {
	if jobID == "" {
		return false, errors.New("job id cannot be empty")
	}
	status, err := r.client.SetArgs(ctx, r.prefix+jobID, owner, redis.SetArgs{Mode: "NX", TTL: r.ttl}).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("redis lock %s: %w", jobID, apperrors.MapRedisError(err))
	}
	return status == "OK", nil
}

// Release deletes the lock key when owner still holds it.
func (r *RedisLockRepo) Release(ctx context.Context, jobID, owner string) error {
	err := releaseScript.Run(ctx, r.client, []string{r.prefix + jobID}, owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis unlock %s: %w", jobID, apperrors.MapRedisError(err))
	}
	return nil
}
