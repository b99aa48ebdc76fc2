package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
)

var _ core.SnapshotCache = (*RedisSnapshotRepo)(nil)

const defaultSnapshotKey = "mmkq:snapshot"

// RedisSnapshotRepo caches the latest queue snapshot under a single key.
type RedisSnapshotRepo struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisSnapshotRepo creates a snapshot cache. A zero ttl keeps the snapshot until replaced.
func NewRedisSnapshotRepo(client redis.UniversalClient, key string, ttl time.Duration) *RedisSnapshotRepo {
	if key == "" {
		key = defaultSnapshotKey
	}
	return &RedisSnapshotRepo{client: client, key: key, ttl: ttl}
}

// PutSnapshot overwrites the cached snapshot.
func (r *RedisSnapshotRepo) PutSnapshot(ctx context.Context, snap *model.QueueSnapshot) error {
	if snap == nil {
		return errors.New("snapshot cannot be nil")
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.key, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, apperrors.MapRedisError(err))
	}
	return nil
}

// GetSnapshot returns the cached snapshot, or nil when none is cached.
func (r *RedisSnapshotRepo) GetSnapshot(ctx context.Context) (*model.QueueSnapshot, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("redis get %s: %w", r.key, apperrors.MapRedisError(err))
	}
	var snap model.QueueSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// Health pings the server.
func (r *RedisSnapshotRepo) Health(ctx context.Context) error {
	return apperrors.MapRedisError(r.client.Ping(ctx).Err())
}
