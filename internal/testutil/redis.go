package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCandidates lists the addresses probed when REDIS_ADDR is unset: the CI service
// name, a default local server and the docker-compose test port.
var redisCandidates = []string{"redis:6379", "localhost:6379", "localhost:56379"}

func pingRedis(addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// reserveRedisDB claims one of the numbered databases 1..15 with a key in database 0 so
// packages tested concurrently do not flush each other's data.
func reserveRedisDB(t TestingTB, meta *redis.Client) int {
	for db := 1; db <= 15; db++ {
		key := fmt.Sprintf("mmkq:testutil:db:%d", db)
		ok, err := meta.SetNX(context.Background(), key, os.Getpid(), 30*time.Minute).Result()
		if err != nil || !ok {
			continue
		}
		t.Cleanup(func() {
			if err := meta.Del(context.Background(), key).Err(); err != nil {
				t.Logf("release redis db %d: %v", db, err)
			}
			closeQuietly(t, "redis meta", meta)
		})
		return db
	}
	closeQuietly(t, "redis meta", meta)
	return 1
}

// SetupTestRedis returns a client on an empty, reserved database. The client is closed
// when the test ends.
func SetupTestRedis(t TestingTB) *redis.Client {
	t.Helper()
	candidates := redisCandidates
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		candidates = []string{addr}
	}

	var (
		meta    *redis.Client
		addr    string
		lastErr error
	)
	for _, addr = range candidates {
		if meta, lastErr = pingRedis(addr, 0); lastErr == nil {
			break
		}
	}
	if meta == nil {
		unavailable(t, "redis", lastErr)
		return nil
	}

	db := reserveRedisDB(t, meta)
	client, err := pingRedis(addr, db)
	if err != nil {
		unavailable(t, "redis", err)
		return nil
	}
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush redis db %d: %v", db, err)
	}
	t.Cleanup(func() { closeQuietly(t, "redis", client) })
	return client
}
