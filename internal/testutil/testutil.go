// Package testutil provides fixtures for tests that need the queue's backing stores.
// Backends that are not reachable skip the test unless TEST_REQUIRE_<BACKEND> or
// TEST_REQUIRE_INFRA is set, in which case the test fails instead.
package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
	"time"
)

// TestingTB is the subset of testing.TB the fixtures use.
type TestingTB interface {
	Helper()
	Cleanup(func())
	Skip(args ...any)
	Skipf(format string, args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Logf(format string, args ...any)
}

// TestTime is the fixed instant fake clocks start from.
func TestTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

// unavailable fails the test when the backend is required and skips it otherwise.
func unavailable(t TestingTB, backend string, err any) {
	t.Helper()
	if envBool("TEST_REQUIRE_"+strings.ToUpper(backend)) || envBool("TEST_REQUIRE_INFRA") {
		t.Fatalf("%s not available: %v", backend, err)
	}
	t.Skipf("%s not available: %v", backend, err)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

// uniqueSuffix returns 8 random hex characters for schema and database names.
func uniqueSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format("150405.0")))[:8]
	}
	return hex.EncodeToString(b)
}

func closeQuietly(t TestingTB, name string, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		t.Logf("close %s: %v", name, err)
	}
}
