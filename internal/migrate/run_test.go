package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersions(t *testing.T) {
	versions, err := Versions()
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_queue", "0002_daemon"}, versions)
}

func TestMigrationsDeclareCoreTables(t *testing.T) {
	want := map[string][]string{
		"0001_queue":  {"CREATE TABLE IF NOT EXISTS queue", "queue_name_fingerprint_key UNIQUE (name, fingerprint)", "CREATE TABLE IF NOT EXISTS journal", "CREATE TABLE IF NOT EXISTS lock"},
		"0002_daemon": {"CREATE TABLE IF NOT EXISTS daemon", "CREATE TABLE IF NOT EXISTS sentinel", "CREATE TABLE IF NOT EXISTS stat"},
	}
	for version, fragments := range want {
		body, err := migrationsFS.ReadFile("migrations/" + version + ".sql")
		require.NoError(t, err)
		for _, f := range fragments {
			assert.Contains(t, string(body), f, version)
		}
	}
}
