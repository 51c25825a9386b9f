package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 3000, config.Port)
	assert.Equal(t, "memory", config.Storage.Driver)
	assert.Equal(t, 500*time.Millisecond, config.Sync.DebounceInterval)
	assert.Equal(t, 3*time.Second, config.Sync.EchoMarkerTTL)
	assert.Equal(t, 50, config.Sync.HistoryPageSize)
}

func TestLoadConfigMergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	data := `
server:
  port: 8080
storage:
  driver: postgres
  database_url: postgres://localhost/mapsync
broadcast:
  driver: redis
  redis_addr: redis:6379
sync:
  debounce_interval: 250ms
  echo_marker_ttl: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, config.Port)
	assert.Equal(t, "postgres", config.Storage.Driver)
	assert.Equal(t, "postgres://localhost/mapsync", config.Storage.DatabaseURL)
	assert.Equal(t, "redis", config.Broadcast.Driver)
	assert.Equal(t, "redis:6379", config.Broadcast.RedisAddr)
	assert.Equal(t, 250*time.Millisecond, config.Sync.DebounceInterval)
	assert.Equal(t, 5*time.Second, config.Sync.EchoMarkerTTL)
	// untouched keys keep their defaults
	assert.Equal(t, 10*time.Second, config.Sync.WriteTimeout)
	assert.Equal(t, "mapsync", config.Broadcast.ChannelPrefix)
}

func TestLoadConfigRejectsUnknownDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: sqlite\n"), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveDefaultConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, SaveDefaultConfig(path))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), config)
}

func TestApplyEnv(t *testing.T) {
	config := Default()
	env := map[string]string{
		"DATABASE_URL":       "postgres://db/mapsync",
		"MAPSYNC_JWT_SECRET": "s3cret",
		"REDIS_ADDR":         "",
	}
	ApplyEnv(config, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	assert.Equal(t, "postgres://db/mapsync", config.Storage.DatabaseURL)
	assert.Equal(t, "s3cret", config.Auth.JWTSecret)
	assert.Equal(t, "localhost:6379", config.Broadcast.RedisAddr)
}
