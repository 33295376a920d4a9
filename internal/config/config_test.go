package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, 24*time.Hour, cfg.AccessTTL)
	assert.Equal(t, "involved", cfg.DefaultNotifyLevel)
	assert.True(t, cfg.WebhookBlockPrivateIPs)
	assert.Equal(t, 10*time.Second, cfg.WebhookAttemptTimeout)
	assert.Equal(t, 2048, cfg.WebhookResponseLimit)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, time.Minute, cfg.NotifyRetryDelay)
	assert.Equal(t, 10, cfg.ThrottleSignInPerMinute)
	assert.Equal(t, 5, cfg.ThrottleSignUpPerHour)
	assert.Equal(t, 100, cfg.ThrottleMembershipsPerHour)
	assert.Equal(t, []time.Duration{
		time.Second, 5 * time.Second, 25 * time.Second, 125 * time.Second, 625 * time.Second,
	}, cfg.WebhookRetrySchedule)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9999")
	t.Setenv("DATABASE_URL", MemoryDatabase)
	t.Setenv("TAIGALIKE_WEBHOOK_RETRY_SCHEDULE", "10ms, 20ms")
	t.Setenv("TAIGALIKE_WEBHOOK_BLOCK_PRIVATE_IPS", "false")
	t.Setenv("TAIGALIKE_REQUEST_TIMEOUT", "5s")
	t.Setenv("TAIGALIKE_THROTTLE_SIGNIN", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, MemoryDatabase, cfg.DatabaseURL)
	assert.False(t, cfg.WebhookBlockPrivateIPs)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, cfg.WebhookRetrySchedule)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Zero(t, cfg.ThrottleSignInPerMinute)
}

func TestLoadYAMLFileIsOverriddenByEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_addr: \":7000\"\nnotify_workers: 6\ncors_origin: https://board.example\n"), 0o600))
	t.Setenv(ConfigFileEnv, path)
	t.Setenv("TAIGALIKE_CORS_ORIGIN", "https://env.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Addr)
	assert.Equal(t, 6, cfg.NotifyWorkers)
	assert.Equal(t, "https://env.example", cfg.CORSOrigin)
}

func TestLoadRejectsUnknownNotifyLevel(t *testing.T) {
	t.Setenv("TAIGALIKE_DEFAULT_NOTIFY_LEVEL", "loud")
	_, err := Load()
	require.Error(t, err)
}

func TestParseScheduleRejectsGarbage(t *testing.T) {
	_, err := ParseSchedule("1s,soon")
	require.Error(t, err)

	schedule, err := ParseSchedule("")
	require.NoError(t, err)
	assert.Nil(t, schedule)
}
