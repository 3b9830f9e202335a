package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 2, cfg.WorkerCount)
	assert.Equal(t, 5*time.Second, cfg.DispatchInterval)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
	assert.Equal(t, 5*time.Minute, cfg.OrphanThreshold)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, int64(10485760), cfg.LargeFileThreshold)
	assert.Equal(t, 90, cfg.DefaultRetentionDays)
	assert.Equal(t, 30, cfg.MarginPercent)
	assert.True(t, cfg.IsDev())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("ORPHAN_THRESHOLD", "10m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, 10*time.Minute, cfg.OrphanThreshold)
}

func TestDatabasePath(t *testing.T) {
	cfg := Config{DataDir: "/var/lib/docmd"}
	assert.Equal(t, filepath.Join("/var/lib/docmd", "service.db"), cfg.DatabasePath())

	cfg.DBPath = "/tmp/override.db"
	assert.Equal(t, "/tmp/override.db", cfg.DatabasePath())
}

func TestOCRBackoffShrinksInTests(t *testing.T) {
	cfg := Config{
		AppEnv:                    "test",
		OCRBackoffMaxElapsedTime:  2 * time.Minute,
		OCRBackoffInitialInterval: 2 * time.Second,
	}
	maxElapsed, initial, _, _ := cfg.GetOCRBackoffConfig()
	assert.Equal(t, 5*time.Second, maxElapsed)
	assert.Equal(t, 100*time.Millisecond, initial)

	cfg.AppEnv = "prod"
	maxElapsed, initial, _, _ = cfg.GetOCRBackoffConfig()
	assert.Equal(t, 2*time.Minute, maxElapsed)
	assert.Equal(t, 2*time.Second, initial)
}
