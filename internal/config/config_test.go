package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-bot/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 2*time.Hour, cfg.Health.StaleAfter)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention.RunRecords)
	assert.Equal(t, 24*time.Hour, cfg.Analytics.CacheTTL)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.ProbeInterval)
	assert.Equal(t, 90, cfg.Cleanup.InactiveDays)
	assert.Equal(t, 3, cfg.WorkerCounts()["notifications"])
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("BOT_DATABASE_DSN", "/tmp/override.db")
	t.Setenv("BOT_HEALTH_STALE_AFTER", "45m")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/override.db", cfg.Database.DSN)
	assert.Equal(t, 45*time.Minute, cfg.Health.StaleAfter)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.yaml")
	body := "cleanup:\n  inactive_days: 30\nscheduler:\n  cadences:\n    daily-summary: \"0 7 * * *\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Cleanup.InactiveDays)
	assert.Equal(t, "0 7 * * *", cfg.Scheduler.Cadences["daily-summary"])
}

func TestValidate_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("BOT_DATABASE_DRIVER", "mysql")

	_, err := config.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}
