package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 5*time.Second, cfg.Engine.OpTimeout)
	assert.Equal(t, 180, cfg.Engine.ShelfLifeDays)
	assert.Equal(t, 7, cfg.Engine.MaintenanceWindowDays)
	assert.Equal(t, time.UTC, cfg.Engine.Location)
	assert.Equal(t, "steril.events", cfg.Redis.Channel)
	assert.Equal(t, "off", cfg.Tracing.Mode)
	assert.False(t, cfg.Postgres.MigrateOnStart)
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STERIL_HTTP_ADDR", ":9090")
	t.Setenv("STERIL_OP_TIMEOUT", "750ms")
	t.Setenv("STERIL_TRAY_SHELF_LIFE_DAYS", "30")
	t.Setenv("STERIL_TIMEZONE", "America/Mexico_City")
	t.Setenv("STERIL_MIGRATE_ON_START", "true")
	t.Setenv("STERIL_RATE_PER_SEC", "2.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 750*time.Millisecond, cfg.Engine.OpTimeout)
	assert.Equal(t, 30, cfg.Engine.ShelfLifeDays)
	assert.Equal(t, "America/Mexico_City", cfg.Engine.Location.String())
	assert.True(t, cfg.Postgres.MigrateOnStart)
	assert.InDelta(t, 2.5, cfg.HTTP.RatePerSec, 0.0001)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STERIL_OP_TIMEOUT", "soon")
	t.Setenv("STERIL_TRAY_SHELF_LIFE_DAYS", "0")
	t.Setenv("STERIL_TIMEZONE", "Nowhere/Special")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STERIL_OP_TIMEOUT")
	assert.Contains(t, err.Error(), "STERIL_TRAY_SHELF_LIFE_DAYS")
	assert.Contains(t, err.Error(), "STERIL_TIMEZONE")
}
