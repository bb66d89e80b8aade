package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DBTypeSQLite, cfg.DBType)
	assert.Equal(t, "data/telemetry.db", cfg.DBPath)
	assert.Equal(t, 3100, cfg.Port)
	assert.Equal(t, DefaultMaxDBSize, cfg.MaxDBSize)
	assert.False(t, cfg.TelemetryDisabled)
	assert.Equal(t, "administrator", cfg.OperatorRole)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DB_TYPE", "PostgreSQL")
	t.Setenv("DATABASE_URL", "postgres://pulse@db/pulse")
	t.Setenv("PORT", "8080")
	t.Setenv("TELEMETRY_DISABLED", "true")
	t.Setenv("COPILOT_USERNAME", "op")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DBTypePostgres, cfg.DBType)
	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.TelemetryDisabled)
	assert.Equal(t, "op", cfg.OperatorUsername)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("DB_TYPE", "oracle")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle")
}

func TestLoadPostgresRequiresURL(t *testing.T) {
	t.Setenv("DB_TYPE", "postgresql")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadClampsSizeCap(t *testing.T) {
	t.Setenv("DB_MAX_SIZE", "-1")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxDBSize, cfg.MaxDBSize)
}

func TestPostgresDSN(t *testing.T) {
	cfg := &Config{DatabaseURL: "postgres://pulse@db/pulse?sslmode=verify-full"}
	dsn, err := cfg.PostgresDSN()
	require.NoError(t, err)
	assert.Contains(t, dsn, "sslmode=disable")

	cfg.DatabaseSSL = true
	dsn, err = cfg.PostgresDSN()
	require.NoError(t, err)
	assert.Contains(t, dsn, "sslmode=require")

	// The internal URL wins and always skips TLS.
	cfg.DatabaseInternalURL = "postgres://pulse@db.internal/pulse"
	dsn, err = cfg.PostgresDSN()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dsn, "postgres://pulse@db.internal/"))
	assert.Contains(t, dsn, "sslmode=disable")
}
