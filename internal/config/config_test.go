package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Compliance.SequenceMaxRetries)
	assert.InDelta(t, 20000, cfg.Compliance.ProviderThresholdUSD, 0)
	assert.InDelta(t, 35.0, cfg.Compliance.USDFallbackRate, 0)
	assert.Equal(t, "templates/bot_monthly.xlsx", cfg.Reporting.BotTemplatePath)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
database:
  driver: sqlite
  dsn: file:test.db
compliance:
  provider_threshold_usd: 15000
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "file:test.db", cfg.Database.DSN)
	assert.InDelta(t, 15000, cfg.Compliance.ProviderThresholdUSD, 0)
	// Untouched keys keep their defaults.
	assert.Equal(t, 50, cfg.Database.MaxOpen)
}

func TestLoadMissingFileIsSkipped(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("EXCHG_DATABASE_DSN", "postgres://env-host/exchange")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://env-host/exchange", cfg.Database.DSN)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: [unterminated"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
