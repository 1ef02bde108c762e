package formsync

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "duckdb", config.Store.Driver)
	assert.Equal(t, 1, config.Store.MaxConnections)
	assert.Equal(t, 15*time.Second, config.Remote.Timeout)
	assert.Equal(t, 5, config.Remote.BreakerThreshold)
	assert.Equal(t, 5, config.Leasing.Target(FormType12Hour))
	assert.Equal(t, 5, config.Leasing.Target(FormTypeVI))
	assert.Equal(t, 4, config.Sync.MaxConcurrency)
	assert.Equal(t, AllReferenceCategories(), config.Reference.Categories)
	assert.False(t, config.Archive.Enabled)
	assert.Equal(t, 50, config.Allocator.MaxPerRequest)

	require.NoError(t, config.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "bolt" }, "store.driver"},
		{"no connections", func(c *Config) { c.Store.MaxConnections = 0 }, "store.maxConnections"},
		{"no base url", func(c *Config) { c.Remote.BaseURL = "" }, "remote.baseURL"},
		{"no timeout", func(c *Config) { c.Remote.Timeout = 0 }, "remote.timeout"},
		{"unknown form type", func(c *Config) { c.Leasing.Targets[FormType("X")] = 1 }, "leasing.targets"},
		{"negative target", func(c *Config) { c.Leasing.Targets[FormTypeVI] = -1 }, "leasing.targets.VI"},
		{"no concurrency", func(c *Config) { c.Sync.MaxConcurrency = 0 }, "sync.maxConcurrency"},
		{"archive without bucket", func(c *Config) { c.Archive.Enabled = true }, "archive.bucket"},
		{"allocator cap", func(c *Config) { c.Allocator.MaxPerRequest = 0 }, "allocator.maxPerRequest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)

			err := config.Validate()
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.Contains(t, cfgErr.Error(), tt.field)
		})
	}
}

func TestLeasingTargetNilMap(t *testing.T) {
	var cfg LeasingConfig
	assert.Equal(t, 0, cfg.Target(FormType24Hour))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "formsync.yaml")
	body := `
store:
  driver: sqlite
  path: /tmp/forms.db
remote:
  baseURL: https://forms.example.test/api
leasing:
  targets:
    12Hour: 8
    VI: 2
sync:
  maxConcurrency: 2
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/forms.db", cfg.Store.Path)
	assert.Equal(t, "https://forms.example.test/api", cfg.Remote.BaseURL)
	assert.Equal(t, 8, cfg.Leasing.Target(FormType12Hour))
	assert.Equal(t, 2, cfg.Leasing.Target(FormTypeVI))
	assert.Equal(t, 2, cfg.Sync.MaxConcurrency)
	// untouched sections keep their defaults
	assert.Equal(t, 15*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, ":8081", cfg.Allocator.ListenAddr)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: bolt\n"), 0o600))
	_, err = LoadConfig(path)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("FORMSYNC_STORE_DRIVER", "sqlite")
	t.Setenv("FORMSYNC_REMOTE_URL", "http://remote.test")
	t.Setenv("FORMSYNC_ARCHIVE_BUCKET", "anomalies")
	t.Setenv("FORMSYNC_PG_PORT", "6543")
	t.Setenv("FORMSYNC_PG_HOST", "pg.internal")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "http://remote.test", cfg.Remote.BaseURL)
	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, "anomalies", cfg.Archive.Bucket)
	assert.Equal(t, 6543, cfg.Allocator.PGPort)
	assert.Equal(t, "pg.internal", cfg.Allocator.PGHost)

	t.Setenv("FORMSYNC_PG_PORT", "not-a-port")
	cfg.ApplyEnv()
	assert.Equal(t, 6543, cfg.Allocator.PGPort)
}
