package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Ledger, cfg.Ledger)
	assert.Equal(t, def.Idempotency, cfg.Idempotency)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  read_timeout: 5s
  allowed_origins: ["http://localhost:5173"]
ledger:
  currency: USD
  scale: 4
idempotency:
  ttl: 48h
log:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout, "unset keys keep defaults")
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "USD", cfg.Ledger.Currency)
	assert.Equal(t, int32(4), cfg.Ledger.Numeric().Scale)
	assert.Equal(t, 48*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, time.Hour, cfg.Idempotency.SweepInterval)
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [nope"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORT":         "7000",
		"DATABASE_URL": "postgres://localhost/referrals",
		"LOG_LEVEL":    "warn",
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver, "a postgres URL selects the driver")
	assert.Equal(t, "postgres://localhost/referrals", cfg.Storage.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)

	env["DATABASE_DRIVER"] = "sqlite"
	env["DATABASE_URL"] = "postgres-named-file.db"
	cfg = Default()
	require.NoError(t, cfg.applyEnv(func(k string) string { return env[k] }))
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver, "explicit driver wins")

	cfg = Default()
	assert.Error(t, cfg.applyEnv(func(k string) string {
		if k == "PORT" {
			return "eighty"
		}
		return ""
	}))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"driver", func(c *Config) { c.Storage.Driver = "mysql" }},
		{"dsn", func(c *Config) { c.Storage.DSN = "" }},
		{"scale", func(c *Config) { c.Ledger.Scale = -1 }},
		{"currency", func(c *Config) { c.Ledger.Currency = "" }},
		{"ttl", func(c *Config) { c.Idempotency.TTL = 0 }},
		{"sweep", func(c *Config) { c.Idempotency.SweepInterval = -time.Second }},
		{"level", func(c *Config) { c.Log.Level = "loud" }},
		{"format", func(c *Config) { c.Log.Format = "xml" }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}
