package config

import (
	"log/slog"
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

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: 127.0.0.1:9000
database:
  path: /var/lib/gtfseditor/editor.db
jobs:
  workers: 4
validator:
  command: java
  args: ["-jar", "validator.jar", "-i", "{input}", "-o", "{output}"]
  timeout: 5m
log_level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "/var/lib/gtfseditor/editor.db", cfg.Database.Path)
	assert.Equal(t, 8, cfg.Database.PoolSize)
	assert.Equal(t, 4, cfg.Jobs.Workers)
	assert.Equal(t, 64, cfg.Jobs.Backlog)
	assert.Equal(t, "java", cfg.Validator.Command)
	assert.Len(t, cfg.Validator.Args, 6)
	assert.Equal(t, 5*time.Minute, cfg.Validator.Timeout)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvAddr, ":9999")
	t.Setenv(EnvDatabasePath, "env.db")
	t.Setenv(EnvWorkers, "7")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load(writeConfig(t, "server:\n  addr: \":1234\"\n"))
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "env.db", cfg.Database.Path)
	assert.Equal(t, 7, cfg.Jobs.Workers)
	assert.Equal(t, slog.LevelWarn, cfg.Level())

	t.Setenv(EnvWorkers, "many")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoadInvalid(t *testing.T) {
	_, err := Load(writeConfig(t, "database:\n  pool_size: 1\njobs:\n  workers: 0\n"))
	require.Error(t, err)
	fields := map[string]string{}
	for _, fieldErr := range ValidationErrors(err) {
		fields[fieldErr.Field()] = fieldErr.Tag()
	}
	assert.Equal(t, map[string]string{"PoolSize": "gte", "Workers": "gt"}, fields)

	_, err = Load(writeConfig(t, "validator:\n  command: java\n"))
	require.Error(t, err)
	require.Len(t, ValidationErrors(err), 1)
	assert.Equal(t, "required_with", ValidationErrors(err)[0].Tag())

	_, err = Load(writeConfig(t, "log_level: loud\n"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "server: [\n"))
	require.Error(t, err)
	assert.Nil(t, ValidationErrors(err))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
