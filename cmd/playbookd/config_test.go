package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func writeSettings(t *testing.T, home string, v any) {
	t.Helper()
	dir := filepath.Join(home, ".playbookd")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), data, 0o600))
}

func TestLoadConfig_Defaults(t *testing.T) {
	home := withHome(t)

	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, filepath.Join(home, ".playbookd", "playbookd.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(home, ".playbookd", "playbooks"), cfg.PlaybookDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 300*time.Second, cfg.engineConfig().DefaultStepTimeout)
	assert.Empty(t, cfg.VaultKey)
}

func TestLoadConfig_SettingsFile(t *testing.T) {
	home := withHome(t)
	writeSettings(t, home, map[string]any{
		"listen_addr":    ":9000",
		"pool_size":      3,
		"poll_increment": "50ms",
		"retry_delay":    "2s",
		"gateway_url":    "http://gw.local:8088",
	})

	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 3, cfg.PoolSize)
	assert.Equal(t, "http://gw.local:8088", cfg.GatewayURL)
	ec := cfg.engineConfig()
	assert.Equal(t, 50*time.Millisecond, ec.PollIncrement)
	assert.Equal(t, 2*time.Second, ec.RetryDelay)
	assert.Equal(t, "info", cfg.LogLevel, "unset keys keep their defaults")
}

func TestLoadConfig_EnvOverridesSettings(t *testing.T) {
	home := withHome(t)
	writeSettings(t, home, map[string]any{"listen_addr": ":9000", "log_level": "warn"})

	t.Setenv("PLAYBOOKD_LISTEN_ADDR", ":9100")
	t.Setenv("PLAYBOOKD_POOL_SIZE", "4")
	t.Setenv("PLAYBOOKD_DEFAULT_STEP_TIMEOUT", "45s")
	t.Setenv("PLAYBOOKD_VAULT_KEY", "hunter2")

	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.ListenAddr)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, 45*time.Second, cfg.engineConfig().DefaultStepTimeout)
	assert.Equal(t, "hunter2", cfg.VaultKey)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]any
		env      map[string]string
	}{
		{name: "bad duration in file", settings: map[string]any{"retry_delay": "soon"}},
		{name: "numeric duration in file", settings: map[string]any{"retry_delay": 5}},
		{name: "bad int env", env: map[string]string{"PLAYBOOKD_POOL_SIZE": "many"}},
		{name: "bad duration env", env: map[string]string{"PLAYBOOKD_POLL_INCREMENT": "fast"}},
		{name: "zero pool", env: map[string]string{"PLAYBOOKD_POOL_SIZE": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := withHome(t)
			if tt.settings != nil {
				writeSettings(t, home, tt.settings)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig()
			assert.Error(t, err)
		})
	}
}

func TestSecretsNeverSerialised(t *testing.T) {
	cfg := defaultConfig()
	cfg.VaultKey = "hunter2"
	cfg.AIAPIKey = "sk-test"

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.NotContains(t, string(data), "sk-test")
	assert.Contains(t, string(data), `"poll_increment":"500ms"`)
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()

	same := diffConfigs(old, old)
	assert.False(t, same.LogLevelChanged)
	assert.Empty(t, same.RestartNeeded)

	next := old
	next.LogLevel = "debug"
	next.PoolSize = 20
	next.RetryDelay = duration(5 * time.Second)
	next.AIModel = "gpt-test"

	d := diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.Equal(t, []string{"pool_size", "engine", "ai"}, d.RestartNeeded)
}
