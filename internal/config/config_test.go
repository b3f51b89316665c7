package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_DecodesDurationsAndNestedSections(t *testing.T) {
	path := writeConfig(t, `{
		"risk": {"provider": "exec", "cmd": ["./assess.sh"], "timeout": "2s", "retries": 1},
		"workers": {"concurrency": 8},
		"rollback": {"enabled": true, "interval": "30s", "window": "5m", "margin": 0.1},
		"approval_timeout": "48h",
		"retention": {"keep_last": 5}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ProviderExec, cfg.Risk.Provider)
	assert.Equal(t, []string{"./assess.sh"}, cfg.Risk.Cmd)
	assert.Equal(t, 2*time.Second, cfg.Risk.Timeout)
	assert.Equal(t, 1, cfg.Risk.Retries)
	assert.Equal(t, 8, cfg.Workers.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Rollback.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Rollback.Window)
	assert.InDelta(t, 0.1, cfg.Rollback.Margin, 1e-9)
	assert.Equal(t, 48*time.Hour, cfg.ApprovalTimeout)
	assert.Equal(t, 5, cfg.Retention.KeepLast)
	// untouched sections keep defaults
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `{"workers": {"concurrency": 2, "burst": 3}}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config schema validation failed")
}

func TestLoad_RejectsUnknownProvider(t *testing.T) {
	path := writeConfig(t, `{"risk": {"provider": "oracle"}}`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CLAUSEGATE_WORKERS_CONCURRENCY", "3")
	t.Setenv("CLAUSEGATE_RISK_TIMEOUT", "750ms")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers.Concurrency)
	assert.Equal(t, 750*time.Millisecond, cfg.Risk.Timeout)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "exec needs cmd", mutate: func(c *Config) { c.Risk.Provider = ProviderExec }, wantErr: "risk.cmd"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Workers.Concurrency = 0 }, wantErr: "workers.concurrency"},
		{name: "zero timeout", mutate: func(c *Config) { c.Risk.Timeout = 0 }, wantErr: "risk.timeout"},
		{name: "margin out of range", mutate: func(c *Config) { c.Rollback.Margin = 1 }, wantErr: "rollback.margin"},
		{name: "disabled rollback skips checks", mutate: func(c *Config) {
			c.Rollback.Enabled = false
			c.Rollback.Interval = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
