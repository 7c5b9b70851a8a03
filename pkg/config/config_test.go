package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/hutch", cfg.DataDir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":80", cfg.Proxy.HTTPAddr)
	assert.Equal(t, 25*time.Second, cfg.Proxy.WakeWait)
	assert.Equal(t, "hutch", cfg.Runtime.Namespace)
	assert.Equal(t, 0.5, cfg.Scheduler.MaxStartFraction)
	assert.Equal(t, 15*time.Minute, cfg.Lifecycle.IdleWindow)
	assert.Equal(t, 3, cfg.Lifecycle.HealthRetries)
	assert.Equal(t, "hutch.dev", cfg.ACME.PlatformDomain)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hutch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /tmp/hutch-test
log:
  level: debug
  json: true
scheduler:
  workers: 4
  host_cores: 8
lifecycle:
  idle_window: 5m
acme:
  platform_domain: example.dev
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/hutch-test", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Lifecycle.IdleWindow)
	assert.Equal(t, "example.dev", cfg.ACME.PlatformDomain)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero workers", "scheduler:\n  workers: 0\n"},
		{"negative start fraction", "scheduler:\n  max_start_fraction: -1\n"},
		{"zero idle window", "lifecycle:\n  idle_window: 0s\n"},
		{"zero health retries", "lifecycle:\n  health_retries: 0\n"},
		{"empty platform domain", "acme:\n  platform_domain: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "hutch.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestAdmissionLimits(t *testing.T) {
	cfg := &Config{
		Scheduler: SchedulerConfig{
			HostCores:           8,
			MaxStartFraction:    0.5,
			MaxResidentFraction: 4.0,
		},
	}
	assert.Equal(t, 8, cfg.HostCores())
	assert.Equal(t, 4, cfg.MaxConcurrentStarts())
	assert.Equal(t, 32, cfg.MaxResidentContainers())

	// Tiny hosts still admit at least one start.
	cfg.Scheduler.HostCores = 1
	cfg.Scheduler.MaxStartFraction = 0.25
	assert.Equal(t, 1, cfg.MaxConcurrentStarts())
}
