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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// TestLoadDefaults verifies a minimal file picks up every tuning
// default.
func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/spokectl-test
instances:
  - code: fra
    type: spoke
    config_dir: /tmp/spokectl-test/fra
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.LockTimeout())
	assert.Equal(t, 2*time.Second, cfg.InitialBackoff())
	assert.Equal(t, 5, cfg.Pipeline.FailureThreshold)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 300, cfg.Timeouts.MaxSeconds)
	assert.Equal(t, 1.5, cfg.Timeouts.SafetyFactor)
	assert.Equal(t, filepath.Join("/tmp/spokectl-test", "db"), cfg.DBPath())
	assert.Equal(t, filepath.Join("/tmp/spokectl-test", "logs"), cfg.LogDir)
}

// TestLoadFull verifies a realistic topology file parses completely.
func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/spokectl-test
hub:
  url: https://hub.example.net:8443
  notify_transitions: true
instances:
  - code: hub
    type: hub
    config_dir: /etc/meridian/hub
  - code: fra
    type: spoke
    config_dir: /etc/meridian/fra
    mode: production
services:
  - name: mongodb
    probe:
      type: tcp
      address: 127.0.0.1:27017
  - name: keycloak
    depends_on: [mongodb]
    probe:
      type: http
      url: http://127.0.0.1:8080/health/ready
phase_commands:
  PREFLIGHT: ./scripts/preflight.sh
  SEEDING: ./scripts/seed.sh
pipeline:
  max_attempts: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	inst, ok := cfg.Instance("fra")
	require.True(t, ok)
	assert.Equal(t, "production", inst.Mode)

	require.Len(t, cfg.Services, 2)
	assert.Equal(t, []string{"mongodb"}, cfg.Services[1].DependsOn)
	assert.Equal(t, "tcp", cfg.Services[0].Probe.Type)
	assert.Equal(t, 5, cfg.Pipeline.MaxAttempts)
	assert.True(t, cfg.Hub.NotifyTransitions)

	_, ok = cfg.Instance("nonexistent")
	assert.False(t, ok)
}

// TestLoadRejectsBadInput covers the validation failures operators
// actually hit.
func TestLoadRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no instances", "data_dir: /tmp/x\n"},
		{"bad type", `
data_dir: /tmp/x
instances:
  - code: fra
    type: satellite
    config_dir: /tmp/x
`},
		{"duplicate codes", `
data_dir: /tmp/x
instances:
  - code: fra
    type: spoke
    config_dir: /tmp/x
  - code: fra
    type: spoke
    config_dir: /tmp/y
`},
		{"two hubs", `
data_dir: /tmp/x
instances:
  - code: hub1
    type: hub
    config_dir: /tmp/x
  - code: hub2
    type: hub
    config_dir: /tmp/y
`},
		{"unknown phase command", `
data_dir: /tmp/x
instances:
  - code: fra
    type: spoke
    config_dir: /tmp/x
phase_commands:
  WARMUP: ./warmup.sh
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}
}
