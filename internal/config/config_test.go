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
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  environment: test\n"))
	require.NoError(t, err)

	assert.True(t, cfg.Execution.Simulation)
	assert.Equal(t, 0.1, cfg.Execution.DefaultSnipeAmount)
	assert.Equal(t, 15*time.Second, cfg.Watcher.PollInterval)
	assert.Equal(t, int64(10143), cfg.Chain.ChainID)
	assert.Equal(t, RegistryBackendMemory, cfg.Registry.Backend)
	assert.Equal(t, []string{"stdout"}, cfg.Logging.OutputPaths)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("TRENCH_WATCHER_POLL_INTERVAL", "3s")
	t.Setenv("TRENCH_EXECUTION_MAX_RETRIES", "5")

	cfg, err := Load(writeConfig(t, "watcher:\n  poll_interval: 30s\n"))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Watcher.PollInterval)
	assert.Equal(t, 5, cfg.Execution.MaxRetries)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate_LiveModeNeedsRouter(t *testing.T) {
	_, err := Load(writeConfig(t, "execution:\n  simulation: false\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "router_address")
	assert.Contains(t, err.Error(), "wrapped_native")
}

func TestValidate_AggregatesErrors(t *testing.T) {
	body := "execution:\n  slippage: 0.9\n  default_snipe_amount: 0\nregistry:\n  backend: redis\n"
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution.slippage")
	assert.Contains(t, err.Error(), "default_snipe_amount")
	assert.Contains(t, err.Error(), "redis")
}
