package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(FileEnv, "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddress)
	require.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	require.True(t, cfg.PollerEnabled)
	require.Equal(t, 60*time.Second, cfg.PollInterval)
	require.Equal(t, 16*time.Minute, cfg.PollLookback)
	require.Equal(t, 50, cfg.PollMaxResults)
	require.Equal(t, 3, cfg.PollMaxAttempts)
	require.Equal(t, 2*time.Second, cfg.PollBaseDelay)
	require.Equal(t, 8, cfg.SyncWorkers)
	require.Zero(t, cfg.SyncTimeout)
	require.Empty(t, cfg.GoogleAPIEndpoint)
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "carbonlens.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_address: ":9000"
kafka_brokers:
  - k1:9092
  - k2:9092
poll_interval: 5m
poller_enabled: false
sync_workers: 32
graph_base_url: http://graph.local
`), 0o600))

	t.Setenv(FileEnv, path)
	t.Setenv("HTTP_ADDRESS", ":7000")
	t.Setenv("POLL_MAX_RESULTS", "10")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.HTTPAddress)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 5*time.Minute, cfg.PollInterval)
	require.False(t, cfg.PollerEnabled)
	require.Equal(t, 8, cfg.SyncWorkers, "workers are clamped")
	require.Equal(t, 10, cfg.PollMaxResults)
	require.Equal(t, "http://graph.local", cfg.GraphBaseURL)
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_address: [unterminated"), 0o600))
	t.Setenv(FileEnv, path)

	_, err := Load()
	require.Error(t, err)

	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load()
	require.Error(t, err)
}
