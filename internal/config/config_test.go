package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotewire/quotewire/internal/model"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 100, cfg.RateLimit.MaxConnections)
	assert.True(t, cfg.Batching.Enabled)
}

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quotewire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9090"
rate_limit:
  max_connections: 50
providers:
  - name: longport
    priority: 10
    capabilities: [get-stock-quote]
    markets: [HK]
markets:
  HK:
    timezone: Asia/Hong_Kong
    trading_days: [1, 2, 3, 4, 5]
    sessions:
      - {name: morning, start: "09:30", end: "12:00"}
      - {name: afternoon, start: "13:00", end: "16:00"}
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 50, cfg.RateLimit.MaxConnections)
	assert.Equal(t, 100*time.Millisecond, cfg.Batching.LowLoadInterval, "untouched defaults survive the overlay")

	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "longport", cfg.Providers[0].Name)
	require.Contains(t, cfg.Markets, model.MarketHK)
	assert.Len(t, cfg.Markets[model.MarketHK].Sessions, 2)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers: {not a list"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestFromEnv_StableNames(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":7000")
	t.Setenv("STREAM_RECEIVER_BATCH_INTERVAL", "80")
	t.Setenv("STREAM_RECEIVER_DYNAMIC_BATCHING_ENABLED", "false")
	t.Setenv("DYNAMIC_BATCHING_MIN_INTERVAL", "20ms")
	t.Setenv("DYNAMIC_BATCHING_HIGH_LOAD_THRESHOLD", "30")
	t.Setenv("DYNAMIC_BATCHING_SAMPLE_WINDOW", "40")
	t.Setenv("MEMORY_WARNING_THRESHOLD", "0.6")
	t.Setenv("MEMORY_CRITICAL_THRESHOLD", "0.8")
	t.Setenv("RATE_LIMIT_MAX_CONNECTIONS", "250")

	cfg := Default()
	cfg.FromEnv()

	assert.Equal(t, ":7000", cfg.HTTPAddr)
	assert.Equal(t, 80*time.Millisecond, cfg.Batching.BaseInterval, "bare numbers read as milliseconds")
	assert.False(t, cfg.Batching.Enabled)
	assert.Equal(t, 20*time.Millisecond, cfg.Batching.MinInterval)
	assert.Equal(t, 30.0, cfg.Batching.HighLoadThreshold)
	assert.Equal(t, 40, cfg.Batching.SampleWindow)
	assert.Equal(t, 0.6, cfg.Memory.WarningThreshold)
	assert.Equal(t, 0.8, cfg.Memory.CriticalThreshold)
	assert.Equal(t, 250, cfg.RateLimit.MaxConnections)
}

func TestFromEnv_IgnoresGarbage(t *testing.T) {
	t.Setenv("RATE_LIMIT_MAX_CONNECTIONS", "not-a-number")
	cfg := Default()
	cfg.FromEnv()
	assert.Equal(t, 100, cfg.RateLimit.MaxConnections, "unparseable values keep the default")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bad := Default()
	bad.Batching.MinInterval = time.Second
	bad.Batching.MaxInterval = time.Millisecond
	require.Error(t, bad.Validate())

	bad = Default()
	bad.Memory.WarningThreshold = 0.9
	bad.Memory.CriticalThreshold = 0.8
	require.Error(t, bad.Validate())

	bad = Default()
	bad.RateLimit.MaxConnections = 0
	require.Error(t, bad.Validate())
}
