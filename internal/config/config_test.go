package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scanforge/orchestrator/internal/taskerr"
)

func validFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	content := `
logging:
  level: debug
api:
  port: 9090
collaborators:
  search:      {base_url: "http://search.local",      api_key: "k1"}
  extraction:  {base_url: "http://extract.local",     api_key: "k2"}
  evaluator:   {base_url: "http://evaluate.local",    api_key: "k3"}
  interpreter: {base_url: "http://interpret.local",   api_key: "k4"}
  composer:    {base_url: "http://compose.local",     api_key: "k5"}
queues:
  search:
    concurrency: 8
research:
  depth_iterations:
    standard: 2
    deep: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	cfg, err := Load(validFile(t))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, 8, cfg.Queues["search"].Concurrency)
	// Untouched defaults survive.
	assert.Equal(t, 100, cfg.Queues["search"].RatePerMinute)
	assert.Equal(t, 3, cfg.Queues["analysis"].Concurrency)
	assert.Equal(t, 4, cfg.Research.DepthIterations["deep"])
	assert.Equal(t, 5, cfg.Research.DepthIterations["exhaustive"])
	assert.Equal(t, 0.8, cfg.Research.Thresholds.HighQualityScore)
	assert.Contains(t, cfg.Research.ReputableOutlets, "reuters.com")
	assert.Equal(t, 8*time.Second, cfg.Collaborators.Search.Timeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 2112, cfg.Metrics.Port)
	assert.Equal(t, 2, cfg.Research.DepthIterations["standard"])
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("SCANFORGE_API_PORT", "7070")
	t.Setenv("SCANFORGE_REDIS_ADDR", "redis.prod:6379")

	cfg, err := Load(validFile(t))
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.API.Port)
	assert.Equal(t, "redis.prod:6379", cfg.Redis.Addr)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: ["), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateMissingCredentialIsFatal(t *testing.T) {
	cfg, err := Load(validFile(t))
	require.NoError(t, err)

	cfg.Collaborators.Evaluator.APIKey = ""
	err = cfg.Validate()
	require.Error(t, err)
	assert.True(t, taskerr.IsFatal(err))
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load(validFile(t))
	require.NoError(t, err)

	cfg.Redis.Enabled = true
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate())
	cfg.Redis.Enabled = false

	cfg.Database.Enabled = true
	cfg.Database.DSN = ""
	assert.Error(t, cfg.Validate())
	cfg.Database.Enabled = false

	cfg.Queues["search"] = QueueLimits{Concurrency: 0}
	assert.Error(t, cfg.Validate())
}

func TestWatchFileFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ratelimits.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rate_limits: {}\n"), 0o644))

	stop := make(chan struct{})
	defer close(stop)
	fired := make(chan struct{}, 4)
	require.NoError(t, WatchFile(path, zap.NewNop(), stop, func() {
		fired <- struct{}{}
	}))

	// Give the watcher a beat to establish before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("rate_limits: {default_per_minute: 10}\n"), 0o644))

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never fired on write")
	}
}
