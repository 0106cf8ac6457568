package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigHasSaneDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "memory", cfg.Broker.Kind)
	require.Equal(t, "memory", cfg.ResultBackend.Kind)
	require.Equal(t, 3, cfg.Resilience.DefaultMaxRetries)
	require.Equal(t, []string{"default"}, cfg.Worker.Queues)
	require.True(t, cfg.Observability.Metrics.Enabled)
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("CELERY_BROKER_KIND", "redis")
	t.Setenv("CELERY_BROKER_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("CELERY_WORKER_MAX_CONCURRENCY", "64")
	t.Setenv("CELERY_WORKER_QUEUES", "default,low,high")
	t.Setenv("CELERY_REQUIRE_SIGNATURE", "true")
	t.Setenv("CELERY_RETRY_MULTIPLIER", "1.5")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	require.Equal(t, "redis", cfg.Broker.Kind)
	require.Equal(t, "redis.internal:6379", cfg.Broker.RedisAddr)
	require.Equal(t, 64, cfg.Worker.MaxConcurrency)
	require.Equal(t, []string{"default", "low", "high"}, cfg.Worker.Queues)
	require.True(t, cfg.Security.RequireSignature)
	require.Equal(t, 1.5, cfg.Resilience.RetryMultiplier)
}

func TestSignatureSecretEnvAlsoEnablesRequireSignature(t *testing.T) {
	t.Setenv("CELERY_SIGNATURE_SECRET", "shared-secret")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	require.Equal(t, "shared-secret", cfg.Security.SignatureSecret)
	require.True(t, cfg.Security.RequireSignature)
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	// time.Duration fields decode as plain JSON numbers (nanoseconds),
	// encoding/json has no duration-string support without a custom
	// UnmarshalJSON, so config files express them the same way.
	require.NoError(t, os.WriteFile(path, []byte(`{
		"worker": {"max_concurrency": 32},
		"beat": {"check_interval": 2000000000}
	}`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	require.Equal(t, 32, cfg.Worker.MaxConcurrency)
	require.Equal(t, 2*time.Second, cfg.Beat.CheckInterval)
	// Untouched sections keep their defaults.
	require.Equal(t, "memory", cfg.Broker.Kind)
}

func TestLoadFromFileMissingReturnsError(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
