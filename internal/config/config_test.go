package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DRIPFLOW_SIGNING_KEY", "test-key")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8085, cfg.Server.Port)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, 25, cfg.Database.MaxOpenConns)
	require.Equal(t, 5*time.Minute, cfg.Sequences.StepTimeout)
	require.Equal(t, 10*time.Second, cfg.Sequences.WebhookTimeout)
	require.Equal(t, "test-key", cfg.Dispatch.SigningKey)
}

func TestLoadMissingSigningKeyFails(t *testing.T) {
	t.Setenv("DRIPFLOW_SIGNING_KEY", "")

	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "signing key")
}

func TestLoadYAMLFile(t *testing.T) {
	t.Setenv("DRIPFLOW_SIGNING_KEY", "test-key")

	path := filepath.Join(t.TempDir(), "dripflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  allowed_origins: ["https://app.emberline.io"]
redis:
  addr: redis.internal:6380
  db: 2
queues:
  transactional_concurrency: 8
  bulk_concurrency: 3
sequences:
  step_timeout: 2m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, []string{"https://app.emberline.io"}, cfg.Server.AllowedOrigins)
	require.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	require.Equal(t, 2, cfg.Redis.DB)
	require.Equal(t, 8, cfg.Queues.TransactionalConcurrency)
	require.Equal(t, 3, cfg.Queues.BulkConcurrency)
	require.Equal(t, 2*time.Minute, cfg.Sequences.StepTimeout)

	// Untouched sections keep their defaults.
	require.Equal(t, 25, cfg.Database.MaxOpenConns)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DRIPFLOW_SIGNING_KEY", "test-key")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, 8085, cfg.Server.Port)
}

func TestLoadMalformedYAMLFails(t *testing.T) {
	t.Setenv("DRIPFLOW_SIGNING_KEY", "test-key")

	path := filepath.Join(t.TempDir(), "dripflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [broken"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DRIPFLOW_SIGNING_KEY", "env-key")
	t.Setenv("DATABASE_URL", "postgres://env@db/dripflow")
	t.Setenv("REDIS_ADDR", "env-redis:6379")
	t.Setenv("REDIS_PASSWORD", "hunter2")
	t.Setenv("DRIPFLOW_UNSUB_BASE_URL", "https://u.example.com")
	t.Setenv("PORT", "7070")

	path := filepath.Join(t.TempDir(), "dripflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres://env@db/dripflow", cfg.Database.URL)
	require.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	require.Equal(t, "hunter2", cfg.Redis.Password)
	require.Equal(t, "env-key", cfg.Dispatch.SigningKey)
	require.Equal(t, "https://u.example.com", cfg.Dispatch.UnsubscribeBaseURL)
	require.Equal(t, 7070, cfg.Server.Port, "env port wins over the file")
}

func TestLoadBadPortEnvIgnored(t *testing.T) {
	t.Setenv("DRIPFLOW_SIGNING_KEY", "test-key")
	t.Setenv("PORT", "not-a-port")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8085, cfg.Server.Port)
}
