package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("FILE_PROCESSING_WEBHOOK_SECRET", "whsec")
	t.Setenv("JOB_WORKER_SECRET", "worker")
	t.Setenv("CRON_SECRET", "cron")
}

func TestNewFromEnv_Defaults(t *testing.T) {
	setSecrets(t)
	t.Setenv("DATA_DIR", "")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
	assert.Equal(t, filepath.Join("/app/data", "mediacards.db"), cfg.Store.DBPath())
	assert.Equal(t, "local", cfg.AI.Provider)
	assert.Equal(t, "memory", cfg.RateLimit.Driver)
	assert.Equal(t, "@every 1m", cfg.Scheduler.TickExpr)
	assert.Equal(t, 1, cfg.Scheduler.Iterations)
	assert.Equal(t, time.Second, cfg.Scheduler.Delay)
	assert.Equal(t, 30, cfg.Scheduler.RetentionDays)
	assert.Equal(t, int64(100*1024*1024), cfg.Ingest.MaxFileSize)
	assert.False(t, cfg.Storage.Enabled())
	assert.Equal(t, "ingest", cfg.Storage.Buckets.Ingest)
}

func TestNewFromEnv_FromEnv(t *testing.T) {
	setSecrets(t)
	t.Setenv("STORE_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/mediacards")
	t.Setenv("CRON_EXPR", "off")
	t.Setenv("TICK_ITERATIONS", "5")
	t.Setenv("TICK_DELAY", "250")
	t.Setenv("JOB_TIMEOUT", "90s")
	t.Setenv("MINIO_ENDPOINT", "minio:9000")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("RATE_LIMIT_DRIVER", "redis")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, StorePostgres, cfg.Store.Driver)
	assert.Empty(t, cfg.Scheduler.TickExpr)
	assert.Equal(t, 5, cfg.Scheduler.Iterations)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.Delay)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.JobTimeout)
	assert.True(t, cfg.Storage.Enabled())
	assert.True(t, cfg.Storage.MinIO().UseSSL)
	assert.Equal(t, "redis:6379", cfg.RateLimit.RedisAddr)
	assert.Equal(t, "postgres://localhost/mediacards", cfg.OptionalSettings()["DATABASE_URL"])
}

func TestNewFromEnv_RequiresSecrets(t *testing.T) {
	t.Setenv("FILE_PROCESSING_WEBHOOK_SECRET", "")
	t.Setenv("JOB_WORKER_SECRET", "worker")
	t.Setenv("CRON_SECRET", "")

	_, err := NewFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CRON_SECRET is required")
	assert.Contains(t, err.Error(), "FILE_PROCESSING_WEBHOOK_SECRET is required")
	assert.NotContains(t, err.Error(), "JOB_WORKER_SECRET")
}

func TestNewFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"store driver", map[string]string{"STORE_DRIVER": "mongo"}, "unsupported STORE_DRIVER: mongo"},
		{"postgres without url", map[string]string{"STORE_DRIVER": "postgres"}, "DATABASE_URL is required"},
		{"openai without key", map[string]string{"AI_PROVIDER": "openai"}, "OPENAI_API_KEY is required"},
		{"redis without addr", map[string]string{"RATE_LIMIT_DRIVER": "redis"}, "REDIS_ADDR is required"},
		{"bad cron", map[string]string{"CRON_EXPR": "every minute"}, "CRON_EXPR: invalid cron expression"},
		{"bad maintenance cron", map[string]string{"MAINTENANCE_CRON_EXPR": "61 * * * *"}, "MAINTENANCE_CRON_EXPR"},
		{"retention", map[string]string{"RETENTION_DAYS": "0"}, "RETENTION_DAYS must be at least 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setSecrets(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := NewFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewFromEnv_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(
		"FILE_PROCESSING_WEBHOOK_SECRET=from-file\nJOB_WORKER_SECRET=from-file\nCRON_SECRET=from-file\nHTTP_ADDR=:9999\n",
	), 0o600))
	t.Chdir(dir)
	// variables already in the environment win over .env
	t.Setenv("CRON_SECRET", "from-env")
	t.Setenv("FILE_PROCESSING_WEBHOOK_SECRET", "")
	t.Setenv("JOB_WORKER_SECRET", "")
	t.Setenv("HTTP_ADDR", "")
	for _, k := range []string{"FILE_PROCESSING_WEBHOOK_SECRET", "JOB_WORKER_SECRET", "HTTP_ADDR"} {
		require.NoError(t, os.Unsetenv(k))
	}

	cfg, err := NewFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Secrets.Cron)
	assert.Equal(t, "from-file", cfg.Secrets.Worker)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
}
