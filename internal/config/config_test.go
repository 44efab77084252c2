package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "DATA_DIR", "DATABASE_URL", "REDIS_URL", "MINIO_ENDPOINT",
		"MAX_CHUNK_SIZE", "MAX_PROBE_SIZE", "RATE_LIMIT_RPS", "ALLOWED_ORIGINS",
		"LOG_LEVEL", "LOG_FORMAT", "DOWNLOAD_TOKEN_TTL_SECONDS", "DOWNTIME_THRESHOLD_SECONDS",
	} {
		os.Unsetenv(key)
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, int64(80*1024*1024), cfg.MaxChunkSize)
	assert.Equal(t, int64(5*1024*1024), cfg.MaxProbeSize)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
}

func TestLoadHonorsEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("MAX_CHUNK_SIZE", "1024")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(1024), cfg.MaxChunkSize)
}

func TestLoadRejectsNonIntegerPort(t *testing.T) {
	t.Setenv("PORT", "not-a-port")

	_, err := Load()
	require.Error(t, err)
}
