package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/core/extraction"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("EXTRACT_BATCH_SIZE", "")

	cfg := Load()
	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	assert.Equal(t, "sqlite", cfg.StorageDriver)
	assert.Equal(t, extraction.DefaultJobConfig(), cfg.Extraction)
}

func TestLoad_ExtractionOverrides(t *testing.T) {
	t.Setenv("EXTRACT_BATCH_SIZE", "5")
	t.Setenv("EXTRACT_PAUSE_BETWEEN_BATCHES", "1m")
	t.Setenv("EXTRACT_COOLDOWN", "1500")
	t.Setenv("EXTRACT_REQUESTS_PER_HOUR", "not-a-number")

	cfg := Load()
	assert.Equal(t, 5, cfg.Extraction.BatchSize)
	assert.Equal(t, time.Minute, cfg.Extraction.PauseBetweenBatches)
	assert.Equal(t, 1500*time.Millisecond, cfg.Extraction.CooldownPeriod)
	assert.Equal(t, extraction.DefaultJobConfig().RequestsPerHour, cfg.Extraction.RequestsPerHour)
}

func TestLoad_PanicsOnInvalidExtractionDefaults(t *testing.T) {
	t.Setenv("EXTRACT_CONCURRENCY", "0")
	require.Panics(t, func() { Load() })
}

func TestLoad_WebhookNeedsSecret(t *testing.T) {
	t.Setenv("WEBHOOK_URL", "https://hooks.example.com/extractions")
	t.Setenv("SYSTEM_AUTH_SECRET", "")
	require.Panics(t, func() { Load() })

	t.Setenv("SYSTEM_AUTH_SECRET", "s3cret")
	t.Setenv("BROWSER_HEADLESS", "false")
	cfg := Load()
	assert.Equal(t, "s3cret", cfg.SystemAuthSecret)
	assert.False(t, cfg.BrowserHeadless)
}
