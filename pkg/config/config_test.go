package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stackpilot/core/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"STACKPILOT_LISTEN_ADDR", "LOG_LEVEL", "DATABASE_URL", "SQLITE_PATH",
		"REDIS_ADDR", "APPROVAL_SECRET", "ADMIN_TOKEN", "CATALOG_PATH",
		"CLASSIFIER_URL", "OTLP_ENDPOINT", "OTEL_ENABLED", "RATE_RPS",
		"AUDIT_ANCHOR_INTERVAL", "REGISTRY_PURGE_INTERVAL", "EVIDENCE_BUCKET",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "stackpilot.db", cfg.SQLitePath)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 20, cfg.RateRPS)
	assert.Equal(t, 32, cfg.AnchorInterval)
	assert.Equal(t, time.Minute, cfg.PurgeInterval)
	assert.False(t, cfg.TelemetryEnabled)
	assert.Empty(t, cfg.AdminToken)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STACKPILOT_LISTEN_ADDR", ":9191")
	t.Setenv("DATABASE_URL", "postgres://stackpilot@db:5432/core?sslmode=disable")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("APPROVAL_SECRET", "prod-secret")
	t.Setenv("ADMIN_TOKEN", "ops-token")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("RATE_RPS", "100")
	t.Setenv("AUDIT_ANCHOR_INTERVAL", "64")
	t.Setenv("REGISTRY_PURGE_INTERVAL", "5m")

	cfg := config.Load()

	assert.Equal(t, ":9191", cfg.ListenAddr)
	assert.Equal(t, "postgres://stackpilot@db:5432/core?sslmode=disable", cfg.DatabaseURL)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "prod-secret", cfg.ApprovalSecret)
	assert.Equal(t, "ops-token", cfg.AdminToken)
	assert.True(t, cfg.TelemetryEnabled)
	assert.Equal(t, 100, cfg.RateRPS)
	assert.Equal(t, 64, cfg.AnchorInterval)
	assert.Equal(t, 5*time.Minute, cfg.PurgeInterval)
}

func TestBadNumericFallsBack(t *testing.T) {
	t.Setenv("RATE_RPS", "not-a-number")
	t.Setenv("REGISTRY_PURGE_INTERVAL", "soon")

	cfg := config.Load()

	assert.Equal(t, 20, cfg.RateRPS)
	assert.Equal(t, time.Minute, cfg.PurgeInterval)
}
