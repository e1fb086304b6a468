package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"frameworks/api_publisher/internal/retry"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://bosun@localhost/bosun?sslmode=disable")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("JWT_SECRET", "secret")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequired(t)

	cfg := LoadConfig()
	require.Equal(t, "18030", cfg.Port)
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, retry.DefaultPolicy(), cfg.Policy)
	require.Equal(t, time.Minute, cfg.SweepInterval)
	require.Equal(t, 5, cfg.PostQueue.Concurrency)
	require.Empty(t, cfg.KafkaBrokers)
	require.False(t, cfg.SMTP.Enabled())
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("PUBLISH_MAX_ATTEMPTS", "5")
	t.Setenv("RATE_LIMIT_BACKOFF_BASE", "2m")
	t.Setenv("ADMIN_EMAILS", "ops@example.com")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("FROM_EMAIL", "bosun@example.com")

	cfg := LoadConfig()
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 5, cfg.MaxAttempts)
	require.Equal(t, 5, cfg.PostQueue.DefaultMaxAttempts)
	require.Equal(t, 2*time.Minute, cfg.Policy.RateLimitBase)
	require.Equal(t, []string{"ops@example.com"}, cfg.AdminEmails)
	require.True(t, cfg.SMTP.Enabled())
}
