package config

import (
	"time"

	"frameworks/api_publisher/internal/queue"
	"frameworks/api_publisher/internal/retry"
	"frameworks/pkg/config"
	"frameworks/pkg/email"
)

const (
	PostQueueName = "post-scheduler"
	SyncQueueName = "social-media-sync"
)

type Platforms struct {
	TwitterClientID      string
	TwitterClientSecret  string
	TwitterAPIURL        string
	TwitterUploadURL     string
	InstagramGraphURL    string
	InstagramRefreshURL  string
	LinkedInClientID     string
	LinkedInClientSecret string
	LinkedInAPIURL       string
	LinkedInTokenURL     string
	HTTPTimeout          time.Duration
	HTTPMaxRetries       int
}

// Config stores environment configuration for Bosun.
type Config struct {
	Port               string
	DatabaseURL        string
	RedisURL           string
	JWTSecret          string
	ServiceToken       string
	FieldEncryptionKey string

	KafkaBrokers  []string
	KafkaGroupID  string
	KafkaClientID string

	PostQueue       queue.Options
	SyncQueue       queue.Options
	MaxAttempts     int
	MonitorInterval time.Duration
	Policy          retry.Policy

	SweepInterval        time.Duration
	SweepBatch           int
	TokenRefreshWindow   time.Duration
	TokenRefreshInterval time.Duration
	PublishLockTTL       time.Duration
	PlatformTimeout      time.Duration
	NotifyGuardTTL       time.Duration

	AdminEmails []string
	SMTP        email.Config

	Platforms Platforms
}

// LoadConfig loads the Bosun configuration from environment variables.
func LoadConfig() Config {
	maxAttempts := config.GetEnvInt("PUBLISH_MAX_ATTEMPTS", 3)
	return Config{
		Port:               config.GetEnv("PORT", "18030"),
		DatabaseURL:        config.RequireEnv("DATABASE_URL"),
		RedisURL:           config.RequireEnv("REDIS_URL"),
		JWTSecret:          config.RequireEnv("JWT_SECRET"),
		ServiceToken:       config.GetEnv("SERVICE_TOKEN", ""),
		FieldEncryptionKey: config.GetEnv("FIELD_ENCRYPTION_KEY", ""),

		KafkaBrokers:  config.GetEnvList("KAFKA_BROKERS", nil),
		KafkaGroupID:  config.GetEnv("KAFKA_GROUP_ID", "bosun-post-sync"),
		KafkaClientID: config.GetEnv("KAFKA_CLIENT_ID", "bosun"),

		PostQueue: queue.Options{
			DefaultMaxAttempts: maxAttempts,
			Concurrency:        config.GetEnvInt("QUEUE_CONCURRENCY", 5),
			PollInterval:       config.GetEnvDuration("QUEUE_POLL_INTERVAL", time.Second),
			HandlerTimeout:     config.GetEnvDuration("QUEUE_HANDLER_TIMEOUT", 5*time.Minute),
			RetryBase:          config.GetEnvDuration("QUEUE_RETRY_BASE", 30*time.Second),
			RetryMax:           config.GetEnvDuration("QUEUE_RETRY_MAX", 30*time.Minute),
		},
		SyncQueue: queue.Options{
			Concurrency:    config.GetEnvInt("SYNC_QUEUE_CONCURRENCY", 2),
			PollInterval:   config.GetEnvDuration("QUEUE_POLL_INTERVAL", time.Second),
			HandlerTimeout: config.GetEnvDuration("SYNC_QUEUE_HANDLER_TIMEOUT", time.Minute),
		},
		MaxAttempts:     maxAttempts,
		MonitorInterval: config.GetEnvDuration("QUEUE_MONITOR_INTERVAL", time.Minute),
		Policy: retry.Policy{
			RateLimitBase:        config.GetEnvDuration("RATE_LIMIT_BACKOFF_BASE", time.Minute),
			RateLimitMax:         config.GetEnvDuration("RATE_LIMIT_BACKOFF_MAX", time.Hour),
			TransientBase:        config.GetEnvDuration("TRANSIENT_BACKOFF_BASE", 10*time.Second),
			TransientMax:         config.GetEnvDuration("TRANSIENT_BACKOFF_MAX", 5*time.Minute),
			TransientMaxAttempts: config.GetEnvInt("TRANSIENT_MAX_ATTEMPTS", 3),
			MediaDelay:           config.GetEnvDuration("MEDIA_RETRY_DELAY", 5*time.Minute),
			MediaMaxAttempts:     config.GetEnvInt("MEDIA_MAX_ATTEMPTS", 3),
		},

		SweepInterval:        config.GetEnvDuration("SWEEP_INTERVAL", time.Minute),
		SweepBatch:           config.GetEnvInt("SWEEP_BATCH", 50),
		TokenRefreshWindow:   config.GetEnvDuration("TOKEN_REFRESH_WINDOW", 24*time.Hour),
		TokenRefreshInterval: config.GetEnvDuration("TOKEN_REFRESH_INTERVAL", 15*time.Minute),
		PublishLockTTL:       config.GetEnvDuration("PUBLISH_LOCK_TTL", 10*time.Minute),
		PlatformTimeout:      config.GetEnvDuration("PLATFORM_TIMEOUT", 2*time.Minute),
		NotifyGuardTTL:       config.GetEnvDuration("NOTIFY_GUARD_TTL", 30*24*time.Hour),

		AdminEmails: config.GetEnvList("ADMIN_EMAILS", nil),
		SMTP: email.Config{
			Host:     config.GetEnv("SMTP_HOST", ""),
			Port:     config.GetEnv("SMTP_PORT", "587"),
			User:     config.GetEnv("SMTP_USER", ""),
			Password: config.GetEnv("SMTP_PASSWORD", ""),
			From:     config.GetEnv("FROM_EMAIL", ""),
			FromName: config.GetEnv("FROM_NAME", "Bosun"),
		},

		Platforms: Platforms{
			TwitterClientID:      config.GetEnv("TWITTER_CLIENT_ID", ""),
			TwitterClientSecret:  config.GetEnv("TWITTER_CLIENT_SECRET", ""),
			TwitterAPIURL:        config.GetEnv("TWITTER_API_URL", ""),
			TwitterUploadURL:     config.GetEnv("TWITTER_UPLOAD_URL", ""),
			InstagramGraphURL:    config.GetEnv("INSTAGRAM_GRAPH_URL", ""),
			InstagramRefreshURL:  config.GetEnv("INSTAGRAM_REFRESH_URL", ""),
			LinkedInClientID:     config.GetEnv("LINKEDIN_CLIENT_ID", ""),
			LinkedInClientSecret: config.GetEnv("LINKEDIN_CLIENT_SECRET", ""),
			LinkedInAPIURL:       config.GetEnv("LINKEDIN_API_URL", ""),
			LinkedInTokenURL:     config.GetEnv("LINKEDIN_TOKEN_URL", ""),
			HTTPTimeout:          config.GetEnvDuration("PLATFORM_HTTP_TIMEOUT", 30*time.Second),
			HTTPMaxRetries:       config.GetEnvInt("PLATFORM_HTTP_MAX_RETRIES", 2),
		},
	}
}
