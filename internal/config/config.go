package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/lalithlochan/outreach/internal/db"
	"github.com/lalithlochan/outreach/internal/provider"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database. DatabaseURL wins over the discrete fields when set.
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	DBMaxConns  int

	// Provider defaults, overridden per campaign
	EmailProvider      string
	SenderEmail        string
	SMTPHost           string
	SMTPPort           int
	SMTPUsername       string
	SMTPPassword       string
	SMTPTLSMode        string
	ResendAPIKey       string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	ProviderTimeout    time.Duration

	// Queue processor
	BatchSize        int
	RateLimit        int
	Interval         time.Duration
	SendDelay        time.Duration
	StaleAfter       time.Duration
	FollowUpSchedule string

	// Circuit breaker; disabled when BreakerMaxFailures is 0
	BreakerMaxFailures     int
	BreakerRecoveryTimeout time.Duration

	// Redis for the dashboard; rate limiting and idempotency are off without it
	RedisURL       string
	APIRateLimit   int
	APIRateWindow  time.Duration
	IdempotencyTTL time.Duration

	// SES feedback queue
	FeedbackQueueURL string
	// SNS topic for tracking events; publishing is off when empty
	EventsTopicARN string
	// AWSEndpoint overrides the AWS endpoint for SQS/SNS, for LocalStack
	AWSEndpoint string
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is loaded first when
// present; variables already set in the environment win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "postgres",
		DBName:    "outreach",
		DBSSLMode: "disable",

		EmailProvider:   "smtp",
		SenderEmail:     "noreply@outreach.local",
		SMTPHost:        "localhost",
		SMTPPort:        587,
		SMTPTLSMode:     "starttls",
		AWSRegion:       "us-east-1",
		ProviderTimeout: 30 * time.Second,

		BatchSize:  10,
		RateLimit:  100,
		Interval:   60 * time.Second,
		SendDelay:  500 * time.Millisecond,
		StaleAfter: 15 * time.Minute,

		BreakerRecoveryTimeout: time.Minute,

		APIRateLimit:   120,
		APIRateWindow:  time.Minute,
		IdempotencyTTL: 24 * time.Hour,
	}

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	str("LOG_LEVEL", &cfg.LogLevel)
	str("ENV", &cfg.Env)

	str("DATABASE_URL", &cfg.DatabaseURL)
	str("DB_HOST", &cfg.DBHost)
	str("DB_USER", &cfg.DBUser)
	str("DB_PASSWORD", &cfg.DBPassword)
	str("DB_NAME", &cfg.DBName)
	str("DB_SSLMODE", &cfg.DBSSLMode)

	str("EMAIL_PROVIDER", &cfg.EmailProvider)
	str("SENDER_EMAIL", &cfg.SenderEmail)
	str("SMTP_HOST", &cfg.SMTPHost)
	str("SMTP_USERNAME", &cfg.SMTPUsername)
	str("SMTP_PASSWORD", &cfg.SMTPPassword)
	str("SMTP_TLS_MODE", &cfg.SMTPTLSMode)
	str("RESEND_API_KEY", &cfg.ResendAPIKey)
	str("AWS_REGION", &cfg.AWSRegion)
	str("AWS_ACCESS_KEY_ID", &cfg.AWSAccessKeyID)
	str("AWS_SECRET_ACCESS_KEY", &cfg.AWSSecretAccessKey)

	str("FOLLOW_UP_SCHEDULE", &cfg.FollowUpSchedule)
	str("REDIS_URL", &cfg.RedisURL)
	str("FEEDBACK_QUEUE_URL", &cfg.FeedbackQueueURL)
	str("EVENTS_TOPIC_ARN", &cfg.EventsTopicARN)
	str("AWS_ENDPOINT_URL", &cfg.AWSEndpoint)

	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &cfg.Port},
		{"DB_PORT", &cfg.DBPort},
		{"DB_MAX_CONNS", &cfg.DBMaxConns},
		{"SMTP_PORT", &cfg.SMTPPort},
		{"PROCESSOR_BATCH_SIZE", &cfg.BatchSize},
		{"PROCESSOR_RATE_LIMIT", &cfg.RateLimit},
		{"BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures},
		{"API_RATE_LIMIT", &cfg.APIRateLimit},
	}
	for _, f := range ints {
		v := os.Getenv(f.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", f.key, err)
		}
		*f.dst = n
	}

	// PROCESSOR_INTERVAL is in seconds, like the --interval flag.
	if v := os.Getenv("PROCESSOR_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PROCESSOR_INTERVAL: %w", err)
		}
		cfg.Interval = time.Duration(n) * time.Second
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"PROVIDER_TIMEOUT", &cfg.ProviderTimeout},
		{"PROCESSOR_SEND_DELAY", &cfg.SendDelay},
		{"PROCESSOR_STALE_AFTER", &cfg.StaleAfter},
		{"BREAKER_RECOVERY_TIMEOUT", &cfg.BreakerRecoveryTimeout},
		{"API_RATE_WINDOW", &cfg.APIRateWindow},
		{"IDEMPOTENCY_TTL", &cfg.IdempotencyTTL},
	}
	for _, f := range durations {
		v := os.Getenv(f.key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", f.key, err)
		}
		*f.dst = d
	}

	return cfg, nil
}

// Database returns the connection settings for db.New.
func (c *Config) Database(appName string) db.Config {
	return db.Config{
		URL:      c.DatabaseURL,
		Host:     c.DBHost,
		Port:     c.DBPort,
		User:     c.DBUser,
		Password: c.DBPassword,
		Database: c.DBName,
		SSLMode:  c.DBSSLMode,
		AppName:  appName,
		MaxConns: int32(c.DBMaxConns),
	}
}

// ProviderSettings returns the process-wide transport defaults that
// campaign settings are merged over.
func (c *Config) ProviderSettings() provider.Settings {
	return provider.Settings{
		SMTPHost:           c.SMTPHost,
		SMTPPort:           c.SMTPPort,
		SMTPUsername:       c.SMTPUsername,
		SMTPPassword:       c.SMTPPassword,
		SMTPTLSMode:        c.SMTPTLSMode,
		ResendAPIKey:       c.ResendAPIKey,
		AWSRegion:          c.AWSRegion,
		AWSAccessKeyID:     c.AWSAccessKeyID,
		AWSSecretAccessKey: c.AWSSecretAccessKey,
		DefaultFrom:        c.SenderEmail,
		Timeout:            c.ProviderTimeout,
	}
}
