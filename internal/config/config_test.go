package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("PROCESSOR_RATE_LIMIT", "")
	t.Setenv("PROCESSOR_SEND_DELAY", "")
	t.Setenv("EMAIL_PROVIDER", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("port: got %d, want 8080", cfg.Port)
	}
	if cfg.RateLimit != 100 {
		t.Errorf("rate limit: got %d, want 100", cfg.RateLimit)
	}
	if cfg.SendDelay != 500*time.Millisecond {
		t.Errorf("send delay: got %v, want 500ms", cfg.SendDelay)
	}
	if cfg.EmailProvider != "smtp" {
		t.Errorf("provider: got %s, want smtp", cfg.EmailProvider)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("PROCESSOR_INTERVAL", "15")
	t.Setenv("PROCESSOR_SEND_DELAY", "2s")
	t.Setenv("EMAIL_PROVIDER", "aws_ses")
	t.Setenv("DATABASE_URL", "postgres://u@db:5432/outreach")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("port: got %d, want 9090", cfg.Port)
	}
	if cfg.Interval != 15*time.Second {
		t.Errorf("interval: got %v, want 15s", cfg.Interval)
	}
	if cfg.SendDelay != 2*time.Second {
		t.Errorf("send delay: got %v, want 2s", cfg.SendDelay)
	}
	if cfg.EmailProvider != "aws_ses" {
		t.Errorf("provider: got %s", cfg.EmailProvider)
	}
	if cfg.DatabaseURL != "postgres://u@db:5432/outreach" {
		t.Errorf("database url: got %s", cfg.DatabaseURL)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"PORT", "eighty"},
		{"PROCESSOR_BATCH_SIZE", "ten"},
		{"PROCESSOR_INTERVAL", "1m"},
		{"PROCESSOR_SEND_DELAY", "fast"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestConfig_ProviderSettings(t *testing.T) {
	cfg := &Config{
		SenderEmail:     "ops@example.com",
		SMTPHost:        "mail.example.com",
		SMTPPort:        465,
		SMTPTLSMode:     "implicit",
		AWSRegion:       "eu-west-1",
		ProviderTimeout: 10 * time.Second,
	}

	s := cfg.ProviderSettings()
	if s.DefaultFrom != "ops@example.com" {
		t.Errorf("default from: got %s", s.DefaultFrom)
	}
	if s.SMTPHost != "mail.example.com" || s.SMTPPort != 465 || s.SMTPTLSMode != "implicit" {
		t.Errorf("smtp settings: got %+v", s)
	}
	if s.AWSRegion != "eu-west-1" || s.Timeout != 10*time.Second {
		t.Errorf("region/timeout: got %s %v", s.AWSRegion, s.Timeout)
	}
}

func TestConfig_Database(t *testing.T) {
	cfg := &Config{DBHost: "db", DBPort: 5433, DBUser: "app", DBName: "outreach", DBSSLMode: "require", DBMaxConns: 4}

	dc := cfg.Database("outreach-test")
	if dc.Host != "db" || dc.Port != 5433 || dc.MaxConns != 4 || dc.AppName != "outreach-test" {
		t.Errorf("unexpected db config: %+v", dc)
	}

	cfg.DatabaseURL = "postgres://u@h/d"
	if got := cfg.Database("x").DSN(); got != "postgres://u@h/d" {
		t.Errorf("DSN should prefer the URL, got %s", got)
	}
}
