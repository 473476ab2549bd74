package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env      string
	HTTP     HTTPConfig
	Database DatabaseConfig
	Logging  LoggingConfig
	Discord  DiscordConfig
	Auth     AuthConfig
	Webhooks WebhookConfig
	Custody  CustodyConfig
	Breaker  BreakerConfig
	Notify   NotifyConfig
}

type HTTPConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Path string
}

type LoggingConfig struct {
	Level         string
	Format        string // text|json
	IncludeCaller bool
}

type DiscordConfig struct {
	BotToken  string
	ChannelID string
}

type AuthConfig struct {
	JWTSecret string
}

type WebhookConfig struct {
	OffRampSecret string
	OnRampSecret  string
	IndexerToken  string
}

type CustodyConfig struct {
	BaseURL       string
	AppID         string
	AppSecret     string
	Timeout       time.Duration
	RecoveryGrace time.Duration
}

type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

type NotifyConfig struct {
	WebhookURL    string
	WebhookSecret string
}

const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"

	defaultHost             = "0.0.0.0"
	defaultPort             = 8080
	defaultReadTimeout      = 10 * time.Second
	defaultWriteTimeout     = 30 * time.Second
	defaultIdleTimeout      = 60 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultDatabasePath     = "stablelink.db"
	defaultCustodyTimeout   = 30 * time.Second
	defaultRecoveryGrace    = time.Second
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second
)

// Strict reports whether the deployment runs the strict safety profile.
func (c *Config) Strict() bool {
	return c.Env == EnvProduction
}

// Load reads configuration from environment variables, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Env: strings.ToLower(valueOrDefault("APP_ENV", EnvDevelopment)),
		HTTP: HTTPConfig{
			Host: valueOrDefault("SERVER_HOST", defaultHost),
		},
		Database: DatabaseConfig{
			Path: valueOrDefault("DATABASE_PATH", defaultDatabasePath),
		},
		Logging: LoggingConfig{
			Level:         valueOrDefault("LOG_LEVEL", "info"),
			Format:        valueOrDefault("LOG_FORMAT", "text"),
			IncludeCaller: parseBoolWithDefault("LOG_INCLUDE_CALLER", false),
		},
		Discord: DiscordConfig{
			BotToken:  os.Getenv("DISCORD_BOT_TOKEN"),
			ChannelID: os.Getenv("DISCORD_CHANNEL_ID"),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Webhooks: WebhookConfig{
			OffRampSecret: os.Getenv("OFFRAMP_WEBHOOK_SECRET"),
			OnRampSecret:  os.Getenv("ONRAMP_WEBHOOK_SECRET"),
			IndexerToken:  os.Getenv("INDEXER_WEBHOOK_TOKEN"),
		},
		Custody: CustodyConfig{
			BaseURL:   os.Getenv("CUSTODY_BASE_URL"),
			AppID:     os.Getenv("CUSTODY_APP_ID"),
			AppSecret: os.Getenv("CUSTODY_APP_SECRET"),
		},
		Notify: NotifyConfig{
			WebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
			WebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		},
	}

	switch cfg.Env {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return nil, fmt.Errorf("invalid APP_ENV %q", cfg.Env)
	}

	port, err := parsePort("SERVER_PORT", defaultPort)
	if err != nil {
		return nil, err
	}
	cfg.HTTP.Port = port

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"SERVER_READ_TIMEOUT", defaultReadTimeout, &cfg.HTTP.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT", defaultWriteTimeout, &cfg.HTTP.WriteTimeout},
		{"SERVER_IDLE_TIMEOUT", defaultIdleTimeout, &cfg.HTTP.IdleTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout, &cfg.HTTP.ShutdownTimeout},
		{"CUSTODY_TIMEOUT", defaultCustodyTimeout, &cfg.Custody.Timeout},
		{"SESSION_RECOVERY_GRACE", defaultRecoveryGrace, &cfg.Custody.RecoveryGrace},
		{"BREAKER_RECOVERY_TIMEOUT", defaultRecoveryTimeout, &cfg.Breaker.RecoveryTimeout},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.fallback)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	threshold, err := parseInt("BREAKER_FAILURE_THRESHOLD", defaultFailureThreshold)
	if err != nil {
		return nil, err
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be positive, got %d", threshold)
	}
	cfg.Breaker.FailureThreshold = threshold

	if cfg.Strict() && cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is not set")
	}

	return cfg, nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseInt(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
		}
		return val, nil
	}
	return fallback, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func parsePort(key string, fallback int) (int, error) {
	port, err := parseInt(key, fallback)
	if err != nil {
		return 0, err
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port %d is out of range", port)
	}
	return port, nil
}
