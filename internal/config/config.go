package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	// RunModeLongpoll receives Telegram updates with getUpdates long polling.
	RunModeLongpoll = "longpoll"
	// RunModeWebhook receives Telegram updates on the HTTP server.
	RunModeWebhook = "webhook"
)

const (
	StoreMemory   = "memory"
	StoreBolt     = "bolt"
	StorePostgres = "postgres"
)

// Config holds the application configuration
type Config struct {
	Port string `envconfig:"PORT" default:"8080"`

	// Telegram bot
	BotToken              string `envconfig:"BOT_TOKEN"`
	BotUsername           string `envconfig:"BOT_USERNAME"`
	TelegramRunMode       string `envconfig:"TELEGRAM_RUN_MODE" default:"longpoll"`
	TelegramWebhookURL    string `envconfig:"TELEGRAM_WEBHOOK_URL"`
	TelegramWebhookSecret string `envconfig:"TELEGRAM_WEBHOOK_SECRET"`
	SuccessPhotoURL       string `envconfig:"BOT_SUCCESS_PHOTO_URL"`

	// Sessions
	SessionTTL       time.Duration `envconfig:"SESSION_TTL" default:"600s"`
	StoreBackend     string        `envconfig:"STORE_BACKEND" default:"memory"`
	BoltPath         string        `envconfig:"BOLT_PATH" default:"data/sessions.db"`
	DatabaseURL      string        `envconfig:"DATABASE_URL"`
	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	SessionRetention time.Duration `envconfig:"SESSION_RETENTION" default:"1h"`

	// Outbound webhooks
	WebhookTimeout time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`

	// HTTP API
	APIJWTSecret       string `envconfig:"API_JWT_SECRET"`
	RateLimitPerMinute int    `envconfig:"RATE_LIMIT_PER_MINUTE" default:"30"`

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`
	LogFile   string `envconfig:"LOG_FILE"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}
	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize validates required fields and canonicalizes enumerations.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	if strings.TrimSpace(cfg.BotToken) == "" {
		return fmt.Errorf("BOT_TOKEN environment variable is required")
	}
	cfg.BotUsername = strings.TrimPrefix(strings.TrimSpace(cfg.BotUsername), "@")
	if cfg.BotUsername == "" {
		return fmt.Errorf("BOT_USERNAME environment variable is required")
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if cfg.WebhookTimeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be > 0")
	}
	if cfg.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be >= 0")
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	switch backend {
	case "", StoreMemory:
		backend = StoreMemory
	case StoreBolt:
		if strings.TrimSpace(cfg.BoltPath) == "" {
			return fmt.Errorf("BOLT_PATH is required when STORE_BACKEND is 'bolt'")
		}
	case StorePostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is 'postgres'")
		}
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q; allowed: memory, bolt, postgres", cfg.StoreBackend)
	}
	cfg.StoreBackend = backend

	rm := strings.ToLower(strings.TrimSpace(cfg.TelegramRunMode))
	if rm == "" || rm == "polling" {
		rm = RunModeLongpoll
	}
	switch rm {
	case RunModeLongpoll:
	case RunModeWebhook:
		u, err := url.Parse(cfg.TelegramWebhookURL)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return fmt.Errorf("TELEGRAM_WEBHOOK_URL must be an https URL when TELEGRAM_RUN_MODE is 'webhook'")
		}
		if strings.TrimSpace(cfg.TelegramWebhookSecret) == "" {
			return fmt.Errorf("TELEGRAM_WEBHOOK_SECRET is required when TELEGRAM_RUN_MODE is 'webhook'")
		}
	default:
		return fmt.Errorf("invalid TELEGRAM_RUN_MODE %q; allowed: webhook, longpoll", cfg.TelegramRunMode)
	}
	cfg.TelegramRunMode = rm

	return nil
}
