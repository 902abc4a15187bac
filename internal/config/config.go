// Package config loads runtime configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// App configures the journaling client.
type App struct {
	SupabaseURL     string `env:"SUPABASE_URL,required"`
	SupabaseAnonKey string `env:"SUPABASE_ANON_KEY,required"`

	// DataDir holds the local SQLite database and the credential key file.
	DataDir string `env:"CALLIOPE_DATA_DIR" envDefault:"."`

	// InitialFragment seeds the address fragment at startup, e.g. an OAuth
	// callback fragment handed over by the system browser.
	InitialFragment string `env:"CALLIOPE_FRAGMENT"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadApp parses client configuration from the environment.
func LoadApp() (App, error) {
	var cfg App
	if err := env.Parse(&cfg); err != nil {
		return App{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.SupabaseURL = strings.TrimRight(cfg.SupabaseURL, "/")
	return cfg, nil
}

// Webhook configures the Stripe webhook relay server.
type Webhook struct {
	ListenAddr          string        `env:"LISTEN_ADDR" envDefault:":8787"`
	SupabaseURL         string        `env:"SUPABASE_URL,required"`
	ServiceRoleKey      string        `env:"SUPABASE_SERVICE_ROLE_KEY,required"`
	StripeWebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET,required"`
	RatePerSecond       float64       `env:"WEBHOOK_RATE_LIMIT" envDefault:"20"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel            string        `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadWebhook parses webhook server configuration from the environment.
func LoadWebhook() (Webhook, error) {
	var cfg Webhook
	if err := env.Parse(&cfg); err != nil {
		return Webhook{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.SupabaseURL = strings.TrimRight(cfg.SupabaseURL, "/")
	return cfg, nil
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to info for
// unknown values.
func ParseLogLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
