// Package config loads process configuration from the environment. A .env
// file in the working directory is honored for local development. All
// validation happens here, once, so a misconfigured process refuses to start
// instead of failing mid-operation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for optional settings.
const (
	DefaultContextSize     = 100
	DefaultWindowSize      = 20
	DefaultClassifyTimeout = 30 * time.Second
	DefaultMetricsAddr     = ":9100"
	DefaultMigrationsURL   = "file://migrations"
)

// Config holds all process settings.
type Config struct {
	// Required credentials.
	DiscordToken string // DISCORD_TOKEN
	OpenAIKey    string // OPENAI_API_KEY

	// Core pipeline settings.
	ContextSize     int           // CONTEXT_SIZE: capacity bound of the context store
	WindowSize      int           // WINDOW_SIZE: records per classification window
	ClassifyTimeout time.Duration // CLASSIFY_TIMEOUT: per classifier call

	// Optional overrides.
	GatewayURL  string // GATEWAY_URL: platform gateway endpoint
	OpenAIModel string // OPENAI_MODEL: classifier model id
	MetricsAddr string // METRICS_ADDR: prometheus listen address

	// Optional backing services; each feature is enabled only when its
	// setting is present.
	RedisAddr     string // REDIS_ADDR: classification throttle
	NATSURL       string // NATS_URL: verdict broadcast
	DatabaseURL   string // DATABASE_URL: verdict audit log
	MigrationsURL string // MIGRATIONS_URL: audit schema source
}

// Load reads the .env file if present, then the process environment, and
// validates the result.
func Load() (*Config, error) {
	// A missing .env is fine; the real environment always wins.
	_ = godotenv.Load()

	cfg := &Config{
		DiscordToken:    os.Getenv("DISCORD_TOKEN"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		ContextSize:     DefaultContextSize,
		WindowSize:      DefaultWindowSize,
		ClassifyTimeout: DefaultClassifyTimeout,
		GatewayURL:      os.Getenv("GATEWAY_URL"),
		OpenAIModel:     os.Getenv("OPENAI_MODEL"),
		MetricsAddr:     DefaultMetricsAddr,
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		NATSURL:         os.Getenv("NATS_URL"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		MigrationsURL:   DefaultMigrationsURL,
	}

	if cfg.DiscordToken == "" {
		return nil, fmt.Errorf("config: DISCORD_TOKEN is required")
	}
	if cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("config: OPENAI_API_KEY is required")
	}

	var err error
	if cfg.ContextSize, err = intVar("CONTEXT_SIZE", cfg.ContextSize); err != nil {
		return nil, err
	}
	if cfg.ContextSize <= 0 {
		return nil, fmt.Errorf("config: CONTEXT_SIZE must be positive, got %d", cfg.ContextSize)
	}
	if cfg.WindowSize, err = intVar("WINDOW_SIZE", cfg.WindowSize); err != nil {
		return nil, err
	}
	if cfg.WindowSize <= 0 {
		return nil, fmt.Errorf("config: WINDOW_SIZE must be positive, got %d", cfg.WindowSize)
	}
	if cfg.ClassifyTimeout, err = durationVar("CLASSIFY_TIMEOUT", cfg.ClassifyTimeout); err != nil {
		return nil, err
	}

	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("MIGRATIONS_URL"); v != "" {
		cfg.MigrationsURL = v
	}

	return cfg, nil
}

// intVar parses an integer environment variable, keeping fallback when the
// variable is unset. A set-but-invalid value is an error, not a silent
// default.
func intVar(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer", name, v)
	}
	return n, nil
}

// durationVar parses a duration environment variable (e.g. "45s", "2m").
func durationVar(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a duration", name, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %s", name, d)
	}
	return d, nil
}
