package config

import (
	"strings"
	"testing"
	"time"
)

// setRequired sets the two required credentials so individual tests only
// manipulate the setting under test.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DISCORD_TOKEN", "test-token")
	t.Setenv("OPENAI_API_KEY", "test-key")
	// Clear optional settings that may leak in from the environment.
	for _, name := range []string{
		"CONTEXT_SIZE", "WINDOW_SIZE", "CLASSIFY_TIMEOUT", "GATEWAY_URL",
		"OPENAI_MODEL", "METRICS_ADDR", "REDIS_ADDR", "NATS_URL",
		"DATABASE_URL", "MIGRATIONS_URL",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DiscordToken != "test-token" || cfg.OpenAIKey != "test-key" {
		t.Errorf("credentials not carried through: %+v", cfg)
	}
	if cfg.ContextSize != DefaultContextSize {
		t.Errorf("context size = %d, want %d", cfg.ContextSize, DefaultContextSize)
	}
	if cfg.WindowSize != DefaultWindowSize {
		t.Errorf("window size = %d, want %d", cfg.WindowSize, DefaultWindowSize)
	}
	if cfg.ClassifyTimeout != DefaultClassifyTimeout {
		t.Errorf("classify timeout = %s, want %s", cfg.ClassifyTimeout, DefaultClassifyTimeout)
	}
	if cfg.MetricsAddr != DefaultMetricsAddr {
		t.Errorf("metrics addr = %q, want %q", cfg.MetricsAddr, DefaultMetricsAddr)
	}
}

func TestLoadMissingCredentials(t *testing.T) {
	tests := []struct {
		name  string
		unset string
		want  string
	}{
		{"missing token", "DISCORD_TOKEN", "DISCORD_TOKEN"},
		{"missing api key", "OPENAI_API_KEY", "OPENAI_API_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.unset, "")

			_, err := Load()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not name %s", err, tt.want)
			}
		})
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("CONTEXT_SIZE", "250")
	t.Setenv("WINDOW_SIZE", "10")
	t.Setenv("CLASSIFY_TIMEOUT", "45s")
	t.Setenv("OPENAI_MODEL", "gpt-4o")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ContextSize != 250 {
		t.Errorf("context size = %d, want 250", cfg.ContextSize)
	}
	if cfg.WindowSize != 10 {
		t.Errorf("window size = %d, want 10", cfg.WindowSize)
	}
	if cfg.ClassifyTimeout != 45*time.Second {
		t.Errorf("classify timeout = %s, want 45s", cfg.ClassifyTimeout)
	}
	if cfg.OpenAIModel != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", cfg.OpenAIModel)
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Errorf("redis addr = %q, want redis:6379", cfg.RedisAddr)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		env   string
		value string
	}{
		{"context size not a number", "CONTEXT_SIZE", "many"},
		{"context size zero", "CONTEXT_SIZE", "0"},
		{"context size negative", "CONTEXT_SIZE", "-5"},
		{"window size not a number", "WINDOW_SIZE", "wide"},
		{"window size zero", "WINDOW_SIZE", "0"},
		{"timeout not a duration", "CLASSIFY_TIMEOUT", "soon"},
		{"timeout negative", "CLASSIFY_TIMEOUT", "-10s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.env, tt.value)

			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q: expected error, got nil", tt.env, tt.value)
			}
		})
	}
}
