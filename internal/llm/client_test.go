package llm

import (
	"strings"
	"testing"
	"time"
)

func TestConfig_WithDefaults(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "test-key")
	t.Setenv("OPENROUTER_MODEL", "")

	cfg := Config{}.withDefaults()

	if cfg.APIKey != "test-key" {
		t.Errorf("APIKey = %q, want env value", cfg.APIKey)
	}
	if cfg.BaseURL != DefaultBaseURL {
		t.Errorf("BaseURL = %q, want %q", cfg.BaseURL, DefaultBaseURL)
	}
	if cfg.Model != DefaultModel {
		t.Errorf("Model = %q, want %q", cfg.Model, DefaultModel)
	}
	if cfg.Temperature != 0.1 {
		t.Errorf("Temperature = %v, want 0.1", cfg.Temperature)
	}
	if cfg.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v, want 60s", cfg.Timeout)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
}

func TestConfig_WithDefaults_EnvModel(t *testing.T) {
	t.Setenv("OPENROUTER_MODEL", "openai/gpt-4o")

	cfg := Config{}.withDefaults()
	if cfg.Model != "openai/gpt-4o" {
		t.Errorf("Model = %q, want env value", cfg.Model)
	}

	// Explicit config wins over the environment.
	cfg = Config{Model: "qwen/qwen3-max"}.withDefaults()
	if cfg.Model != "qwen/qwen3-max" {
		t.Errorf("Model = %q, want explicit value", cfg.Model)
	}
}

func TestConfig_WithDefaults_KeepsExplicitValues(t *testing.T) {
	in := Config{
		APIKey:      "key",
		BaseURL:     "https://example.com/v1",
		Model:       "m",
		Temperature: 0.3,
		Timeout:     5 * time.Minute,
		Retry:       RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, BackoffFactor: 3},
	}

	out := in.withDefaults()
	if out != in {
		t.Errorf("withDefaults changed explicit config: %+v", out)
	}
}

func TestClient_Model(t *testing.T) {
	t.Setenv("OPENROUTER_MODEL", "")

	c := New(Config{APIKey: "k", Model: "test/model"}, nil)
	if c.Model() != "test/model" {
		t.Errorf("Model() = %q, want test/model", c.Model())
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 100); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}

	long := strings.Repeat("x", 150)
	got := truncate(long, 100)
	if len(got) != 103 || !strings.HasSuffix(got, "...") {
		t.Errorf("truncate long = %d chars %q...", len(got), got[:10])
	}
}
