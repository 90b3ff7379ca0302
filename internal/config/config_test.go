package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "fast")
	_, err := envFloat("TEST_FLOAT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
	if got := err.Error(); got != `TEST_FLOAT_BAD="fast" is not a valid number` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.AgentTimeout != 5*time.Second || cfg.AgentMaxTimeout != 15*time.Second {
		t.Fatalf("unexpected agent timeouts: %s / %s", cfg.AgentTimeout, cfg.AgentMaxTimeout)
	}
	if cfg.BreakerThreshold != 3 || cfg.BreakerCooldown != 30*time.Second {
		t.Fatalf("unexpected breaker defaults: %d / %s", cfg.BreakerThreshold, cfg.BreakerCooldown)
	}
	if cfg.ConfidenceThreshold != 85 || cfg.MaxIterations != 3 {
		t.Fatalf("unexpected verdict defaults: %d / %d", cfg.ConfidenceThreshold, cfg.MaxIterations)
	}
	if cfg.CICDPollInterval != 15*time.Second || cfg.CICDMaxWait != 180*time.Second {
		t.Fatalf("unexpected cicd defaults: %s / %s", cfg.CICDPollInterval, cfg.CICDMaxWait)
	}
}

func TestLoadReportsEveryInvalidVariable(t *testing.T) {
	t.Setenv("KENSA_PORT", "abc")
	t.Setenv("KENSA_BREAKER_COOLDOWN", "soon")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	for _, want := range []string{"KENSA_PORT", "abc", "KENSA_BREAKER_COOLDOWN"} {
		if !strings.Contains(got, want) {
			t.Fatalf("error should mention %q, got: %s", want, got)
		}
	}
}

func TestLoadHTTPSourceRequiresEndpoint(t *testing.T) {
	t.Setenv("KENSA_AGENT_SOURCE", "HTTP")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "KENSA_AGENT_ENDPOINT") {
		t.Fatalf("expected missing endpoint error, got: %v", err)
	}

	t.Setenv("KENSA_AGENT_ENDPOINT", "http://analyzers.internal")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AgentSource != AgentSourceHTTP {
		t.Fatalf("expected http source, got %q", cfg.AgentSource)
	}
}

func TestValidateRanges(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.ConfidenceThreshold = 101
	cfg.AgentMaxTimeout = time.Second
	cfg.RateLimitRPS = 0
	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"KENSA_CONFIDENCE_THRESHOLD", "KENSA_AGENT_MAX_TIMEOUT", "KENSA_RATE_LIMIT_RPS"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error should mention %q, got: %v", want, err)
		}
	}
}
