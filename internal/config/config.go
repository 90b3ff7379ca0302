// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Agent source modes.
const (
	AgentSourceStore = "store"
	AgentSourceHTTP  = "http"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Storage. DatabaseURL wins over SQLitePath when both are set.
	DatabaseURL string
	SQLitePath  string

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Agent gateway.
	AgentTimeout        time.Duration
	AgentMaxTimeout     time.Duration
	AgentEndpoint       string // Base URL of the analyzer service when AgentSource is "http".
	AgentSource         string // "store" reads agent_results from Postgres.
	DispatchConcurrency int    // 0 queries every agent at once.

	// Circuit breakers.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Verdict policy.
	ConfidenceThreshold int
	MaxIterations       int
	UnmetFailLimit      int

	// CI/CD wait.
	CICDPollInterval time.Duration
	CICDMaxWait      time.Duration

	// Rate limiting of POST /v1/verifications, per client IP.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// Operational settings.
	LogLevel            string
	RulesFile           string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	str := func(key, def string) string { return envStr(key, def) }
	num := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = append(errs, err)
		return v
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = append(errs, err)
		return v
	}
	float := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = append(errs, err)
		return v
	}
	flag := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		Port:                num("KENSA_PORT", 8080),
		ReadTimeout:         dur("KENSA_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        dur("KENSA_WRITE_TIMEOUT", 5*time.Minute),
		ShutdownTimeout:     dur("KENSA_SHUTDOWN_TIMEOUT", 10*time.Second),
		DatabaseURL:         str("DATABASE_URL", ""),
		SQLitePath:          str("KENSA_SQLITE_PATH", "kensa.db"),
		OTELEndpoint:        str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         str("OTEL_SERVICE_NAME", "kensa"),
		OTELInsecure:        flag("KENSA_OTEL_INSECURE", false),
		AgentTimeout:        dur("KENSA_AGENT_TIMEOUT", 5*time.Second),
		AgentMaxTimeout:     dur("KENSA_AGENT_MAX_TIMEOUT", 15*time.Second),
		AgentEndpoint:       str("KENSA_AGENT_ENDPOINT", ""),
		AgentSource:         strings.ToLower(str("KENSA_AGENT_SOURCE", AgentSourceStore)),
		DispatchConcurrency: num("KENSA_DISPATCH_CONCURRENCY", 0),
		BreakerThreshold:    num("KENSA_BREAKER_THRESHOLD", 3),
		BreakerCooldown:     dur("KENSA_BREAKER_COOLDOWN", 30*time.Second),
		ConfidenceThreshold: num("KENSA_CONFIDENCE_THRESHOLD", 85),
		MaxIterations:       num("KENSA_MAX_ITERATIONS", 3),
		UnmetFailLimit:      num("KENSA_UNMET_FAIL_LIMIT", 3),
		CICDPollInterval:    dur("KENSA_CICD_POLL_INTERVAL", 15*time.Second),
		CICDMaxWait:         dur("KENSA_CICD_MAX_WAIT", 180*time.Second),
		RateLimitEnabled:    flag("KENSA_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:        float("KENSA_RATE_LIMIT_RPS", 2),
		RateLimitBurst:      num("KENSA_RATE_LIMIT_BURST", 10),
		LogLevel:            str("KENSA_LOG_LEVEL", "info"),
		RulesFile:           str("KENSA_RULES_FILE", ""),
		MaxRequestBodyBytes: int64(num("KENSA_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that values are in range and consistent.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("KENSA_PORT must be between 1 and 65535"))
	}
	if c.AgentTimeout <= 0 {
		errs = append(errs, fmt.Errorf("KENSA_AGENT_TIMEOUT must be positive"))
	}
	if c.AgentMaxTimeout < c.AgentTimeout {
		errs = append(errs, fmt.Errorf("KENSA_AGENT_MAX_TIMEOUT must not be below KENSA_AGENT_TIMEOUT"))
	}
	switch c.AgentSource {
	case AgentSourceStore:
	case AgentSourceHTTP:
		if c.AgentEndpoint == "" {
			errs = append(errs, fmt.Errorf("KENSA_AGENT_SOURCE=http requires KENSA_AGENT_ENDPOINT"))
		}
	default:
		errs = append(errs, fmt.Errorf("KENSA_AGENT_SOURCE=%q must be %q or %q", c.AgentSource, AgentSourceStore, AgentSourceHTTP))
	}
	if c.DispatchConcurrency < 0 {
		errs = append(errs, fmt.Errorf("KENSA_DISPATCH_CONCURRENCY must not be negative"))
	}
	if c.BreakerThreshold <= 0 {
		errs = append(errs, fmt.Errorf("KENSA_BREAKER_THRESHOLD must be positive"))
	}
	if c.BreakerCooldown <= 0 {
		errs = append(errs, fmt.Errorf("KENSA_BREAKER_COOLDOWN must be positive"))
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 100 {
		errs = append(errs, fmt.Errorf("KENSA_CONFIDENCE_THRESHOLD must be between 0 and 100"))
	}
	if c.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("KENSA_MAX_ITERATIONS must be positive"))
	}
	if c.UnmetFailLimit < 0 {
		errs = append(errs, fmt.Errorf("KENSA_UNMET_FAIL_LIMIT must not be negative"))
	}
	if c.CICDPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("KENSA_CICD_POLL_INTERVAL must be positive"))
	}
	if c.CICDMaxWait < 0 {
		errs = append(errs, fmt.Errorf("KENSA_CICD_MAX_WAIT must not be negative"))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		errs = append(errs, fmt.Errorf("KENSA_RATE_LIMIT_RPS and KENSA_RATE_LIMIT_BURST must be positive when rate limiting is enabled"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("KENSA_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
