package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string

	CORSAllowedOrigins []string

	// Gateway credentials. Robokassa signs outbound payment URLs with
	// Password1 and result callbacks with Password2; the two must never
	// be used interchangeably.
	MidtransServerKey    string
	XenditCallbackSecret string
	RobokassaPassword1   string
	RobokassaPassword2   string

	AdminJWTSecret   string
	AdminJWTIssuer   string
	AdminJWTAudience string

	WebhookMaxAttempts    int
	WebhookRetryDelays    []time.Duration
	WebhookLeaseTTL       time.Duration
	WebhookProcessTimeout time.Duration
	WebhookMaxBodyBytes   int64

	SweepInterval time.Duration
	SweepBatch    int

	LockTTL          time.Duration
	LockRetryBackoff time.Duration

	RateLimitWindow time.Duration
	RateLimitMax    int

	ChatBroadcastURL     string
	ChatBroadcastSecret  string
	ChatBroadcastTimeout time.Duration

	DBMaxConns int
}

// DefaultRetryDelays is the progressive backoff ladder applied to transient
// webhook processing failures. Stages are tuned independently by operators
// via WEBHOOK_RETRY_DELAYS rather than derived from a formula.
var DefaultRetryDelays = []time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	12 * time.Hour,
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:      valueOrDefault(k.String("APP_ENV"), "development"),
		Port:        valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL: k.String("DATABASE_URL"),
		RedisURL:    k.String("REDIS_URL"),

		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		MidtransServerKey:    k.String("MIDTRANS_SERVER_KEY"),
		XenditCallbackSecret: k.String("XENDIT_CALLBACK_SECRET"),
		RobokassaPassword1:   k.String("ROBOKASSA_PASSWORD1"),
		RobokassaPassword2:   k.String("ROBOKASSA_PASSWORD2"),

		AdminJWTSecret:   k.String("ADMIN_JWT_SECRET"),
		AdminJWTIssuer:   valueOrDefault(k.String("ADMIN_JWT_ISSUER"), "lokabook"),
		AdminJWTAudience: valueOrDefault(k.String("ADMIN_JWT_AUDIENCE"), "lokabook-ops"),

		WebhookMaxAttempts:    parseInt(k.String("WEBHOOK_MAX_ATTEMPTS"), 5),
		WebhookRetryDelays:    parseDelays(k.String("WEBHOOK_RETRY_DELAYS")),
		WebhookLeaseTTL:       parseDuration(k.String("WEBHOOK_LEASE_TTL"), "2m"),
		WebhookProcessTimeout: parseDuration(k.String("WEBHOOK_PROCESS_TIMEOUT"), "10s"),
		WebhookMaxBodyBytes:   int64(parseInt(k.String("WEBHOOK_MAX_BODY_BYTES"), 64*1024)),

		SweepInterval: parseDuration(k.String("SWEEP_INTERVAL"), "30s"),
		SweepBatch:    parseInt(k.String("SWEEP_BATCH"), 20),

		LockTTL:          parseDuration(k.String("LOCK_TTL"), "1m"),
		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),

		RateLimitWindow: parseDuration(k.String("RATE_LIMIT_WINDOW"), "1m"),
		RateLimitMax:    parseInt(k.String("RATE_LIMIT_MAX"), 120),

		ChatBroadcastURL:     k.String("CHAT_BROADCAST_URL"),
		ChatBroadcastSecret:  k.String("CHAT_BROADCAST_SECRET"),
		ChatBroadcastTimeout: parseDuration(k.String("CHAT_BROADCAST_TIMEOUT"), "5s"),

		DBMaxConns: parseInt(k.String("DB_MAX_CONNS"), 0),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.AdminJWTSecret == "" {
		return nil, errors.New("ADMIN_JWT_SECRET is required")
	}
	if cfg.WebhookMaxAttempts < 1 {
		return nil, errors.New("WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(trimmed, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func parseDelays(value string) []time.Duration {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return append([]time.Duration(nil), DefaultRetryDelays...)
	}
	parts := strings.Split(trimmed, ",")
	delays := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil || d <= 0 {
			continue
		}
		delays = append(delays, d)
	}
	if len(delays) == 0 {
		return append([]time.Duration(nil), DefaultRetryDelays...)
	}
	return delays
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
