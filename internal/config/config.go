package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the consultant service.
type Config struct {
	BindAddr          string
	ShutdownTimeout   time.Duration
	ControllerIdleTTL time.Duration
	MetricsNamespace  string

	AllowAnyOrigin bool

	// DatabaseURL selects postgres for sessions, pairs and the change feed.
	// Empty keeps everything in memory.
	DatabaseURL string

	GatewayMode    string
	GatewayTimeout time.Duration
	GatewayHTTPURL string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	OpenAIModel    string

	StoreRetryAttempts int
	StoreRetryBase     time.Duration
	StoreRetryCap      time.Duration

	NotifyWebhookURL string
	NotifyRatePerSec float64
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "consultant"),
		AllowAnyOrigin:     false,
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
		GatewayMode:        envOrDefault("GATEWAY_MODE", "auto"),
		GatewayHTTPURL:     stringsTrimSpace("GATEWAY_HTTP_URL"),
		OpenAIAPIKey:       stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:      stringsTrimSpace("OPENAI_BASE_URL"),
		OpenAIModel:        stringsTrimSpace("OPENAI_MODEL"),
		NotifyWebhookURL:   stringsTrimSpace("NOTIFY_WEBHOOK_URL"),
		ShutdownTimeout:    15 * time.Second,
		ControllerIdleTTL:  30 * time.Minute,
		GatewayTimeout:     60 * time.Second,
		StoreRetryAttempts: 3,
		StoreRetryBase:     100 * time.Millisecond,
		StoreRetryCap:      2 * time.Second,
		NotifyRatePerSec:   5,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ControllerIdleTTL, err = durationFromEnv("APP_CONTROLLER_IDLE_TTL", cfg.ControllerIdleTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.GatewayTimeout, err = durationFromEnv("GATEWAY_TIMEOUT", cfg.GatewayTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreRetryAttempts, err = intFromEnv("STORE_RETRY_ATTEMPTS", cfg.StoreRetryAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreRetryBase, err = durationFromEnv("STORE_RETRY_BASE", cfg.StoreRetryBase)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreRetryCap, err = durationFromEnv("STORE_RETRY_CAP", cfg.StoreRetryCap)
	if err != nil {
		return Config{}, err
	}
	cfg.NotifyRatePerSec, err = floatFromEnv("NOTIFY_RATE_PER_SEC", cfg.NotifyRatePerSec)
	if err != nil {
		return Config{}, err
	}

	switch strings.ToLower(cfg.GatewayMode) {
	case "auto", "openai", "http", "mock":
	default:
		return Config{}, fmt.Errorf("GATEWAY_MODE must be one of auto, openai, http, mock")
	}
	if strings.EqualFold(cfg.GatewayMode, "openai") && cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY is required when GATEWAY_MODE=openai")
	}
	if strings.EqualFold(cfg.GatewayMode, "http") && cfg.GatewayHTTPURL == "" {
		return Config{}, fmt.Errorf("GATEWAY_HTTP_URL is required when GATEWAY_MODE=http")
	}
	if cfg.ControllerIdleTTL < 5*time.Second {
		return Config{}, fmt.Errorf("APP_CONTROLLER_IDLE_TTL must be at least 5s")
	}
	if cfg.GatewayTimeout <= 0 {
		return Config{}, fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if cfg.StoreRetryAttempts <= 0 {
		return Config{}, fmt.Errorf("STORE_RETRY_ATTEMPTS must be positive")
	}
	if cfg.StoreRetryCap < cfg.StoreRetryBase {
		return Config{}, fmt.Errorf("STORE_RETRY_CAP must be >= STORE_RETRY_BASE")
	}
	if cfg.NotifyRatePerSec <= 0 {
		return Config{}, fmt.Errorf("NOTIFY_RATE_PER_SEC must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
