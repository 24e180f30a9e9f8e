package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	LogLevel    string
	UploadDir   string

	// Session lifetime for a plain login and for a "remember me" login.
	SessionTTL         time.Duration
	SessionRememberTTL time.Duration
}

func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL: getEnv("DATABASE_URL", "sqlite::memory:"),
		LogLevel:    strings.TrimSpace(getEnv("LOG_LEVEL", "info")),
		UploadDir:   getEnv("UPLOAD_DIR", "./uploads"),
	}

	ttlHours, err := getEnvInt("SESSION_TTL_HOURS", 6)
	if err != nil {
		return Config{}, err
	}
	rememberDays, err := getEnvInt("SESSION_REMEMBER_DAYS", 7)
	if err != nil {
		return Config{}, err
	}

	cfg.SessionTTL = time.Duration(ttlHours) * time.Hour
	cfg.SessionRememberTTL = time.Duration(rememberDays) * 24 * time.Hour

	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return Config{}, fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must not be empty")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SessionTTL <= 0 || cfg.SessionRememberTTL <= 0 {
		return Config{}, fmt.Errorf("session lifetimes must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultValue
	}
	return v
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}
