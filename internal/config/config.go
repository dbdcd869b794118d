package config

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/macjediwizard/calhub/internal/validator"
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrInvalidConfig     = errors.New("invalid configuration value")
	ErrEncryptionKeySize = errors.New("encryption key must be exactly 32 bytes (64 hex characters)")
	ErrValidationFailed  = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Security SecurityConfig
	Database DatabaseConfig
	CalDAV   CalDAVConfig
	Sync     SyncConfig
	Alerts   AlertConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	BaseURL     string
	Environment Environment
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	// EncryptionKey is optional. When empty the key manager generates and persists one.
	EncryptionKey []byte
	// AllowPrivateIPs lets source feeds point at loopback or private networks.
	AllowPrivateIPs bool
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// CalDAVConfig holds the destination CalDAV account.
type CalDAVConfig struct {
	URL         string
	Username    string
	AppPassword string
	ReadOnly    bool
}

// SyncConfig holds sync engine and scheduler tuning.
type SyncConfig struct {
	DefaultTimeZone         string
	DefaultFrequencyMinutes int
	Enhanced                bool
	Workers                 int
	MaxRetries              int
	StaggerWindowMinutes    int
	StaleAttemptAge         time.Duration
	BatchPause              time.Duration
	AttemptRetentionDays    int
}

// AlertConfig holds failure alert configuration.
type AlertConfig struct {
	WebhookURL       string
	FailureThreshold int
	Cooldown         time.Duration
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	cfg := &Config{}

	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.Port = port
	cfg.Server.BaseURL = strings.TrimSuffix(getEnv("BASE_URL", ""), "/")
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))

	encKeyHex := getEnv("ENCRYPTION_KEY", "")
	if encKeyHex != "" {
		encKey, err := hex.DecodeString(encKeyHex)
		if err != nil {
			return nil, fmt.Errorf("%w: ENCRYPTION_KEY: invalid hex: %w", ErrInvalidConfig, err)
		}
		if len(encKey) != 32 {
			return nil, ErrEncryptionKeySize
		}
		cfg.Security.EncryptionKey = encKey
	}

	if cfg.Security.AllowPrivateIPs, err = getEnvBool("ALLOW_PRIVATE_IPS", false); err != nil {
		return nil, fmt.Errorf("%w: ALLOW_PRIVATE_IPS: %w", ErrInvalidConfig, err)
	}

	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/calhub.db")

	cfg.CalDAV.URL = getEnv("CALDAV_URL", "https://caldav.icloud.com")
	cfg.CalDAV.Username = getEnvRequired("CALDAV_USERNAME")
	cfg.CalDAV.AppPassword = getEnvRequired("CALDAV_APP_PASSWORD")
	if cfg.CalDAV.ReadOnly, err = getEnvBool("CALDAV_READ_ONLY", false); err != nil {
		return nil, fmt.Errorf("%w: CALDAV_READ_ONLY: %w", ErrInvalidConfig, err)
	}

	cfg.Sync.DefaultTimeZone = getEnv("DEFAULT_TIME_ZONE", "UTC")
	if _, err := time.LoadLocation(cfg.Sync.DefaultTimeZone); err != nil {
		return nil, fmt.Errorf("%w: DEFAULT_TIME_ZONE: %w", ErrInvalidConfig, err)
	}

	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"DEFAULT_SYNC_FREQUENCY_MINUTES", 60, &cfg.Sync.DefaultFrequencyMinutes},
		{"SYNC_WORKERS", 4, &cfg.Sync.Workers},
		{"SYNC_MAX_RETRIES", 3, &cfg.Sync.MaxRetries},
		{"STAGGER_WINDOW_MINUTES", 5, &cfg.Sync.StaggerWindowMinutes},
		{"ATTEMPT_RETENTION_DAYS", 30, &cfg.Sync.AttemptRetentionDays},
	}
	for _, i := range ints {
		v, err := getEnvInt(i.key, i.def)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, i.key, err)
		}
		*i.dst = v
	}

	staleHours, err := getEnvInt("STALE_ATTEMPT_HOURS", 2)
	if err != nil {
		return nil, fmt.Errorf("%w: STALE_ATTEMPT_HOURS: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.StaleAttemptAge = time.Duration(staleHours) * time.Hour

	pauseMs, err := getEnvInt("BATCH_PAUSE_MS", 50)
	if err != nil {
		return nil, fmt.Errorf("%w: BATCH_PAUSE_MS: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.BatchPause = time.Duration(pauseMs) * time.Millisecond

	if cfg.Sync.Enhanced, err = getEnvBool("SYNC_ENHANCED", true); err != nil {
		return nil, fmt.Errorf("%w: SYNC_ENHANCED: %w", ErrInvalidConfig, err)
	}

	cfg.Alerts.WebhookURL = getEnv("ALERT_WEBHOOK_URL", "")
	if cfg.Alerts.FailureThreshold, err = getEnvInt("ALERT_FAILURE_THRESHOLD", 3); err != nil {
		return nil, fmt.Errorf("%w: ALERT_FAILURE_THRESHOLD: %w", ErrInvalidConfig, err)
	}
	cooldownMinutes, err := getEnvInt("ALERT_COOLDOWN_MINUTES", 60)
	if err != nil {
		return nil, fmt.Errorf("%w: ALERT_COOLDOWN_MINUTES: %w", ErrInvalidConfig, err)
	}
	cfg.Alerts.Cooldown = time.Duration(cooldownMinutes) * time.Minute

	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	return cfg, nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.CalDAV.URL == "" {
		missing = append(missing, "CALDAV_URL")
	}
	if c.CalDAV.Username == "" {
		missing = append(missing, "CALDAV_USERNAME")
	}
	if c.CalDAV.AppPassword == "" {
		missing = append(missing, "CALDAV_APP_PASSWORD")
	}

	return missing
}

// Validate checks URL formats.
func (c *Config) Validate(_ context.Context) error {
	v := validator.New()

	if err := v.ValidateURL(c.CalDAV.URL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: CALDAV_URL: %w", ErrValidationFailed, err)
	}
	if c.Server.BaseURL != "" {
		if err := v.ValidateURL(c.Server.BaseURL, false); err != nil {
			return fmt.Errorf("%w: BASE_URL: %w", ErrValidationFailed, err)
		}
	}

	return nil
}

// DefaultLocation returns the global fallback time zone.
func (c *Config) DefaultLocation() *time.Location {
	loc, err := time.LoadLocation(c.Sync.DefaultTimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRequired returns the value of an environment variable.
// Returns empty string if not set (caller should check for required values).
func getEnvRequired(key string) string {
	return os.Getenv(key)
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvBool returns the boolean value of an environment variable or a default.
func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean: %q", value)
}
