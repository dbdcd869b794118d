package config

import (
	"errors"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CALDAV_USERNAME", "user@example.com")
	t.Setenv("CALDAV_APP_PASSWORD", "app-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if !cfg.IsProduction() {
		t.Error("expected production by default")
	}
	if cfg.Sync.DefaultFrequencyMinutes != 60 || cfg.Sync.Workers != 4 {
		t.Errorf("unexpected sync defaults: %+v", cfg.Sync)
	}
	if cfg.Sync.StaleAttemptAge != 2*time.Hour {
		t.Errorf("expected 2h stale age, got %v", cfg.Sync.StaleAttemptAge)
	}
	if !cfg.Sync.Enhanced {
		t.Error("expected enhanced sync by default")
	}
	if cfg.Alerts.FailureThreshold != 3 || cfg.Alerts.Cooldown != time.Hour {
		t.Errorf("unexpected alert defaults: %+v", cfg.Alerts)
	}
	if cfg.Security.AllowPrivateIPs {
		t.Error("private feed addresses should be refused by default")
	}
	if cfg.DefaultLocation() != time.UTC {
		t.Errorf("expected UTC default location, got %v", cfg.DefaultLocation())
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want error
	}{
		{"bad port", map[string]string{"PORT": "eighty"}, ErrInvalidConfig},
		{"short key", map[string]string{"ENCRYPTION_KEY": "abcd"}, ErrEncryptionKeySize},
		{"bad hex key", map[string]string{"ENCRYPTION_KEY": "zz"}, ErrInvalidConfig},
		{"bad zone", map[string]string{"DEFAULT_TIME_ZONE": "Mars/Base"}, ErrInvalidConfig},
		{"bad bool", map[string]string{"SYNC_ENHANCED": "maybe"}, ErrInvalidConfig},
		{"bad threshold", map[string]string{"ALERT_FAILURE_THRESHOLD": "x"}, ErrInvalidConfig},
		{"missing password", map[string]string{"CALDAV_APP_PASSWORD": ""}, ErrMissingConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("BASE_URL", "https://hub.example.com/")
	t.Setenv("ENVIRONMENT", "Development")
	t.Setenv("BATCH_PAUSE_MS", "0")
	t.Setenv("CALDAV_READ_ONLY", "yes")
	t.Setenv("ALERT_COOLDOWN_MINUTES", "15")
	t.Setenv("ALLOW_PRIVATE_IPS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.BaseURL != "https://hub.example.com" {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.Server.BaseURL)
	}
	if !cfg.IsDevelopment() {
		t.Error("expected development environment")
	}
	if cfg.Sync.BatchPause != 0 {
		t.Errorf("expected zero batch pause, got %v", cfg.Sync.BatchPause)
	}
	if !cfg.CalDAV.ReadOnly {
		t.Error("expected read-only CalDAV")
	}
	if !cfg.Security.AllowPrivateIPs {
		t.Error("expected private feed addresses allowed")
	}
	if cfg.Alerts.Cooldown != 15*time.Minute {
		t.Errorf("expected 15m cooldown, got %v", cfg.Alerts.Cooldown)
	}
}
