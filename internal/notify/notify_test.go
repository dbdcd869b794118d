package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestNotifier(cfg Config) (*Notifier, *[]Alert, *time.Time) {
	n := New(cfg)
	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	var delivered []Alert
	n.deliver = func(_ context.Context, alert Alert) {
		delivered = append(delivered, alert)
	}
	return n, &delivered, &now
}

func TestValidateWebhookURL(t *testing.T) {
	tests := []struct {
		url   string
		valid bool
	}{
		{"https://hooks.slack.com/services/T000/B000/XXX", true},
		{"https://example.com/hook", true},
		{"http://example.com/hook", false},
		{"https://localhost/hook", false},
		{"https://127.0.0.1/hook", false},
		{"https://10.1.2.3/hook", false},
		{"https://172.20.0.1/hook", false},
		{"https://192.168.1.1/hook", false},
		{"https://169.254.169.254/latest", false},
		{"https://[::1]/hook", false},
		{"https://printer.local/hook", false},
		{"https://svc.internal/hook", false},
		{"https:///nohost", false},
		{"://bad", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateWebhookURL(tt.url)
			if tt.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidWebhook) {
				t.Errorf("expected ErrInvalidWebhook, got %v", err)
			}
		})
	}
}

func TestValidateConfig(t *testing.T) {
	if err := ValidateConfig(Config{}); err != nil {
		t.Errorf("empty config should be valid: %v", err)
	}
	if err := ValidateConfig(Config{WebhookURL: "https://example.com/h", CooldownPeriod: time.Second}); err == nil {
		t.Error("expected error for short cooldown")
	}
	if err := ValidateConfig(Config{WebhookURL: "https://example.com/h", CooldownPeriod: time.Hour}); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestRecordResultThresholdAndRecovery(t *testing.T) {
	ctx := context.Background()
	n, delivered, _ := newTestNotifier(Config{
		WebhookURL:       "https://example.com/hook",
		FailureThreshold: 3,
		CooldownPeriod:   time.Hour,
	})
	boom := errors.New("feed returned 500")

	for i := 0; i < 2; i++ {
		if alert := n.RecordResult(ctx, 1, "Team", boom); alert != nil {
			t.Fatalf("unexpected alert before threshold: %+v", alert)
		}
	}

	alert := n.RecordResult(ctx, 1, "Team", boom)
	if alert == nil || alert.Type != AlertTypeFailing {
		t.Fatalf("expected failing alert at threshold, got %+v", alert)
	}
	if !strings.Contains(alert.Details, "3 consecutive failures") || !strings.Contains(alert.Details, "feed returned 500") {
		t.Errorf("unexpected details: %s", alert.Details)
	}
	if ids := n.FailingSources(); len(ids) != 1 || ids[0] != 1 {
		t.Errorf("expected source 1 failing, got %v", ids)
	}

	if alert := n.RecordResult(ctx, 1, "Team", boom); alert != nil {
		t.Errorf("expected cooldown to suppress repeat alert, got %+v", alert)
	}

	recovery := n.RecordResult(ctx, 1, "Team", nil)
	if recovery == nil || recovery.Type != AlertTypeRecovery {
		t.Fatalf("expected recovery alert, got %+v", recovery)
	}
	if len(n.FailingSources()) != 0 {
		t.Error("expected no failing sources after recovery")
	}

	if len(*delivered) != 2 {
		t.Errorf("expected 2 delivered alerts, got %d", len(*delivered))
	}

	if alert := n.RecordResult(ctx, 1, "Team", nil); alert != nil {
		t.Errorf("success without prior alert must not notify, got %+v", alert)
	}
}

func TestRecordResultCooldownExpires(t *testing.T) {
	ctx := context.Background()
	n, delivered, now := newTestNotifier(Config{
		WebhookURL:       "https://example.com/hook",
		FailureThreshold: 1,
		CooldownPeriod:   time.Hour,
	})
	boom := errors.New("timeout")

	n.RecordResult(ctx, 2, "Ops", boom)
	*now = now.Add(30 * time.Minute)
	n.RecordResult(ctx, 2, "Ops", boom)
	*now = now.Add(31 * time.Minute)
	if alert := n.RecordResult(ctx, 2, "Ops", boom); alert == nil {
		t.Error("expected re-alert once cooldown expired")
	}

	if len(*delivered) != 2 {
		t.Errorf("expected 2 alerts, got %d", len(*delivered))
	}
}

func TestRecordResultWithoutWebhook(t *testing.T) {
	n, delivered, _ := newTestNotifier(Config{FailureThreshold: 1})
	if n.IsEnabled() {
		t.Fatal("notifier without webhook should be disabled")
	}

	if alert := n.RecordResult(context.Background(), 3, "Quiet", errors.New("x")); alert == nil {
		t.Error("state should still be tracked")
	}
	if len(*delivered) != 0 {
		t.Errorf("nothing should be delivered, got %d", len(*delivered))
	}
}

func TestSendWebhook(t *testing.T) {
	var got WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := New(Config{WebhookURL: srv.URL})
	alert := Alert{
		Type:       AlertTypeFailing,
		SourceID:   9,
		SourceName: "Team",
		Message:    "Source 'Team' is failing to sync",
		Details:    "3 consecutive failures",
		Timestamp:  time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	if err := n.sendWebhook(context.Background(), alert); err != nil {
		t.Fatalf("sendWebhook: %v", err)
	}
	if got.AlertType != "failing" || got.SourceID != 9 || got.Timestamp != "2030-01-01T00:00:00Z" {
		t.Errorf("unexpected payload: %+v", got)
	}
	if !strings.HasPrefix(got.Text, ":x: *Source 'Team'") {
		t.Errorf("unexpected text: %q", got.Text)
	}

	t.Run("error status", func(t *testing.T) {
		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer failing.Close()

		n := New(Config{WebhookURL: failing.URL})
		if err := n.sendWebhook(context.Background(), alert); err == nil {
			t.Error("expected error for 403")
		}
	})
}
