// Package notify posts webhook alerts when a source keeps failing to sync and
// when it recovers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/macjediwizard/calhub/internal/validator"
)

var ErrInvalidWebhook = errors.New("invalid webhook URL")

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeFailing  AlertType = "failing"
	AlertTypeRecovery AlertType = "recovery"
)

const maxDetailsLength = 500

// Alert represents a notification alert.
type Alert struct {
	Type       AlertType
	SourceID   int64
	SourceName string
	Message    string
	Details    string
	Timestamp  time.Time
}

// Config holds notification configuration.
type Config struct {
	WebhookURL string
	// FailureThreshold is the number of consecutive failed syncs before alerting.
	FailureThreshold int
	// CooldownPeriod is how long to wait before re-alerting for the same source.
	CooldownPeriod time.Duration
}

type sourceState struct {
	failures  int
	alerting  bool
	lastAlert time.Time
}

// Notifier tracks consecutive sync failures per source and sends alerts.
type Notifier struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
	// deliver is replaced in tests to observe alerts synchronously.
	deliver func(ctx context.Context, alert Alert)

	mu     sync.Mutex
	states map[int64]*sourceState
}

// New creates a new Notifier. A Notifier without a webhook URL only tracks state.
func New(cfg Config) *Notifier {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	n := &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now:    time.Now,
		states: make(map[int64]*sourceState),
	}
	n.deliver = func(ctx context.Context, alert Alert) {
		go n.send(ctx, alert)
	}
	return n
}

// ValidateConfig validates the notification configuration.
func ValidateConfig(cfg Config) error {
	if cfg.WebhookURL == "" {
		return nil
	}
	if err := ValidateWebhookURL(cfg.WebhookURL); err != nil {
		return err
	}
	if cfg.CooldownPeriod < time.Minute {
		return fmt.Errorf("cooldown period must be at least 1 minute")
	}
	return nil
}

// ValidateWebhookURL rejects non-HTTPS URLs and URLs pointing at loopback,
// private or link-local addresses.
func ValidateWebhookURL(webhookURL string) error {
	parsed, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWebhook, err)
	}
	if parsed.Scheme != "https" {
		return fmt.Errorf("%w: must use HTTPS", ErrInvalidWebhook)
	}

	host := strings.ToLower(parsed.Hostname())
	switch {
	case host == "":
		return fmt.Errorf("%w: missing host", ErrInvalidWebhook)
	case host == "localhost", strings.HasSuffix(host, ".local"), strings.HasSuffix(host, ".internal"):
		return fmt.Errorf("%w: cannot point to internal hosts", ErrInvalidWebhook)
	}

	if ip := net.ParseIP(host); ip != nil {
		if validator.IsPrivateIP(ip) {
			return fmt.Errorf("%w: cannot point to private addresses", ErrInvalidWebhook)
		}
	}
	return nil
}

// IsEnabled returns true if alerts are delivered anywhere.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.WebhookURL != ""
}

// RecordResult updates the failure streak of a source with the outcome of a sync.
// It returns the alert that was sent, if any.
func (n *Notifier) RecordResult(ctx context.Context, sourceID int64, sourceName string, syncErr error) *Alert {
	n.mu.Lock()
	state, exists := n.states[sourceID]
	if !exists {
		state = &sourceState{}
		n.states[sourceID] = state
	}

	now := n.now()
	var alert *Alert

	if syncErr == nil {
		if state.alerting {
			alert = &Alert{
				Type:       AlertTypeRecovery,
				SourceID:   sourceID,
				SourceName: sourceName,
				Message:    fmt.Sprintf("Source '%s' has recovered", sourceName),
				Details:    fmt.Sprintf("Sync succeeded after %d consecutive failures", state.failures),
				Timestamp:  now,
			}
		}
		delete(n.states, sourceID)
	} else {
		state.failures++
		inCooldown := state.alerting && now.Sub(state.lastAlert) < n.cfg.CooldownPeriod
		if state.failures >= n.cfg.FailureThreshold && !inCooldown {
			state.alerting = true
			state.lastAlert = now
			alert = &Alert{
				Type:       AlertTypeFailing,
				SourceID:   sourceID,
				SourceName: sourceName,
				Message:    fmt.Sprintf("Source '%s' is failing to sync", sourceName),
				Details:    truncate(fmt.Sprintf("%d consecutive failures, last error: %v", state.failures, syncErr)),
				Timestamp:  now,
			}
		}
	}
	n.mu.Unlock()

	if alert != nil && n.IsEnabled() {
		n.deliver(context.WithoutCancel(ctx), *alert)
	}
	return alert
}

// FailingSources returns the ids of sources currently in an alerting state.
func (n *Notifier) FailingSources() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	var ids []int64
	for id, state := range n.states {
		if state.alerting {
			ids = append(ids, id)
		}
	}
	return ids
}

func truncate(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > maxDetailsLength {
		s = s[:maxDetailsLength]
	}
	return s
}

func (n *Notifier) send(ctx context.Context, alert Alert) {
	if err := n.sendWebhook(ctx, alert); err != nil {
		log.Printf("[Notify] Webhook error: %v", err)
	}
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	AlertType  string `json:"alert_type"`
	SourceID   int64  `json:"source_id"`
	SourceName string `json:"source_name"`
	Message    string `json:"message"`
	Details    string `json:"details"`
	Timestamp  string `json:"timestamp"`
	// Slack-compatible fields
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, alert Alert) error {
	emoji := ":x:"
	if alert.Type == AlertTypeRecovery {
		emoji = ":white_check_mark:"
	}

	payload := WebhookPayload{
		AlertType:  string(alert.Type),
		SourceID:   alert.SourceID,
		SourceName: alert.SourceName,
		Message:    alert.Message,
		Details:    alert.Details,
		Timestamp:  alert.Timestamp.Format(time.RFC3339),
		Text:       fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	log.Printf("[Notify] Webhook sent: %s", alert.Message)
	return nil
}
