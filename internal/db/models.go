package db

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// EventStatus represents the lifecycle status of a calendar event.
type EventStatus string

const (
	EventStatusConfirmed EventStatus = "confirmed"
	EventStatusTentative EventStatus = "tentative"
	EventStatusCancelled EventStatus = "cancelled"
)

// ParseEventStatus converts a stored or fed value into an EventStatus.
func ParseEventStatus(s string) (EventStatus, error) {
	switch EventStatus(strings.ToLower(strings.TrimSpace(s))) {
	case EventStatusConfirmed:
		return EventStatusConfirmed, nil
	case EventStatusTentative:
		return EventStatusTentative, nil
	case EventStatusCancelled:
		return EventStatusCancelled, nil
	}
	return "", fmt.Errorf("%w: event status %q", ErrInvalidValue, s)
}

// MatchType is the predicate used by filter and mapping rules.
type MatchType string

const (
	MatchContains MatchType = "contains"
	MatchEquals   MatchType = "equals"
	MatchRegex    MatchType = "regex"
)

// ParseMatchType validates a match type.
func ParseMatchType(s string) (MatchType, error) {
	switch MatchType(s) {
	case MatchContains, MatchEquals, MatchRegex:
		return MatchType(s), nil
	}
	return "", fmt.Errorf("%w: match type %q", ErrInvalidValue, s)
}

// FieldName is the event field a filter rule inspects.
type FieldName string

const (
	FieldTitle       FieldName = "title"
	FieldDescription FieldName = "description"
	FieldLocation    FieldName = "location"
)

// ParseFieldName validates a filter field name.
func ParseFieldName(s string) (FieldName, error) {
	switch FieldName(s) {
	case FieldTitle, FieldDescription, FieldLocation:
		return FieldName(s), nil
	}
	return "", fmt.Errorf("%w: field name %q", ErrInvalidValue, s)
}

// SyncAction is the remote operation recorded for one event.
type SyncAction string

const (
	ActionUpsert SyncAction = "upsert"
	ActionDelete SyncAction = "delete"
)

// ParseSyncAction validates a sync action.
func ParseSyncAction(s string) (SyncAction, error) {
	switch SyncAction(s) {
	case ActionUpsert, ActionDelete:
		return SyncAction(s), nil
	}
	return "", fmt.Errorf("%w: sync action %q", ErrInvalidValue, s)
}

// AttemptStatus represents the state of a sync attempt.
type AttemptStatus string

const (
	AttemptQueued  AttemptStatus = "queued"
	AttemptRunning AttemptStatus = "running"
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
)

// ParseAttemptStatus validates an attempt status.
func ParseAttemptStatus(s string) (AttemptStatus, error) {
	switch AttemptStatus(s) {
	case AttemptQueued, AttemptRunning, AttemptSuccess, AttemptFailed:
		return AttemptStatus(s), nil
	}
	return "", fmt.Errorf("%w: attempt status %q", ErrInvalidValue, s)
}

// IsTerminal reports whether no further transitions are allowed.
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptSuccess, AttemptFailed:
		return true
	case AttemptQueued, AttemptRunning:
		return false
	}
	return false
}

// Source is a configured external ICS feed plus its CalDAV destination calendar.
type Source struct {
	ID                   int64      `json:"id"`
	Name                 string     `json:"name"`
	IngestionURL         string     `json:"ingestion_url"`
	CalendarIdentifier   string     `json:"calendar_identifier"`
	TimeZone             string     `json:"time_zone,omitempty"`
	Active               bool       `json:"active"`
	AutoSync             bool       `json:"auto_sync_enabled"`
	SyncFrequencyMinutes *int       `json:"sync_frequency_minutes,omitempty"`
	SyncWindowStartHour  *int       `json:"sync_window_start_hour,omitempty"`
	SyncWindowEndHour    *int       `json:"sync_window_end_hour,omitempty"`
	LastSyncedAt         *time.Time `json:"last_synced_at,omitempty"`
	LastChangeHash       string     `json:"-"`
	SyncToken            string     `json:"sync_token,omitempty"`
	ETag                 string     `json:"-"`
	LastModified         string     `json:"-"`
	ImportStartDate      time.Time  `json:"import_start_date"`
	Credentials          string     `json:"-"` // encrypted blob
	DeletedAt            *time.Time `json:"deleted_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Location returns the source time zone, falling back to def when unset or unknown.
func (s *Source) Location(def *time.Location) *time.Location {
	if s.TimeZone != "" {
		if loc, err := time.LoadLocation(s.TimeZone); err == nil {
			return loc
		}
	}
	if def == nil {
		return time.UTC
	}
	return def
}

// Frequency returns the sync frequency, falling back to defMinutes.
func (s *Source) Frequency(defMinutes int) time.Duration {
	if s.SyncFrequencyMinutes != nil && *s.SyncFrequencyMinutes > 0 {
		return time.Duration(*s.SyncFrequencyMinutes) * time.Minute
	}
	return time.Duration(defMinutes) * time.Minute
}

// IsDeleted reports whether the source has been soft-deleted.
func (s *Source) IsDeleted() bool {
	return s.DeletedAt != nil
}

// CalendarEvent is a persisted event ingested from a source feed.
type CalendarEvent struct {
	ID              int64             `json:"id"`
	SourceID        int64             `json:"calendar_source_id"`
	ExternalID      string            `json:"external_id"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Location        string            `json:"location,omitempty"`
	TimeZone        string            `json:"time_zone,omitempty"`
	StartsAt        time.Time         `json:"starts_at"`
	EndsAt          time.Time         `json:"ends_at"`
	Status          EventStatus       `json:"status"`
	SourceUpdatedAt *time.Time        `json:"source_updated_at,omitempty"`
	SyncedAt        *time.Time        `json:"synced_at,omitempty"`
	Fingerprint     string            `json:"fingerprint"`
	Data            map[string]string `json:"data,omitempty"`
	SyncExempt      bool              `json:"sync_exempt"`
	AllDay          bool              `json:"all_day"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// ComputeFingerprint hashes the fields that matter for change detection.
func (e *CalendarEvent) ComputeFingerprint() string {
	h := sha256.New()
	parts := []string{
		e.Title,
		e.Description,
		e.Location,
		e.StartsAt.UTC().Format(time.RFC3339),
		e.EndsAt.UTC().Format(time.RFC3339),
		string(e.Status),
	}
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(e.Data[k]))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}

func (e *CalendarEvent) dataJSON() (string, error) {
	if len(e.Data) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(e.Data)
	if err != nil {
		return "", fmt.Errorf("failed to encode event data: %w", err)
	}
	return string(b), nil
}

// SyncAttempt records one execution of the sync procedure for a source.
type SyncAttempt struct {
	ID          int64         `json:"id"`
	SourceID    int64         `json:"calendar_source_id"`
	Status      AttemptStatus `json:"status"`
	TotalEvents int           `json:"total_events"`
	Upserts     int           `json:"upserts"`
	Deletes     int           `json:"deletes"`
	ErrorsCount int           `json:"errors_count"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
	Message     string        `json:"message,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// SyncEventResult is an append-only per-event outcome within an attempt.
type SyncEventResult struct {
	ID           int64      `json:"id"`
	AttemptID    int64      `json:"sync_attempt_id"`
	ExternalID   string     `json:"external_id"`
	Action       SyncAction `json:"action"`
	Success      bool       `json:"success"`
	ErrorMessage string     `json:"error_message,omitempty"`
	OccurredAt   time.Time  `json:"occurred_at"`
}

// FilterRule marks matching events as sync-exempt.
// A nil SourceID makes the rule global.
type FilterRule struct {
	ID            int64     `json:"id"`
	SourceID      *int64    `json:"calendar_source_id,omitempty"`
	Pattern       string    `json:"pattern"`
	FieldName     FieldName `json:"field_name"`
	MatchType     MatchType `json:"match_type"`
	CaseSensitive bool      `json:"case_sensitive"`
	Active        bool      `json:"active"`
	Position      int       `json:"position"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EventMapping rewrites titles that match Pattern.
// A nil SourceID makes the mapping global.
type EventMapping struct {
	ID            int64     `json:"id"`
	SourceID      *int64    `json:"calendar_source_id,omitempty"`
	Pattern       string    `json:"pattern"`
	Replacement   string    `json:"replacement"`
	MatchType     MatchType `json:"match_type"`
	CaseSensitive bool      `json:"case_sensitive"`
	Active        bool      `json:"active"`
	Position      int       `json:"position"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RuleKind identifies a versioned rule family.
type RuleKind string

const (
	RuleKindFilter  RuleKind = "filter"
	RuleKindMapping RuleKind = "mapping"
)

// RuleVersions holds the version counters relevant to one source.
type RuleVersions struct {
	Global int64
	Source int64
}

// EncryptionKey is a persisted data-encryption key.
type EncryptionKey struct {
	ID        int64
	KeyHex    string
	Active    bool
	CreatedAt time.Time
}
