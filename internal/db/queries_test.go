package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestDB creates a temporary test database.
func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calhub-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tempDir, "test.db")
	db, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}

	return db, cleanup
}

// createTestSource creates an active auto-sync source.
func createTestSource(t *testing.T, db *DB, name string) *Source {
	t.Helper()

	source := &Source{
		Name:               name,
		IngestionURL:       "https://example.com/" + name + ".ics",
		CalendarIdentifier: "Work",
		TimeZone:           "America/New_York",
		Active:             true,
		AutoSync:           true,
	}

	if err := db.CreateSource(context.Background(), source); err != nil {
		t.Fatalf("failed to create test source: %v", err)
	}
	return source
}

func TestSourceLifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	source := createTestSource(t, db, "team")
	if source.ID == 0 {
		t.Fatal("expected source id to be assigned")
	}
	if source.ImportStartDate.IsZero() {
		t.Fatal("expected import start date to default to creation time")
	}

	t.Run("get returns stored fields", func(t *testing.T) {
		got, err := db.GetSource(ctx, source.ID)
		if err != nil {
			t.Fatalf("GetSource() error = %v", err)
		}
		if got.Name != "team" || got.TimeZone != "America/New_York" || !got.Active || !got.AutoSync {
			t.Errorf("unexpected source: %+v", got)
		}
		if got.SyncFrequencyMinutes != nil {
			t.Errorf("expected nil frequency, got %v", *got.SyncFrequencyMinutes)
		}
	})

	t.Run("update does not change import start date", func(t *testing.T) {
		got, _ := db.GetSource(ctx, source.ID)
		original := got.ImportStartDate
		freq, start, end := 15, 22, 2
		got.SyncFrequencyMinutes = &freq
		got.SyncWindowStartHour = &start
		got.SyncWindowEndHour = &end
		got.ImportStartDate = original.Add(-48 * time.Hour)
		if err := db.UpdateSource(ctx, got); err != nil {
			t.Fatalf("UpdateSource() error = %v", err)
		}

		reloaded, _ := db.GetSource(ctx, source.ID)
		if !reloaded.ImportStartDate.Equal(original) {
			t.Errorf("import start date changed: %v -> %v", original, reloaded.ImportStartDate)
		}
		if reloaded.SyncFrequencyMinutes == nil || *reloaded.SyncFrequencyMinutes != 15 {
			t.Errorf("frequency not saved: %v", reloaded.SyncFrequencyMinutes)
		}
		if *reloaded.SyncWindowStartHour != 22 || *reloaded.SyncWindowEndHour != 2 {
			t.Errorf("window not saved")
		}
	})

	t.Run("soft delete hides source from default queries", func(t *testing.T) {
		if err := db.SoftDeleteSource(ctx, source.ID); err != nil {
			t.Fatalf("SoftDeleteSource() error = %v", err)
		}
		if _, err := db.GetSource(ctx, source.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetSource() error = %v, want ErrNotFound", err)
		}
		got, err := db.GetSourceIncludingDeleted(ctx, source.ID)
		if err != nil {
			t.Fatalf("GetSourceIncludingDeleted() error = %v", err)
		}
		if !got.IsDeleted() {
			t.Error("expected deleted_at to be set")
		}
		sources, _ := db.ListSources(ctx)
		if len(sources) != 0 {
			t.Errorf("ListSources() returned %d sources, want 0", len(sources))
		}
	})

	t.Run("unarchive restores source", func(t *testing.T) {
		if err := db.UnarchiveSource(ctx, source.ID); err != nil {
			t.Fatalf("UnarchiveSource() error = %v", err)
		}
		if _, err := db.GetSource(ctx, source.ID); err != nil {
			t.Errorf("GetSource() after unarchive error = %v", err)
		}
		if err := db.UnarchiveSource(ctx, source.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("second UnarchiveSource() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("purge cascades", func(t *testing.T) {
		event := &CalendarEvent{SourceID: source.ID, ExternalID: "e1", Title: "x", Status: EventStatusConfirmed,
			StartsAt: time.Now(), EndsAt: time.Now().Add(time.Hour)}
		if err := db.SaveCalendarEvent(ctx, event); err != nil {
			t.Fatalf("SaveCalendarEvent() error = %v", err)
		}
		if err := db.PurgeSource(ctx, source.ID); err != nil {
			t.Fatalf("PurgeSource() error = %v", err)
		}
		if _, err := db.GetSourceIncludingDeleted(ctx, source.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected purged source to be gone, got %v", err)
		}
		if n, _ := db.CountCalendarEvents(ctx, source.ID); n != 0 {
			t.Errorf("expected events to cascade, %d remain", n)
		}
	})
}

func TestSaveCalendarEvent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	source := createTestSource(t, db, "events")

	start := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	event := &CalendarEvent{
		SourceID:   source.ID,
		ExternalID: "uid-1",
		Title:      "Standup",
		StartsAt:   start,
		EndsAt:     start.Add(30 * time.Minute),
		Status:     EventStatusConfirmed,
		Data:       map[string]string{"x-color": "blue"},
	}

	if err := db.SaveCalendarEvent(ctx, event); err != nil {
		t.Fatalf("SaveCalendarEvent() error = %v", err)
	}
	firstID := event.ID
	firstFingerprint := event.Fingerprint
	if firstFingerprint == "" {
		t.Fatal("expected fingerprint to be computed")
	}

	t.Run("same external id updates in place", func(t *testing.T) {
		update := &CalendarEvent{
			SourceID:   source.ID,
			ExternalID: "uid-1",
			Title:      "Daily standup",
			StartsAt:   start,
			EndsAt:     start.Add(30 * time.Minute),
			Status:     EventStatusConfirmed,
		}
		if err := db.SaveCalendarEvent(ctx, update); err != nil {
			t.Fatalf("SaveCalendarEvent() error = %v", err)
		}
		if update.ID != firstID {
			t.Errorf("expected id %d, got %d", firstID, update.ID)
		}
		if update.Fingerprint == firstFingerprint {
			t.Error("expected fingerprint to change with title")
		}
		if n, _ := db.CountCalendarEvents(ctx, source.ID); n != 1 {
			t.Errorf("expected 1 event, got %d", n)
		}
	})

	t.Run("end before start is clamped", func(t *testing.T) {
		bad := &CalendarEvent{SourceID: source.ID, ExternalID: "uid-2", StartsAt: start, EndsAt: start.Add(-time.Hour), Status: EventStatusConfirmed}
		if err := db.SaveCalendarEvent(ctx, bad); err != nil {
			t.Fatalf("SaveCalendarEvent() error = %v", err)
		}
		got, _ := db.GetCalendarEvent(ctx, source.ID, "uid-2")
		if !got.EndsAt.Equal(got.StartsAt) {
			t.Errorf("EndsAt = %v, want %v", got.EndsAt, got.StartsAt)
		}
	})

	t.Run("unknown status is rejected", func(t *testing.T) {
		bad := &CalendarEvent{SourceID: source.ID, ExternalID: "uid-3", StartsAt: start, EndsAt: start, Status: "maybe"}
		if err := db.SaveCalendarEvent(ctx, bad); !errors.Is(err, ErrInvalidValue) {
			t.Errorf("SaveCalendarEvent() error = %v, want ErrInvalidValue", err)
		}
	})

	t.Run("data round trips", func(t *testing.T) {
		event.Title = "Standup"
		if err := db.SaveCalendarEvent(ctx, event); err != nil {
			t.Fatalf("SaveCalendarEvent() error = %v", err)
		}
		got, err := db.GetCalendarEvent(ctx, source.ID, "uid-1")
		if err != nil {
			t.Fatalf("GetCalendarEvent() error = %v", err)
		}
		if got.Data["x-color"] != "blue" {
			t.Errorf("Data = %v", got.Data)
		}
		if got.Fingerprint != got.ComputeFingerprint() {
			t.Error("stored fingerprint does not match recomputed value")
		}
	})
}

func TestFingerprintIgnoresZoneOfEqualInstants(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	instant := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a := &CalendarEvent{Title: "x", StartsAt: instant, EndsAt: instant, Status: EventStatusConfirmed}
	b := &CalendarEvent{Title: "x", StartsAt: instant.In(ny), EndsAt: instant.In(ny), Status: EventStatusConfirmed}
	if a.ComputeFingerprint() != b.ComputeFingerprint() {
		t.Error("fingerprints differ for identical instants")
	}
}

func TestAttemptLifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	source := createTestSource(t, db, "attempts")

	attempt, err := db.CreateAttempt(ctx, source.ID)
	if err != nil {
		t.Fatalf("CreateAttempt() error = %v", err)
	}

	pending, _ := db.HasPendingAttempt(ctx, source.ID)
	if !pending {
		t.Error("expected queued attempt to be pending")
	}

	if err := db.StartAttempt(ctx, attempt.ID, 3); err != nil {
		t.Fatalf("StartAttempt() error = %v", err)
	}

	results := []*SyncEventResult{
		{AttemptID: attempt.ID, ExternalID: "a", Action: ActionUpsert, Success: true},
		{AttemptID: attempt.ID, ExternalID: "b", Action: ActionUpsert, Success: false, ErrorMessage: "boom"},
		{AttemptID: attempt.ID, ExternalID: "c", Action: ActionDelete, Success: true},
	}
	for _, r := range results {
		if err := db.RecordEventResult(ctx, r); err != nil {
			t.Fatalf("RecordEventResult() error = %v", err)
		}
	}

	if err := db.FinishAttempt(ctx, attempt.ID, AttemptSuccess, ""); err != nil {
		t.Fatalf("FinishAttempt() error = %v", err)
	}

	got, err := db.GetAttempt(ctx, attempt.ID)
	if err != nil {
		t.Fatalf("GetAttempt() error = %v", err)
	}
	if got.Status != AttemptSuccess || got.TotalEvents != 3 {
		t.Errorf("unexpected attempt: %+v", got)
	}
	if got.Upserts != 1 || got.Deletes != 1 || got.ErrorsCount != 1 {
		t.Errorf("counters = upserts %d deletes %d errors %d, want 1/1/1", got.Upserts, got.Deletes, got.ErrorsCount)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("expected started_at and finished_at to be stamped")
	}

	trail, _ := db.ListEventResults(ctx, attempt.ID)
	if len(trail) != 3 || trail[1].ErrorMessage != "boom" {
		t.Errorf("unexpected result trail: %+v", trail)
	}

	if err := db.FinishAttempt(ctx, attempt.ID, AttemptFailed, "again"); !errors.Is(err, ErrAttemptFinalized) {
		t.Errorf("second FinishAttempt() error = %v, want ErrAttemptFinalized", err)
	}
	if err := db.FinishAttempt(ctx, 9999, AttemptFailed, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishAttempt(missing) error = %v, want ErrNotFound", err)
	}

	pending, _ = db.HasPendingAttempt(ctx, source.ID)
	if pending {
		t.Error("finished attempt should not be pending")
	}
}

func TestFailStaleAttempts(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	source := createTestSource(t, db, "stale")

	old, _ := db.CreateAttempt(ctx, source.ID)
	if _, err := db.Conn().Exec(`UPDATE sync_attempts SET created_at = ? WHERE id = ?`, time.Now().UTC().Add(-3*time.Hour), old.ID); err != nil {
		t.Fatalf("failed to age attempt: %v", err)
	}
	fresh, _ := db.CreateAttempt(ctx, source.ID)

	n, err := db.FailStaleAttempts(ctx, time.Now().Add(-2*time.Hour), "stale")
	if err != nil {
		t.Fatalf("FailStaleAttempts() error = %v", err)
	}
	if n != 1 {
		t.Errorf("FailStaleAttempts() = %d, want 1", n)
	}

	got, _ := db.GetAttempt(ctx, old.ID)
	if got.Status != AttemptFailed || got.Message != "stale" {
		t.Errorf("old attempt = %+v", got)
	}
	got, _ = db.GetAttempt(ctx, fresh.ID)
	if got.Status != AttemptQueued {
		t.Errorf("fresh attempt status = %s, want queued", got.Status)
	}
}

func TestRuleVersioning(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	source := createTestSource(t, db, "rules")

	v0, _ := db.GetRuleVersions(ctx, RuleKindMapping, source.ID)
	if v0.Global != 0 || v0.Source != 0 {
		t.Fatalf("initial versions = %+v", v0)
	}

	global := &EventMapping{Pattern: "Mtg", Replacement: "Meeting", Active: true}
	if err := db.CreateEventMapping(ctx, global); err != nil {
		t.Fatalf("CreateEventMapping() error = %v", err)
	}
	scoped := &EventMapping{SourceID: &source.ID, Pattern: "1:1", Replacement: "One on one", MatchType: MatchEquals, Active: true, Position: 1}
	if err := db.CreateEventMapping(ctx, scoped); err != nil {
		t.Fatalf("CreateEventMapping() error = %v", err)
	}

	v1, _ := db.GetRuleVersions(ctx, RuleKindMapping, source.ID)
	if v1.Global != 1 || v1.Source != 1 {
		t.Errorf("versions after create = %+v, want 1/1", v1)
	}

	if err := db.DeleteEventMapping(ctx, scoped.ID); err != nil {
		t.Fatalf("DeleteEventMapping() error = %v", err)
	}
	v2, _ := db.GetRuleVersions(ctx, RuleKindMapping, source.ID)
	if v2.Source != 2 || v2.Global != 1 {
		t.Errorf("versions after delete = %+v, want 1/2", v2)
	}

	mappings, _ := db.ListActiveEventMappings(ctx, source.ID)
	if len(mappings) != 1 || mappings[0].SourceID != nil {
		t.Errorf("expected only the global mapping, got %+v", mappings)
	}

	t.Run("invalid match type rejected", func(t *testing.T) {
		err := db.CreateFilterRule(ctx, &FilterRule{Pattern: "x", MatchType: "glob"})
		if !errors.Is(err, ErrInvalidValue) {
			t.Errorf("CreateFilterRule() error = %v, want ErrInvalidValue", err)
		}
		fv, _ := db.GetRuleVersions(ctx, RuleKindFilter, source.ID)
		if fv.Global != 0 {
			t.Errorf("rejected rule bumped version to %d", fv.Global)
		}
	})

	t.Run("filter rules scoped to source or global", func(t *testing.T) {
		other := createTestSource(t, db, "other")
		for _, r := range []*FilterRule{
			{Pattern: "Private", Active: true},
			{SourceID: &source.ID, Pattern: "Lunch", Active: true, Position: 2},
			{SourceID: &other.ID, Pattern: "Other", Active: true},
			{SourceID: &source.ID, Pattern: "Inactive", Active: false},
		} {
			if err := db.CreateFilterRule(ctx, r); err != nil {
				t.Fatalf("CreateFilterRule() error = %v", err)
			}
		}
		rules, err := db.ListActiveFilterRules(ctx, source.ID)
		if err != nil {
			t.Fatalf("ListActiveFilterRules() error = %v", err)
		}
		if len(rules) != 2 || rules[0].Pattern != "Private" || rules[1].Pattern != "Lunch" {
			t.Errorf("unexpected rules: %+v", rules)
		}
		if rules[0].FieldName != FieldTitle || rules[0].MatchType != MatchContains {
			t.Errorf("defaults not applied: %+v", rules[0])
		}
	})
}

func TestParseEnums(t *testing.T) {
	if s, err := ParseEventStatus(" CANCELLED "); err != nil || s != EventStatusCancelled {
		t.Errorf("ParseEventStatus() = %q, %v", s, err)
	}
	if _, err := ParseEventStatus("unknown"); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
	if _, err := ParseFieldName("summary"); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
	if _, err := ParseSyncAction("move"); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
	if _, err := ParseAttemptStatus("pending"); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
	if AttemptRunning.IsTerminal() || !AttemptFailed.IsTerminal() {
		t.Error("IsTerminal() mismatch")
	}
}

func TestSourceDuplicates(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	first := createTestSource(t, db, "team")

	dup := &Source{Name: "again", IngestionURL: first.IngestionURL, CalendarIdentifier: "Work", Active: true}
	if err := db.CreateSource(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("CreateSource() error = %v, want ErrDuplicate", err)
	}

	other := &Source{Name: "home", IngestionURL: first.IngestionURL, CalendarIdentifier: "Home", Active: true}
	if err := db.CreateSource(ctx, other); err != nil {
		t.Fatalf("same feed into another calendar should be allowed: %v", err)
	}

	if err := db.SoftDeleteSource(ctx, first.ID); err != nil {
		t.Fatalf("SoftDeleteSource() error = %v", err)
	}
	replacement := &Source{Name: "replacement", IngestionURL: first.IngestionURL, CalendarIdentifier: "Work", Active: true}
	if err := db.CreateSource(ctx, replacement); err != nil {
		t.Fatalf("archived sources should not block a new one: %v", err)
	}

	if err := db.UnarchiveSource(ctx, first.ID); !errors.Is(err, ErrDuplicate) {
		t.Errorf("UnarchiveSource() error = %v, want ErrDuplicate", err)
	}

	other.CalendarIdentifier = "Work"
	if err := db.UpdateSource(ctx, other); !errors.Is(err, ErrDuplicate) {
		t.Errorf("UpdateSource() error = %v, want ErrDuplicate", err)
	}
}
