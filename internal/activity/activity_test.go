package activity

import (
	"errors"
	"testing"
	"time"
)

func TestTrackerRun(t *testing.T) {
	tracker := NewTracker()
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	now := start
	tracker.now = func() time.Time { return now }

	run := tracker.Begin(3, "Team")
	if !tracker.IsSourceSyncing(3) {
		t.Fatal("expected source to be syncing")
	}

	run.Start(4)
	run.UpsertSuccess("a")
	run.UpsertSuccess("b")
	run.DeleteSuccess("c")
	run.UpsertError("d", errors.New("status 500"))

	active := tracker.GetActive()
	if len(active) != 1 {
		t.Fatalf("expected 1 active sync, got %d", len(active))
	}
	got := active[0]
	if got.TotalEvents != 4 || got.EventsUpdated != 2 || got.EventsDeleted != 1 || got.EventsFailed != 1 {
		t.Errorf("unexpected counters: %+v", got)
	}
	if len(got.Errors) != 1 || got.Errors[0] != "d: status 500" {
		t.Errorf("unexpected errors: %v", got.Errors)
	}

	now = start.Add(1500 * time.Millisecond)
	run.Finish(nil)

	if tracker.IsSourceSyncing(3) {
		t.Error("expected source to be idle after finish")
	}
	recent := tracker.GetRecent()
	if len(recent) != 1 {
		t.Fatalf("expected 1 recent sync, got %d", len(recent))
	}
	if recent[0].Status != "partial" {
		t.Errorf("expected partial status, got %s", recent[0].Status)
	}
	if recent[0].Duration != "1.5s" {
		t.Errorf("expected 1.5s duration, got %s", recent[0].Duration)
	}
}

func TestTrackerFinishStatuses(t *testing.T) {
	testCases := []struct {
		name     string
		fail     bool
		err      error
		expected string
	}{
		{name: "clean run", expected: "completed"},
		{name: "per-event failure", fail: true, expected: "partial"},
		{name: "whole sync failure", err: errors.New("feed unavailable"), expected: "error"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tracker := NewTracker()
			run := tracker.Begin(1, "Feed")
			if tc.fail {
				run.DeleteError("x", errors.New("boom"))
			}
			run.Finish(tc.err)

			recent := tracker.GetRecent()
			if recent[0].Status != tc.expected {
				t.Errorf("expected %s, got %s", tc.expected, recent[0].Status)
			}
			if tc.err != nil && recent[0].Message != tc.err.Error() {
				t.Errorf("expected message %q, got %q", tc.err.Error(), recent[0].Message)
			}
		})
	}
}

func TestTrackerKeepsBoundedHistory(t *testing.T) {
	tracker := NewTracker()
	for i := 0; i < 25; i++ {
		tracker.Begin(int64(i), "s").Finish(nil)
	}

	recent := tracker.GetRecent()
	if len(recent) != 20 {
		t.Fatalf("expected 20 recent syncs, got %d", len(recent))
	}
	if recent[0].SourceID != 24 {
		t.Errorf("expected newest first, got source %d", recent[0].SourceID)
	}

	// Progress after finish is ignored.
	run := tracker.Begin(99, "late")
	run.Finish(nil)
	run.UpsertSuccess("ignored")
	if tracker.IsSourceSyncing(99) {
		t.Error("finished run must not be reactivated")
	}
}
