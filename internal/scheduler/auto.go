package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/macjediwizard/calhub/internal/db"
)

// Enqueuer runs a sync now or at a later time.
type Enqueuer interface {
	Enqueue(sourceID, attemptID int64) error
	EnqueueAt(at time.Time, sourceID, attemptID int64) error
}

// AutoOptions configures an AutoScheduler.
type AutoOptions struct {
	// StaggerWindow spaces out sources that share an apex domain.
	StaggerWindow           time.Duration
	DefaultFrequencyMinutes int
	DefaultLocation         *time.Location
}

// AutoScheduler selects due sources and hands them to the queue.
type AutoScheduler struct {
	db    *db.DB
	queue Enqueuer

	window     time.Duration
	frequency  int
	defaultLoc *time.Location
}

// NewAutoScheduler creates an AutoScheduler.
func NewAutoScheduler(database *db.DB, queue Enqueuer, opts AutoOptions) *AutoScheduler {
	a := &AutoScheduler{
		db:         database,
		queue:      queue,
		window:     opts.StaggerWindow,
		frequency:  opts.DefaultFrequencyMinutes,
		defaultLoc: opts.DefaultLocation,
	}
	if a.window <= 0 {
		a.window = 5 * time.Minute
	}
	if a.frequency <= 0 {
		a.frequency = 60
	}
	if a.defaultLoc == nil {
		a.defaultLoc = time.UTC
	}
	return a
}

// ScheduleDueSyncs creates a queued attempt for every due source and enqueues it,
// staggered per apex domain. It returns the number of syncs scheduled.
func (a *AutoScheduler) ScheduleDueSyncs(ctx context.Context, now time.Time) (int, error) {
	sources, err := a.db.ListAutoSyncSources(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list auto-sync sources: %w", err)
	}

	var due []*db.Source
	for _, source := range sources {
		if !IsDue(source, now, a.frequency) || !WithinSyncWindow(source, now, a.defaultLoc) {
			continue
		}
		pending, err := a.db.HasPendingAttempt(ctx, source.ID)
		if err != nil {
			return 0, err
		}
		if pending {
			continue
		}
		due = append(due, source)
	}

	if len(due) == 0 {
		return 0, nil
	}

	schedule := OptimizeSchedule(due, a.window, now)

	scheduled := 0
	for _, source := range due {
		attempt, err := a.db.CreateAttempt(ctx, source.ID)
		if err != nil {
			log.Printf("Failed to create attempt for source %d: %v", source.ID, err)
			continue
		}

		at := schedule[source.ID]
		if at.After(now) {
			err = a.queue.EnqueueAt(at, source.ID, attempt.ID)
		} else {
			err = a.queue.Enqueue(source.ID, attempt.ID)
		}
		if err != nil {
			log.Printf("Failed to enqueue sync for source %d: %v", source.ID, err)
			if ferr := a.db.FinishAttempt(ctx, attempt.ID, db.AttemptFailed, err.Error()); ferr != nil {
				log.Printf("Failed to finish attempt %d: %v", attempt.ID, ferr)
			}
			continue
		}
		scheduled++
	}

	log.Printf("Scheduled %d of %d due sources", scheduled, len(due))
	return scheduled, nil
}

// IsDue reports whether a source has never synced or its frequency has elapsed.
func IsDue(source *db.Source, now time.Time, defaultFrequencyMinutes int) bool {
	if source.LastSyncedAt == nil {
		return true
	}
	return now.Sub(*source.LastSyncedAt) >= source.Frequency(defaultFrequencyMinutes)
}

// WithinSyncWindow reports whether now falls inside the source's sync hours,
// evaluated in the source's time zone. Windows with start > end wrap midnight.
func WithinSyncWindow(source *db.Source, now time.Time, defaultLoc *time.Location) bool {
	if source.SyncWindowStartHour == nil || source.SyncWindowEndHour == nil {
		return true
	}

	start, end := *source.SyncWindowStartHour, *source.SyncWindowEndHour
	hour := now.In(source.Location(defaultLoc)).Hour()

	if start <= end {
		return hour >= start && hour <= end
	}
	return hour >= start || hour <= end
}
