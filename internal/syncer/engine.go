// Package syncer pushes ingested feed events to the CalDAV calendar and
// records the outcome of every sync attempt.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/macjediwizard/calhub/internal/caldav"
	"github.com/macjediwizard/calhub/internal/db"
	"github.com/macjediwizard/calhub/internal/ingest"
	"github.com/macjediwizard/calhub/internal/metrics"
)

// ErrConfiguration marks a source that cannot be synced until its settings change.
// It is never retried.
var ErrConfiguration = errors.New("sync configuration error")

// Fetcher loads feed events for a source.
type Fetcher interface {
	FetchEvents(ctx context.Context, source *db.Source) (*ingest.FetchResult, error)
	FetchWithChangeDetection(ctx context.Context, source *db.Source) (*ingest.ChangeResult, error)
	ChangeHash(ctx context.Context, source *db.Source) (string, error)
}

// Calendar is the remote CalDAV calendar.
type Calendar interface {
	Upsert(ctx context.Context, identifier string, payload caldav.Payload) (string, error)
	Delete(ctx context.Context, identifier, uid string) (string, error)
}

// Filter decides and reconciles sync exemption.
type Filter interface {
	ShouldFilter(ctx context.Context, event *db.CalendarEvent) (bool, error)
	ApplyBackwardFiltering(ctx context.Context, sourceID int64) ([]*db.CalendarEvent, error)
	ApplyReverseFiltering(ctx context.Context, sourceID int64) ([]*db.CalendarEvent, error)
}

// TrackFunc returns an extra observer for a run and a callback invoked when it ends.
type TrackFunc func(source *db.Source) (Observer, func(err error))

// Options configures an Engine.
type Options struct {
	// Enhanced skips the full sync when neither the feed nor local settings changed.
	Enhanced bool
	// BaseURL is the deep-link base written to pushed events.
	BaseURL string
	// BatchPause spaces out day-groups during the push phase.
	BatchPause time.Duration
	// DefaultLocation is used for sources without a time zone.
	DefaultLocation *time.Location
	Track           TrackFunc
	Now             func() time.Time
}

// Engine orchestrates fetch, upsert, push and reconciliation for one source at a time.
type Engine struct {
	db         *db.DB
	fetcher    Fetcher
	calendar   Calendar
	filter     Filter
	translator *Translator

	enhanced   bool
	defaultLoc *time.Location
	batchPause time.Duration
	track      TrackFunc
	now        func() time.Time

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewEngine creates a new sync engine.
func NewEngine(database *db.DB, fetcher Fetcher, calendar Calendar, filter Filter, mapper TitleMapper, opts Options) *Engine {
	e := &Engine{
		db:         database,
		fetcher:    fetcher,
		calendar:   calendar,
		filter:     filter,
		translator: NewTranslator(mapper, strings.TrimSuffix(opts.BaseURL, "/")),
		enhanced:   opts.Enhanced,
		defaultLoc: opts.DefaultLocation,
		batchPause: opts.BatchPause,
		track:      opts.Track,
		now:        opts.Now,
		locks:      make(map[int64]*sync.Mutex),
	}
	if e.defaultLoc == nil {
		e.defaultLoc = time.UTC
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// sourceLock returns the mutex serializing syncs of one source.
func (e *Engine) sourceLock(sourceID int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lock, exists := e.locks[sourceID]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	e.locks[sourceID] = lock
	return lock
}

// Sync runs one sync of a source. attemptID is the queued attempt created by the
// scheduler; zero creates a new attempt. The attempt is always finalized, and
// whole-sync errors are returned so the caller can retry.
func (e *Engine) Sync(ctx context.Context, sourceID, attemptID int64) error {
	started := e.now()

	source, err := e.db.GetSource(ctx, sourceID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			err = fmt.Errorf("%w: source %d does not exist", ErrConfiguration, sourceID)
		}
		if attemptID != 0 {
			e.finishAttempt(ctx, attemptID, err)
		}
		return err
	}

	if attemptID == 0 {
		attempt, err := e.db.CreateAttempt(ctx, sourceID)
		if err != nil {
			return err
		}
		attemptID = attempt.ID
	}

	lock := e.sourceLock(sourceID)
	lock.Lock()
	defer lock.Unlock()

	log.Printf("Starting sync for source %s (%d), attempt %d", source.Name, source.ID, attemptID)

	counts := &stats{}
	observers := multiObserver{NewAttemptObserver(ctx, e.db, attemptID), counts}
	var done func(error)
	if e.track != nil {
		tracked, finish := e.track(source)
		observers = append(observers, tracked)
		done = finish
	}

	err = e.run(ctx, source, observers)

	e.finishAttempt(ctx, attemptID, err)
	if done != nil {
		done(err)
	}

	status := db.AttemptSuccess
	if err != nil {
		status = db.AttemptFailed
	}
	duration := e.now().Sub(started)
	metrics.ObserveSyncRun(string(status), duration)
	log.Printf("sync_finished source_id=%d attempt_id=%d status=%s fetched=%d upserts=%d deletes=%d errors=%d duration=%s",
		source.ID, attemptID, status, counts.fetched, counts.upserts, counts.deletes, counts.errors, duration.Round(time.Millisecond))

	return err
}

func (e *Engine) finishAttempt(ctx context.Context, attemptID int64, syncErr error) {
	status, message := db.AttemptSuccess, ""
	if syncErr != nil {
		status, message = db.AttemptFailed, syncErr.Error()
	}
	if err := e.db.FinishAttempt(context.WithoutCancel(ctx), attemptID, status, message); err != nil {
		log.Printf("Failed to finish attempt %d: %v", attemptID, err)
	}
}

// validate checks what a sync needs before any remote call is made.
func (e *Engine) validate(source *db.Source) error {
	switch {
	case e.fetcher == nil:
		return fmt.Errorf("%w: no ingestion adapter configured", ErrConfiguration)
	case e.calendar == nil:
		return fmt.Errorf("%w: no CalDAV client configured", ErrConfiguration)
	case strings.TrimSpace(source.IngestionURL) == "":
		return fmt.Errorf("%w: source %d has no ingestion URL", ErrConfiguration, source.ID)
	case strings.TrimSpace(source.CalendarIdentifier) == "":
		return fmt.Errorf("%w: source %d has no calendar identifier", ErrConfiguration, source.ID)
	}
	return nil
}

func (e *Engine) run(ctx context.Context, source *db.Source, obs Observer) error {
	if err := e.validate(source); err != nil {
		return err
	}

	var events []ingest.FetchedEvent
	var changeHash string

	if e.enhanced {
		result, err := e.fetcher.FetchWithChangeDetection(ctx, source)
		if err != nil {
			return err
		}
		if !result.Changed {
			log.Printf("No changes for source %d, skipping sync", source.ID)
			obs.Start(0)
			return e.db.MarkSourceSynced(ctx, source.ID, e.now(), source.SyncToken, source.LastChangeHash)
		}
		events = result.Result.Events
		changeHash = result.Hash
	} else {
		result, err := e.fetcher.FetchEvents(ctx, source)
		if err != nil {
			return err
		}
		if result.NotModified {
			log.Printf("Feed for source %d not modified", source.ID)
			obs.Start(0)
			return e.db.MarkSourceSynced(ctx, source.ID, e.now(), source.SyncToken, source.LastChangeHash)
		}
		events = result.Events
	}

	obs.Start(len(events))

	persisted, err := e.upsertEvents(ctx, source, events)
	if err != nil {
		return err
	}

	if err := e.push(ctx, source, persisted, obs); err != nil {
		return err
	}

	e.cancelMissing(ctx, source, persisted, obs)

	if changeHash == "" {
		if changeHash, err = e.fetcher.ChangeHash(ctx, source); err != nil {
			return err
		}
	}

	return e.db.MarkSourceSynced(ctx, source.ID, e.now(), uuid.NewString(), changeHash)
}

// upsertEvents stores fetched events in feed order, so a later copy of a repeated
// UID overwrites an earlier one. The returned list holds each UID once.
func (e *Engine) upsertEvents(ctx context.Context, source *db.Source, fetched []ingest.FetchedEvent) ([]*db.CalendarEvent, error) {
	index := make(map[string]int, len(fetched))
	persisted := make([]*db.CalendarEvent, 0, len(fetched))

	for _, fe := range fetched {
		event, err := e.db.GetCalendarEvent(ctx, source.ID, fe.UID)
		if errors.Is(err, db.ErrNotFound) {
			event = &db.CalendarEvent{SourceID: source.ID, ExternalID: fe.UID}
		} else if err != nil {
			return nil, err
		}

		event.Title = fe.Summary
		event.Description = fe.Description
		event.Location = fe.Location
		event.TimeZone = fe.TimeZone
		event.StartsAt = fe.Start
		event.EndsAt = fe.End
		event.Status = fe.Status
		event.AllDay = fe.AllDay
		event.Data = fe.Raw
		event.SourceUpdatedAt = lastModified(fe.Raw)

		if e.filter != nil {
			exempt, err := e.filter.ShouldFilter(ctx, event)
			if err != nil {
				return nil, err
			}
			event.SyncExempt = exempt
		}

		if err := e.db.SaveCalendarEvent(ctx, event); err != nil {
			return nil, fmt.Errorf("failed to save event %s: %w", fe.UID, err)
		}

		if i, ok := index[fe.UID]; ok {
			persisted[i] = event
			continue
		}
		index[fe.UID] = len(persisted)
		persisted = append(persisted, event)
	}

	return persisted, nil
}

// push sends events to CalDAV one day-group at a time. Per-event failures are
// reported to obs and do not stop the batch.
func (e *Engine) push(ctx context.Context, source *db.Source, events []*db.CalendarEvent, obs Observer) error {
	throttle := newThrottle(e.batchPause)
	for _, group := range groupByDay(events, source.Location(e.defaultLoc)) {
		if err := throttle.Wait(ctx); err != nil {
			return err
		}
		for _, event := range group {
			e.pushEvent(ctx, source, event, obs)
		}
	}
	return nil
}

func (e *Engine) pushEvent(ctx context.Context, source *db.Source, event *db.CalendarEvent, obs Observer) {
	uid := StandardUID(source.ID, event.ExternalID)

	if event.SyncExempt || event.Status == db.EventStatusCancelled {
		if _, err := e.calendar.Delete(ctx, source.CalendarIdentifier, uid); err != nil {
			log.Printf("Failed to delete event %s for source %d: %v", event.ExternalID, source.ID, err)
			obs.DeleteError(event.ExternalID, err)
			return
		}
		obs.DeleteSuccess(event.ExternalID)
		return
	}

	payload, err := e.translator.Payload(ctx, source, event, uid)
	if err != nil {
		log.Printf("Failed to translate event %s for source %d: %v", event.ExternalID, source.ID, err)
		obs.UpsertError(event.ExternalID, err)
		return
	}

	if _, err := e.calendar.Upsert(ctx, source.CalendarIdentifier, payload); err != nil {
		log.Printf("Failed to upsert event %s for source %d: %v", event.ExternalID, source.ID, err)
		obs.UpsertError(event.ExternalID, err)
		return
	}

	if err := e.db.MarkCalendarEventSynced(ctx, event.ID, e.now()); err != nil {
		log.Printf("Failed to mark event %s synced: %v", event.ExternalID, err)
	}
	obs.UpsertSuccess(event.ExternalID)
}

// cancelMissing cancels and deletes events that are no longer in the feed.
// Failures here are warnings only.
func (e *Engine) cancelMissing(ctx context.Context, source *db.Source, current []*db.CalendarEvent, obs Observer) {
	present := make(map[string]bool, len(current))
	for _, event := range current {
		present[event.ExternalID] = true
	}

	stored, err := e.db.ListCalendarEvents(ctx, source.ID)
	if err != nil {
		log.Printf("Warning: failed to list events for reconciliation of source %d: %v", source.ID, err)
		return
	}

	for _, event := range stored {
		if present[event.ExternalID] || event.Status == db.EventStatusCancelled {
			continue
		}

		event.Status = db.EventStatusCancelled
		if err := e.db.SaveCalendarEvent(ctx, event); err != nil {
			log.Printf("Warning: failed to cancel event %s: %v", event.ExternalID, err)
			obs.DeleteError(event.ExternalID, err)
			continue
		}

		if _, err := e.calendar.Delete(ctx, source.CalendarIdentifier, StandardUID(source.ID, event.ExternalID)); err != nil {
			log.Printf("Warning: failed to delete cancelled event %s: %v", event.ExternalID, err)
			obs.DeleteError(event.ExternalID, err)
			continue
		}
		obs.DeleteSuccess(event.ExternalID)
	}
}

func lastModified(raw map[string]string) *time.Time {
	value, ok := raw["last-modified"]
	if !ok {
		return nil
	}
	t, err := time.Parse("20060102T150405Z", value)
	if err != nil {
		return nil
	}
	return &t
}
