package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/macjediwizard/calhub/internal/db"
)

// FilterSyncResult summarizes a filter reconciliation run.
type FilterSyncResult struct {
	Exempted int `json:"exempted"`
	Included int `json:"included"`
	Errors   int `json:"errors"`
}

// SyncFilterChanges re-applies filter rules to stored events without fetching the feed.
// Newly exempt events are removed remotely under both UID schemes; newly included
// events are pushed under the standard scheme.
func (e *Engine) SyncFilterChanges(ctx context.Context, sourceID int64) (*FilterSyncResult, error) {
	source, err := e.db.GetSource(ctx, sourceID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: source %d does not exist", ErrConfiguration, sourceID)
		}
		return nil, err
	}
	if err := e.validate(source); err != nil {
		return nil, err
	}
	if e.filter == nil {
		return nil, fmt.Errorf("%w: no event filter configured", ErrConfiguration)
	}

	lock := e.sourceLock(sourceID)
	lock.Lock()
	defer lock.Unlock()

	exempted, err := e.filter.ApplyBackwardFiltering(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to apply backward filtering: %w", err)
	}
	included, err := e.filter.ApplyReverseFiltering(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to apply reverse filtering: %w", err)
	}

	counts := &stats{}
	obs := multiObserver{NullObserver{}, counts}
	if e.track != nil {
		tracked, done := e.track(source)
		obs = append(obs, tracked)
		defer func() { done(err) }()
	}
	obs.Start(len(exempted) + len(included))

	for _, event := range exempted {
		e.deleteAllSchemes(ctx, source, event, obs)
	}
	for _, event := range included {
		if event.Status == db.EventStatusCancelled {
			continue
		}
		e.pushEvent(ctx, source, event, obs)
	}

	result := &FilterSyncResult{
		Exempted: len(exempted),
		Included: len(included),
		Errors:   counts.errors,
	}
	log.Printf("Filter sync for source %d: %d exempted, %d included, %d errors",
		sourceID, result.Exempted, result.Included, result.Errors)
	return result, nil
}

// deleteAllSchemes removes an event under the legacy UID and then the standard one.
func (e *Engine) deleteAllSchemes(ctx context.Context, source *db.Source, event *db.CalendarEvent, obs Observer) {
	for _, uid := range []string{LegacyUID(source.ID, event.ExternalID), StandardUID(source.ID, event.ExternalID)} {
		if _, err := e.calendar.Delete(ctx, source.CalendarIdentifier, uid); err != nil {
			log.Printf("Failed to delete %s for source %d: %v", uid, source.ID, err)
			obs.DeleteError(event.ExternalID, err)
			return
		}
	}
	obs.DeleteSuccess(event.ExternalID)
}
