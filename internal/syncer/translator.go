package syncer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/macjediwizard/calhub/internal/caldav"
	"github.com/macjediwizard/calhub/internal/db"
)

// TitleMapper rewrites event titles.
type TitleMapper interface {
	Apply(ctx context.Context, title string, sourceID int64) (string, error)
}

// Translator maps persisted events to CalDAV payloads.
type Translator struct {
	mapper  TitleMapper
	baseURL string
}

// NewTranslator creates a Translator. baseURL is used for deep links and may be empty.
func NewTranslator(mapper TitleMapper, baseURL string) *Translator {
	return &Translator{mapper: mapper, baseURL: baseURL}
}

// Payload builds the CalDAV payload for an event under the given remote UID.
func (t *Translator) Payload(ctx context.Context, source *db.Source, event *db.CalendarEvent, uid string) (caldav.Payload, error) {
	title := event.Title
	if t.mapper != nil {
		mapped, err := t.mapper.Apply(ctx, title, source.ID)
		if err != nil {
			return caldav.Payload{}, fmt.Errorf("failed to map title: %w", err)
		}
		title = mapped
	}

	status := string(db.EventStatusConfirmed)
	if event.Status == db.EventStatusTentative {
		status = string(db.EventStatusTentative)
	}

	start, end := event.StartsAt, event.EndsAt
	if event.AllDay {
		// Dates are stored in UTC; render them in the event's own zone so the day is preserved.
		loc := eventLocation(event, source)
		start, end = start.In(loc), end.In(loc)
	}

	payload := caldav.Payload{
		UID:         uid,
		Summary:     title,
		Description: event.Description,
		Location:    event.Location,
		Start:       start,
		End:         end,
		AllDay:      event.AllDay,
		Status:      status,
		XProps: map[string]string{
			"X-CH-SOURCE":    source.Name,
			"X-CH-SOURCE-ID": strconv.FormatInt(source.ID, 10),
		},
	}
	if t.baseURL != "" {
		payload.URL = fmt.Sprintf("%s/sources/%d/events/%d", t.baseURL, source.ID, event.ID)
	}

	return payload, nil
}

func eventLocation(event *db.CalendarEvent, source *db.Source) *time.Location {
	if event.TimeZone != "" {
		if loc, err := time.LoadLocation(event.TimeZone); err == nil {
			return loc
		}
	}
	return source.Location(time.UTC)
}
