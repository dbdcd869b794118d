package caldav

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

const productID = "-//CalendarHub//EN"

// Payload is the event shape pushed to the CalDAV server.
type Payload struct {
	UID         string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	// Status is "tentative" or "confirmed"; empty omits the property.
	Status string
	// URL is an optional deep link back to the source event.
	URL string
	// XProps are custom X- properties written as text.
	XProps map[string]string
}

// BuildICS renders a single-event VCALENDAR. Timed events are written in UTC,
// all-day events as VALUE=DATE.
func BuildICS(p Payload, now time.Time) ([]byte, error) {
	if p.UID == "" {
		return nil, fmt.Errorf("%w: payload has no UID", ErrProtocol)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropMethod, "PUBLISH")

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, p.UID)
	event.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC().Truncate(time.Second))

	end := p.End
	if end.Before(p.Start) {
		end = p.Start
	}
	if p.AllDay {
		event.Props.SetDate(ical.PropDateTimeStart, p.Start)
		if !end.After(p.Start) {
			end = p.Start.AddDate(0, 0, 1)
		}
		event.Props.SetDate(ical.PropDateTimeEnd, end)
	} else {
		event.Props.SetDateTime(ical.PropDateTimeStart, p.Start.UTC())
		event.Props.SetDateTime(ical.PropDateTimeEnd, end.UTC())
	}

	event.Props.SetText(ical.PropSummary, p.Summary)
	if p.Description != "" {
		event.Props.SetText(ical.PropDescription, p.Description)
	}
	if p.Location != "" {
		event.Props.SetText(ical.PropLocation, p.Location)
	}
	if p.Status != "" {
		event.Props.SetText(ical.PropStatus, strings.ToUpper(p.Status))
	}
	if p.URL != "" {
		prop := ical.NewProp(ical.PropURL)
		prop.Value = p.URL
		event.Props.Set(prop)
	}

	names := make([]string, 0, len(p.XProps))
	for name := range p.XProps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		upper := strings.ToUpper(name)
		if !strings.HasPrefix(upper, "X-") {
			continue
		}
		event.Props.SetText(upper, p.XProps[name])
	}

	cal.Children = append(cal.Children, event.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("%w: failed to encode calendar: %w", ErrProtocol, err)
	}
	return buf.Bytes(), nil
}
