package syncer

import (
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/macjediwizard/calhub/internal/db"
)

// newThrottle returns a limiter that lets one day-group through per pause.
// A non-positive pause disables throttling.
func newThrottle(pause time.Duration) *rate.Limiter {
	if pause <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(pause), 1)
}

// groupByDay sorts events by start and splits them into runs sharing a calendar day in loc.
func groupByDay(events []*db.CalendarEvent, loc *time.Location) [][]*db.CalendarEvent {
	sorted := make([]*db.CalendarEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartsAt.Before(sorted[j].StartsAt)
	})

	var groups [][]*db.CalendarEvent
	var lastDay string
	for _, event := range sorted {
		day := event.StartsAt.In(loc).Format(time.DateOnly)
		if len(groups) == 0 || day != lastDay {
			groups = append(groups, nil)
			lastDay = day
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], event)
	}
	return groups
}
