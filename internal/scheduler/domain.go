package scheduler

import (
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/macjediwizard/calhub/internal/db"
)

const unknownDomain = "unknown"

// ExtractApexDomain returns the last two labels of the URL's host, or the whole
// host when it has fewer. URLs without a host yield "unknown".
func ExtractApexDomain(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return unknownDomain
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return unknownDomain
	}

	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// OptimizeSchedule staggers sources that share an upstream host. Within each apex
// domain, sources are ordered by id and start window apart beginning at now.
func OptimizeSchedule(sources []*db.Source, window time.Duration, now time.Time) map[int64]time.Time {
	groups := make(map[string][]*db.Source)
	for _, source := range sources {
		domain := ExtractApexDomain(source.IngestionURL)
		groups[domain] = append(groups[domain], source)
	}

	schedule := make(map[int64]time.Time, len(sources))
	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		for i, source := range group {
			schedule[source.ID] = now.Add(time.Duration(i) * window)
		}
	}
	return schedule
}
