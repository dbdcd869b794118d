package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Example//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:evt-1@example.com\r\n" +
	"SUMMARY:Team sync\\, weekly\r\n" +
	"DESCRIPTION:Line one\\nLine two\\; done\\\\\r\n" +
	"LOCATION:Room 4\r\n" +
	"DTSTART:20250310T140000Z\r\n" +
	"DTEND:20250310T150000Z\r\n" +
	"STATUS:CONFIRMED\r\n" +
	"X-COLOR:blue\r\n" +
	"CATEGORIES:work,meetings\r\n" +
	"BEGIN:VALARM\r\n" +
	"ACTION:DISPLAY\r\n" +
	"DESCRIPTION:Reminder\r\n" +
	"END:VALARM\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:evt-2@example.com\r\n" +
	"SUMMARY:Holiday\r\n" +
	"DTSTART;VALUE=DATE:20250401\r\n" +
	"DTEND;VALUE=DATE:20250402\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestParse(t *testing.T) {
	events := Parse(sampleFeed, time.UTC)
	require.Len(t, events, 2)

	ev := events[0]
	assert.Equal(t, "evt-1@example.com", ev.UID)
	assert.Equal(t, "Team sync, weekly", ev.Summary)
	assert.Equal(t, "Line one\nLine two; done\\", ev.Description)
	assert.Equal(t, "Room 4", ev.Location)
	assert.Equal(t, "confirmed", ev.Status)
	assert.Equal(t, time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC), ev.Start)
	assert.Equal(t, time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC), ev.End)
	assert.False(t, ev.AllDay)
	assert.Equal(t, "blue", ev.Raw["x-color"])
	assert.Equal(t, "work,meetings", ev.Raw["categories"])
	assert.NotContains(t, ev.Raw, "action", "VALARM properties must not leak into the event")

	holiday := events[1]
	assert.True(t, holiday.AllDay)
	assert.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), holiday.Start)
	assert.Equal(t, time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC), holiday.End)
}

func TestParseFoldedLinesMatchUnfolded(t *testing.T) {
	unfolded := "BEGIN:VCALENDAR\n" +
		"BEGIN:VEVENT\n" +
		"UID:long-1\n" +
		"SUMMARY:A very long summary that a producer folded across several lines\n" +
		"DESCRIPTION:Agenda: intro\\, review\\, wrap-up\n" +
		"DTSTART;TZID=Europe/Berlin:20250310T090000\n" +
		"END:VEVENT\n" +
		"END:VCALENDAR\n"

	folded := "BEGIN:VCALENDAR\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:lo\r\n ng-1\r\n" +
		"SUMMARY:A very long summary that a pr\r\n oducer folded across\r\n\t several lines\r\n" +
		"DESCRIPTION:Agenda: intro\\\r\n , review\\, wrap-up\r\n" +
		"DTSTART;TZID=Euro\r\n pe/Berlin:20250310T0900\r\n 00\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	want := Parse(unfolded, time.UTC)
	got := Parse(folded, time.UTC)
	require.Len(t, want, 1)
	require.Len(t, got, 1)
	assert.Equal(t, want[0].UID, got[0].UID)
	assert.Equal(t, want[0].Summary, got[0].Summary)
	assert.Equal(t, want[0].Description, got[0].Description)
	assert.True(t, want[0].Start.Equal(got[0].Start))
	assert.Equal(t, want[0].TimeZone, got[0].TimeZone)
	assert.Equal(t, "Europe/Berlin", got[0].TimeZone)
	assert.Equal(t, "Agenda: intro, review, wrap-up", got[0].Description)
}

func TestParseZuluStartIsUTC(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	for _, value := range []string{"20250101T000000Z", "20251231T235959Z", "20250706T120000Z"} {
		raw := "BEGIN:VEVENT\nUID:z\nDTSTART:" + value + "\nEND:VEVENT\n"
		events := Parse(raw, ny)
		require.Len(t, events, 1, value)
		_, offset := events[0].Start.Zone()
		assert.Zero(t, offset, value)
	}
}

func TestParseDateRules(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	tests := []struct {
		name      string
		props     string
		wantStart time.Time
		wantEnd   time.Time
		allDay    bool
		zone      string
	}{
		{
			name:      "tzid applies to start and inherited by end",
			props:     "DTSTART;TZID=Europe/Paris:20250310T090000\nDTEND:20250310T100000\n",
			wantStart: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
			zone:      "Europe/Paris",
		},
		{
			name:      "unknown tzid falls back to default zone",
			props:     "DTSTART;TZID=Mars/Olympus:20250310T090000\n",
			wantStart: time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC),
			zone:      "America/New_York",
		},
		{
			name:      "gmt offset tzid",
			props:     "DTSTART;TZID=GMT+0530:20250310T090000\n",
			wantStart: time.Date(2025, 3, 10, 3, 30, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 3, 10, 3, 30, 0, 0, time.UTC),
			zone:      "GMT+0530",
		},
		{
			name:      "windows zone name",
			props:     "DTSTART;TZID=\"Pacific Standard Time\":20250110T090000\n",
			wantStart: time.Date(2025, 1, 10, 17, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 1, 10, 17, 0, 0, 0, time.UTC),
			zone:      "America/Los_Angeles",
		},
		{
			name:      "bare date is all-day midnight in default zone",
			props:     "DTSTART:20250704\n",
			wantStart: time.Date(2025, 7, 4, 4, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 7, 4, 4, 0, 0, 0, time.UTC),
			allDay:    true,
			zone:      "America/New_York",
		},
		{
			name:      "floating time uses default zone",
			props:     "DTSTART:20250110T090000\nDTEND:20250110T093000\n",
			wantStart: time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 1, 10, 14, 30, 0, 0, time.UTC),
			zone:      "America/New_York",
		},
		{
			name:      "end before start is clamped",
			props:     "DTSTART:20250110T090000Z\nDTEND:20250110T080000Z\n",
			wantStart: time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC),
			zone:      "America/New_York",
		},
		{
			name:      "malformed value falls back to looser layouts",
			props:     "DTSTART:2025-01-10T09:00:00\n",
			wantStart: time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC),
			zone:      "America/New_York",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := Parse("BEGIN:VEVENT\nUID:x\n"+tt.props+"END:VEVENT\n", ny)
			require.Len(t, events, 1)
			ev := events[0]
			assert.True(t, tt.wantStart.Equal(ev.Start), "start = %v, want %v", ev.Start, tt.wantStart)
			assert.True(t, tt.wantEnd.Equal(ev.End), "end = %v, want %v", ev.End, tt.wantEnd)
			assert.Equal(t, tt.allDay, ev.AllDay)
			assert.Equal(t, tt.zone, ev.TimeZone)
		})
	}
}

func TestParseDropsIncompleteEvents(t *testing.T) {
	raw := strings.Join([]string{
		"BEGIN:VEVENT", "SUMMARY:no uid", "DTSTART:20250101T100000Z", "END:VEVENT",
		"BEGIN:VEVENT", "UID:no-start", "SUMMARY:missing start", "END:VEVENT",
		"BEGIN:VEVENT", "UID:bad-start", "DTSTART:tomorrow", "END:VEVENT",
		"BEGIN:VEVENT", "UID:ok", "DTSTART:20250101T100000Z", "END:VEVENT",
	}, "\n")

	events := Parse(raw, time.UTC)
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].UID)
}

func TestParseGarbage(t *testing.T) {
	assert.Empty(t, Parse("", time.UTC))
	assert.Empty(t, Parse("<html><body>Not found</body></html>", time.UTC))
	assert.Empty(t, Parse("BEGIN:VEVENT\nUID:unterminated\nDTSTART:20250101\n", time.UTC))
}

func TestParseLineQuotedColon(t *testing.T) {
	prop, ok := parseLine(`ATTENDEE;CN="Doe: Jane";ROLE=REQ-PARTICIPANT:mailto:jane@example.com`)
	require.True(t, ok)
	assert.Equal(t, "ATTENDEE", prop.name)
	assert.Equal(t, "Doe: Jane", prop.params["CN"])
	assert.Equal(t, "REQ-PARTICIPANT", prop.params["ROLE"])
	assert.Equal(t, "mailto:jane@example.com", prop.value)
}

func TestUnescape(t *testing.T) {
	assert.Equal(t, "a\nb", Unescape(`a\nb`))
	assert.Equal(t, "a\nb", Unescape(`a\Nb`))
	assert.Equal(t, `x\n`, Unescape(`x\\n`))
	assert.Equal(t, "1,2;3", Unescape(`1\,2\;3`))
	assert.Equal(t, `trailing\`, Unescape(`trailing\`))
}

func TestParseGMTOffset(t *testing.T) {
	tests := []struct {
		tzid   string
		offset int
		nilLoc bool
	}{
		{"GMT-0400", -4 * 3600, false},
		{"GMT+0530", 5*3600 + 30*60, false},
		{"UTC+05:30", 5*3600 + 30*60, false},
		{"GMT", 0, false},
		{"GMT+4", 4 * 3600, false},
		{"America/New_York", 0, true},
		{"GMT+123456", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.tzid, func(t *testing.T) {
			loc := parseGMTOffset(tt.tzid)
			if tt.nilLoc {
				assert.Nil(t, loc)
				return
			}
			require.NotNil(t, loc)
			_, offset := time.Date(2025, 1, 1, 0, 0, 0, 0, loc).Zone()
			assert.Equal(t, tt.offset, offset)
		})
	}
}
