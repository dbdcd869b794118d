// Package ics parses iCalendar feeds into flat event records.
//
// The parser is deliberately permissive: real-world feeds are messy, so malformed
// lines are skipped and unparseable calendars yield no events rather than an error.
package ics

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

// Event is a VEVENT as read from a feed.
type Event struct {
	UID         string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	Status      string
	TimeZone    string
	AllDay      bool
	// Raw holds every other property, keyed by lower-cased name, value verbatim.
	Raw map[string]string
}

// Parse parses raw ICS text. Dates without zone information are read in defaultLoc.
func Parse(raw string, defaultLoc *time.Location) []Event {
	events, _ := ParseReader(strings.NewReader(raw), defaultLoc)
	return events
}

// ParseReader parses ICS data from r. It only fails on read errors.
func ParseReader(r io.Reader, defaultLoc *time.Location) ([]Event, error) {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}

	lines, err := unfold(r)
	if err != nil {
		return nil, fmt.Errorf("reading calendar: %w", err)
	}

	var events []Event
	var current *builder
	depth := 0 // nesting inside the current VEVENT (VALARM etc.)

	for _, line := range lines {
		prop, ok := parseLine(line)
		if !ok {
			continue
		}

		switch prop.name {
		case "BEGIN":
			if current != nil {
				depth++
			} else if strings.EqualFold(prop.value, "VEVENT") {
				current = newBuilder(defaultLoc)
				depth = 0
			}
			continue
		case "END":
			if current == nil {
				continue
			}
			if depth > 0 {
				depth--
				continue
			}
			if strings.EqualFold(prop.value, "VEVENT") {
				if ev, ok := current.build(); ok {
					events = append(events, ev)
				}
				current = nil
			}
			continue
		}

		if current != nil && depth == 0 {
			current.set(prop)
		}
	}

	return events, nil
}

// unfold joins continuation lines (leading space or tab) onto the previous logical line.
func unfold(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var lines []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += line[1:]
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

type property struct {
	name   string
	params map[string]string
	value  string
}

// parseLine splits NAME;PARAM=VALUE:value on the first colon that is neither
// escaped nor inside a quoted parameter value.
func parseLine(line string) (property, bool) {
	split := -1
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case '"':
			inQuote = !inQuote
		case ':':
			if !inQuote {
				split = i
			}
		}
		if split >= 0 {
			break
		}
	}
	if split <= 0 {
		return property{}, false
	}

	head, value := line[:split], line[split+1:]
	parts := splitOutsideQuotes(head, ';')

	prop := property{
		name:  strings.ToUpper(strings.TrimSpace(parts[0])),
		value: value,
	}
	if prop.name == "" {
		return property{}, false
	}

	for _, p := range parts[1:] {
		k, v, found := strings.Cut(p, "=")
		if !found {
			continue
		}
		if prop.params == nil {
			prop.params = make(map[string]string)
		}
		prop.params[strings.ToUpper(strings.TrimSpace(k))] = strings.Trim(v, `"`)
	}

	return prop, true
}

func splitOutsideQuotes(s string, sep byte) []string {
	var parts []string
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case sep:
			if !inQuote {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// Unescape decodes RFC 5545 TEXT escapes: \n \N \, \; and \\.
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i == len(s)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		case ',', ';', '\\', ':':
			b.WriteByte(s[i])
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

type builder struct {
	loc    *time.Location
	ev     Event
	start  *property
	end    *property
	hasUID bool
}

func newBuilder(loc *time.Location) *builder {
	return &builder{loc: loc, ev: Event{Raw: make(map[string]string)}}
}

func (b *builder) set(p property) {
	switch p.name {
	case "UID":
		b.ev.UID = strings.TrimSpace(p.value)
		b.hasUID = b.ev.UID != ""
	case "SUMMARY":
		b.ev.Summary = Unescape(p.value)
	case "DESCRIPTION":
		b.ev.Description = Unescape(p.value)
	case "LOCATION":
		b.ev.Location = Unescape(p.value)
	case "STATUS":
		b.ev.Status = strings.ToLower(strings.TrimSpace(p.value))
	case "DTSTART":
		pp := p
		b.start = &pp
	case "DTEND":
		pp := p
		b.end = &pp
	default:
		b.ev.Raw[strings.ToLower(p.name)] = p.value
	}
}

func (b *builder) build() (Event, bool) {
	if !b.hasUID || b.start == nil {
		return Event{}, false
	}

	startTZID := b.start.params["TZID"]
	start, allDay, ok := parseDateTime(b.start.value, b.start.params, "", b.loc)
	if !ok {
		return Event{}, false
	}

	end := start
	if b.end != nil {
		if t, _, ok := parseDateTime(b.end.value, b.end.params, startTZID, b.loc); ok {
			end = t
		}
	}
	if end.Before(start) {
		end = start
	}

	b.ev.Start = start
	b.ev.End = end
	b.ev.AllDay = allDay
	b.ev.TimeZone = b.loc.String()
	if startTZID != "" {
		if loc := ResolveZone(startTZID, nil); loc != nil {
			b.ev.TimeZone = loc.String()
		}
	}

	return b.ev, true
}
