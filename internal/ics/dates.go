package ics

import (
	"fmt"
	"strings"
	"time"
)

const (
	layoutUTC   = "20060102T150405Z"
	layoutLocal = "20060102T150405"
	layoutDate  = "20060102"
)

// fallbackLayouts are tried in the default zone when the RFC 5545 forms fail.
var fallbackLayouts = []string{
	"20060102T1504",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// windowsZones maps the Windows zone names Outlook and Exchange feeds emit.
var windowsZones = map[string]string{
	"Eastern Standard Time":          "America/New_York",
	"Central Standard Time":          "America/Chicago",
	"Mountain Standard Time":         "America/Denver",
	"US Mountain Standard Time":      "America/Phoenix",
	"Pacific Standard Time":          "America/Los_Angeles",
	"Alaskan Standard Time":          "America/Anchorage",
	"Hawaiian Standard Time":         "Pacific/Honolulu",
	"GMT Standard Time":              "Europe/London",
	"W. Europe Standard Time":        "Europe/Berlin",
	"Romance Standard Time":          "Europe/Paris",
	"Central Europe Standard Time":   "Europe/Budapest",
	"E. Europe Standard Time":        "Europe/Bucharest",
	"India Standard Time":            "Asia/Kolkata",
	"China Standard Time":            "Asia/Shanghai",
	"Tokyo Standard Time":            "Asia/Tokyo",
	"AUS Eastern Standard Time":      "Australia/Sydney",
	"New Zealand Standard Time":      "Pacific/Auckland",
	"Singapore Standard Time":        "Asia/Singapore",
	"SA Pacific Standard Time":       "America/Bogota",
	"E. South America Standard Time": "America/Sao_Paulo",
}

// parseDateTime interprets a DTSTART/DTEND value. inheritedTZID is used when the
// property carries no TZID of its own. The bool result reports an all-day value.
func parseDateTime(value string, params map[string]string, inheritedTZID string, def *time.Location) (time.Time, bool, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false, false
	}

	if strings.EqualFold(params["VALUE"], "DATE") || (len(value) == 8 && !strings.Contains(value, "T")) {
		if t, err := time.ParseInLocation(layoutDate, value[:min(len(value), 8)], def); err == nil {
			return t, true, true
		}
	}

	if strings.HasSuffix(value, "Z") || strings.HasSuffix(value, "z") {
		if t, err := time.Parse(layoutUTC, strings.ToUpper(value)); err == nil {
			return t.UTC(), false, true
		}
		if t, err := time.Parse(time.RFC3339, strings.ToUpper(value)); err == nil {
			return t.UTC(), false, true
		}
	}

	tzid := params["TZID"]
	if tzid == "" {
		tzid = inheritedTZID
	}
	loc := ResolveZone(tzid, def)

	if t, err := time.ParseInLocation(layoutLocal, value, loc); err == nil {
		return t, false, true
	}

	// Malformed value: fall back to looser layouts in the default zone.
	for _, layout := range fallbackLayouts {
		if t, err := time.ParseInLocation(layout, value, def); err == nil {
			return t, layout == "2006-01-02", true
		}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, false, true
	}

	return time.Time{}, false, false
}

// ResolveZone returns the location named by tzid. It accepts IANA names, common
// Windows names and GMT/UTC offsets, and returns fallback when none apply.
func ResolveZone(tzid string, fallback *time.Location) *time.Location {
	tzid = strings.Trim(strings.TrimSpace(tzid), `"`)
	// Some producers prefix a vendor path, e.g. "/mozilla.org/20050126_1/Europe/Paris".
	if strings.HasPrefix(tzid, "/") {
		if i := strings.Index(tzid, "/"+regionPrefix(tzid)); i > 0 {
			tzid = tzid[i+1:]
		}
	}
	if tzid == "" || tzid == "Local" {
		return fallback
	}

	if loc, err := time.LoadLocation(tzid); err == nil {
		return loc
	}
	if name, ok := windowsZones[tzid]; ok {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	if loc := parseGMTOffset(tzid); loc != nil {
		return loc
	}
	return fallback
}

// regionPrefix finds the IANA region component inside a vendor-prefixed TZID.
func regionPrefix(tzid string) string {
	for _, region := range []string{"Africa/", "America/", "Antarctica/", "Asia/", "Atlantic/", "Australia/", "Europe/", "Indian/", "Pacific/", "Etc/"} {
		if strings.Contains(tzid, "/"+region) {
			return region
		}
	}
	return "\x00"
}

// parseGMTOffset parses timezone strings like "GMT-0400", "GMT+0530", "UTC+05:30"
// and returns a fixed timezone location.
func parseGMTOffset(tzid string) *time.Location {
	offset := tzid
	matched := false
	for _, prefix := range []string{"Etc/GMT", "GMT", "UTC"} {
		if strings.HasPrefix(offset, prefix) {
			offset = strings.TrimPrefix(offset, prefix)
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}

	if offset == "" {
		return time.UTC
	}

	sign := 1
	if strings.HasPrefix(offset, "-") {
		sign = -1
		offset = offset[1:]
	} else if strings.HasPrefix(offset, "+") {
		offset = offset[1:]
	} else {
		return nil
	}

	// Handle formats: "0400", "04:00", "4", "04"
	offset = strings.ReplaceAll(offset, ":", "")

	var hours, minutes int
	var err error
	switch len(offset) {
	case 1, 2:
		_, err = fmt.Sscanf(offset, "%d", &hours)
	case 3:
		_, err = fmt.Sscanf(offset, "%1d%2d", &hours, &minutes)
	case 4:
		_, err = fmt.Sscanf(offset, "%2d%2d", &hours, &minutes)
	default:
		return nil
	}
	if err != nil || hours > 14 || minutes > 59 {
		return nil
	}

	totalSeconds := sign * (hours*3600 + minutes*60)
	return time.FixedZone(tzid, totalSeconds)
}
