// Package rules evaluates filter rules and title mappings against events.
package rules

import (
	"regexp"
	"strings"
	"sync"

	"github.com/macjediwizard/calhub/internal/db"
)

// regexCache holds compiled patterns keyed by case mode and source.
// Invalid patterns are cached as nil so they are not recompiled on every event.
var regexCache sync.Map

func compile(pattern string, caseSensitive bool) *regexp.Regexp {
	key := pattern
	if !caseSensitive {
		key = "(?i)" + pattern
	}
	if cached, ok := regexCache.Load(key); ok {
		return cached.(*regexp.Regexp)
	}
	re, err := regexp.Compile(key)
	if err != nil {
		re = nil
	}
	regexCache.Store(key, re)
	return re
}

// matchText applies a match-type predicate. Unknown match types never match.
func matchText(value, pattern string, matchType db.MatchType, caseSensitive bool) bool {
	switch matchType {
	case db.MatchEquals:
		if caseSensitive {
			return value == pattern
		}
		return strings.EqualFold(value, pattern)
	case db.MatchContains:
		if caseSensitive {
			return strings.Contains(value, pattern)
		}
		return strings.Contains(strings.ToLower(value), strings.ToLower(pattern))
	case db.MatchRegex:
		re := compile(pattern, caseSensitive)
		return re != nil && re.MatchString(value)
	}
	return false
}
