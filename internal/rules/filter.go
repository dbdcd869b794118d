package rules

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/macjediwizard/calhub/internal/db"
)

// FilterStore is the persistence EventFilter needs.
type FilterStore interface {
	ListActiveFilterRules(ctx context.Context, sourceID int64) ([]*db.FilterRule, error)
	ListCalendarEventsByExempt(ctx context.Context, sourceID int64, exempt bool) ([]*db.CalendarEvent, error)
	SetCalendarEventExempt(ctx context.Context, id int64, exempt bool) error
}

// EventFilter decides which events are sync-exempt.
type EventFilter struct {
	store FilterStore
}

// NewEventFilter creates a new EventFilter.
func NewEventFilter(store FilterStore) *EventFilter {
	return &EventFilter{store: store}
}

// ShouldFilter reports whether any active rule for the event's source, or any global rule, matches.
func (f *EventFilter) ShouldFilter(ctx context.Context, event *db.CalendarEvent) (bool, error) {
	rules, err := f.store.ListActiveFilterRules(ctx, event.SourceID)
	if err != nil {
		return false, fmt.Errorf("failed to load filter rules: %w", err)
	}
	return MatchesAny(rules, event), nil
}

// MatchesAny reports whether at least one rule matches the event.
func MatchesAny(rules []*db.FilterRule, event *db.CalendarEvent) bool {
	for _, rule := range rules {
		if RuleMatches(rule, event) {
			return true
		}
	}
	return false
}

// RuleMatches evaluates a single rule. Blank fields and unknown field names never match.
func RuleMatches(rule *db.FilterRule, event *db.CalendarEvent) bool {
	if !rule.Active {
		return false
	}

	var value string
	switch rule.FieldName {
	case db.FieldTitle:
		value = event.Title
	case db.FieldDescription:
		value = event.Description
	case db.FieldLocation:
		value = event.Location
	default:
		return false
	}

	if strings.TrimSpace(value) == "" {
		return false
	}
	return matchText(value, rule.Pattern, rule.MatchType, rule.CaseSensitive)
}

// ApplyBackwardFiltering marks currently included events that now match a rule as exempt.
// It returns the events that changed.
func (f *EventFilter) ApplyBackwardFiltering(ctx context.Context, sourceID int64) ([]*db.CalendarEvent, error) {
	return f.reconcile(ctx, sourceID, false)
}

// ApplyReverseFiltering un-exempts events that no longer match any rule.
// It returns the events that changed.
func (f *EventFilter) ApplyReverseFiltering(ctx context.Context, sourceID int64) ([]*db.CalendarEvent, error) {
	return f.reconcile(ctx, sourceID, true)
}

func (f *EventFilter) reconcile(ctx context.Context, sourceID int64, exempt bool) ([]*db.CalendarEvent, error) {
	rules, err := f.store.ListActiveFilterRules(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load filter rules: %w", err)
	}

	events, err := f.store.ListCalendarEventsByExempt(ctx, sourceID, exempt)
	if err != nil {
		return nil, err
	}

	var changed []*db.CalendarEvent
	for _, event := range events {
		matches := MatchesAny(rules, event)
		if matches == exempt {
			continue
		}
		if err := f.store.SetCalendarEventExempt(ctx, event.ID, matches); err != nil {
			return changed, err
		}
		event.SyncExempt = matches
		changed = append(changed, event)
	}

	if len(changed) > 0 {
		log.Printf("Filter reconciliation for source %d: %d events now exempt=%v", sourceID, len(changed), !exempt)
	}
	return changed, nil
}
