package rules

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/macjediwizard/calhub/internal/db"
)

// MappingStore is the persistence NameMapper needs.
type MappingStore interface {
	ListActiveEventMappings(ctx context.Context, sourceID int64) ([]*db.EventMapping, error)
	GetRuleVersions(ctx context.Context, kind db.RuleKind, sourceID int64) (db.RuleVersions, error)
}

type compiledMapping struct {
	mapping *db.EventMapping
	re      *regexp.Regexp
}

type mappingSet struct {
	versions db.RuleVersions
	rules    []compiledMapping
}

// NameMapper rewrites event titles with the first matching mapping.
// Rule sets are cached per source and reloaded when either the global or
// the source's mapping version changes.
type NameMapper struct {
	store MappingStore

	mu    sync.RWMutex
	cache map[int64]*mappingSet
}

// NewNameMapper creates a new NameMapper.
func NewNameMapper(store MappingStore) *NameMapper {
	return &NameMapper{
		store: store,
		cache: make(map[int64]*mappingSet),
	}
}

// Apply returns the mapped title, or title unchanged when no mapping matches.
func (m *NameMapper) Apply(ctx context.Context, title string, sourceID int64) (string, error) {
	set, err := m.load(ctx, sourceID)
	if err != nil {
		return title, err
	}

	for _, rule := range set.rules {
		switch rule.mapping.MatchType {
		case db.MatchEquals, db.MatchContains:
			if matchText(title, rule.mapping.Pattern, rule.mapping.MatchType, rule.mapping.CaseSensitive) {
				return rule.mapping.Replacement, nil
			}
		case db.MatchRegex:
			if rule.re == nil {
				continue
			}
			if rule.re.MatchString(title) {
				return rule.re.ReplaceAllString(title, rule.mapping.Replacement), nil
			}
		}
	}

	return title, nil
}

// Invalidate drops every cached rule set.
func (m *NameMapper) Invalidate() {
	m.mu.Lock()
	m.cache = make(map[int64]*mappingSet)
	m.mu.Unlock()
}

func (m *NameMapper) load(ctx context.Context, sourceID int64) (*mappingSet, error) {
	versions, err := m.store.GetRuleVersions(ctx, db.RuleKindMapping, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping versions: %w", err)
	}

	m.mu.RLock()
	cached, ok := m.cache[sourceID]
	m.mu.RUnlock()
	if ok && cached.versions == versions {
		return cached, nil
	}

	mappings, err := m.store.ListActiveEventMappings(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load event mappings: %w", err)
	}

	set := &mappingSet{versions: versions}
	for _, mapping := range mappings {
		c := compiledMapping{mapping: mapping}
		if mapping.MatchType == db.MatchRegex {
			c.re = compile(mapping.Pattern, mapping.CaseSensitive)
		}
		set.rules = append(set.rules, c)
	}

	m.mu.Lock()
	m.cache[sourceID] = set
	m.mu.Unlock()

	return set, nil
}
