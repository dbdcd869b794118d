package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// globalScope is the rule_versions scope id used for rules without a source.
const globalScope int64 = 0

func scopeOf(sourceID *int64) int64 {
	if sourceID == nil {
		return globalScope
	}
	return *sourceID
}

// bumpRuleVersion increments the version counter of a rule scope inside tx.
func bumpRuleVersion(ctx context.Context, tx *sql.Tx, kind RuleKind, sourceID *int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO rule_versions (kind, scope_id, version) VALUES (?, ?, 1)
		ON CONFLICT(kind, scope_id) DO UPDATE SET version = version + 1`,
		kind, scopeOf(sourceID),
	)
	if err != nil {
		return fmt.Errorf("failed to bump rule version: %w", err)
	}
	return nil
}

// GetRuleVersions returns the global and per-source version counters for a rule kind.
func (db *DB) GetRuleVersions(ctx context.Context, kind RuleKind, sourceID int64) (RuleVersions, error) {
	var v RuleVersions
	query := `SELECT
		COALESCE((SELECT version FROM rule_versions WHERE kind = ? AND scope_id = ?), 0),
		COALESCE((SELECT version FROM rule_versions WHERE kind = ? AND scope_id = ?), 0)`

	err := db.conn.QueryRowContext(ctx, query, kind, globalScope, kind, sourceID).Scan(&v.Global, &v.Source)
	if err != nil {
		return v, fmt.Errorf("failed to get rule versions: %w", err)
	}
	return v, nil
}

func validateFilterRule(rule *FilterRule) error {
	if rule.Pattern == "" {
		return fmt.Errorf("%w: pattern is required", ErrInvalidValue)
	}
	if _, err := ParseFieldName(string(rule.FieldName)); err != nil {
		return err
	}
	if _, err := ParseMatchType(string(rule.MatchType)); err != nil {
		return err
	}
	return nil
}

// CreateFilterRule persists a filter rule and bumps its scope version.
func (db *DB) CreateFilterRule(ctx context.Context, rule *FilterRule) error {
	if rule.FieldName == "" {
		rule.FieldName = FieldTitle
	}
	if rule.MatchType == "" {
		rule.MatchType = MatchContains
	}
	if err := validateFilterRule(rule); err != nil {
		return err
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	return db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO filter_rules (calendar_source_id, pattern, field_name, match_type, case_sensitive, active, position, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rule.SourceID, rule.Pattern, rule.FieldName, rule.MatchType, rule.CaseSensitive, rule.Active,
			rule.Position, rule.CreatedAt, rule.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create filter rule: %w", err)
		}
		if rule.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get filter rule id: %w", err)
		}
		return bumpRuleVersion(ctx, tx, RuleKindFilter, rule.SourceID)
	})
}

// UpdateFilterRule updates a filter rule and bumps its scope version.
func (db *DB) UpdateFilterRule(ctx context.Context, rule *FilterRule) error {
	if err := validateFilterRule(rule); err != nil {
		return err
	}
	rule.UpdatedAt = time.Now().UTC()

	return db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE filter_rules SET pattern = ?, field_name = ?, match_type = ?, case_sensitive = ?, active = ?,
			position = ?, updated_at = ? WHERE id = ?`,
			rule.Pattern, rule.FieldName, rule.MatchType, rule.CaseSensitive, rule.Active, rule.Position,
			rule.UpdatedAt, rule.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update filter rule: %w", err)
		}
		if err := requireAffected(result); err != nil {
			return err
		}
		return bumpRuleVersion(ctx, tx, RuleKindFilter, rule.SourceID)
	})
}

// DeleteFilterRule removes a filter rule and bumps its scope version.
func (db *DB) DeleteFilterRule(ctx context.Context, id int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var sourceID sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT calendar_source_id FROM filter_rules WHERE id = ?`, id).Scan(&sourceID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get filter rule: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM filter_rules WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete filter rule: %w", err)
		}
		return bumpRuleVersion(ctx, tx, RuleKindFilter, int64Ptr(sourceID))
	})
}

// ListActiveFilterRules returns active rules scoped to the source or global, in position order.
// Stored field and match type values are returned as-is; evaluators treat unknown values as non-matching.
func (db *DB) ListActiveFilterRules(ctx context.Context, sourceID int64) ([]*FilterRule, error) {
	query := `SELECT id, calendar_source_id, pattern, field_name, match_type, case_sensitive, active, position, created_at, updated_at
		FROM filter_rules
		WHERE active = 1 AND (calendar_source_id = ? OR calendar_source_id IS NULL)
		ORDER BY position, id`

	rows, err := db.conn.QueryContext(ctx, query, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query filter rules: %w", err)
	}
	defer rows.Close()

	var rules []*FilterRule
	for rows.Next() {
		rule := &FilterRule{}
		var scope sql.NullInt64
		var field, match string
		if err := rows.Scan(&rule.ID, &scope, &rule.Pattern, &field, &match, &rule.CaseSensitive,
			&rule.Active, &rule.Position, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan filter rule: %w", err)
		}
		rule.SourceID = int64Ptr(scope)
		rule.FieldName = FieldName(field)
		rule.MatchType = MatchType(match)
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating filter rules: %w", err)
	}

	return rules, nil
}

func validateMapping(m *EventMapping) error {
	if m.Pattern == "" {
		return fmt.Errorf("%w: pattern is required", ErrInvalidValue)
	}
	if _, err := ParseMatchType(string(m.MatchType)); err != nil {
		return err
	}
	return nil
}

// CreateEventMapping persists a mapping and bumps its scope version.
func (db *DB) CreateEventMapping(ctx context.Context, m *EventMapping) error {
	if m.MatchType == "" {
		m.MatchType = MatchContains
	}
	if err := validateMapping(m); err != nil {
		return err
	}

	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	return db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO event_mappings (calendar_source_id, pattern, replacement, match_type, case_sensitive, active, position, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.SourceID, m.Pattern, m.Replacement, m.MatchType, m.CaseSensitive, m.Active, m.Position,
			m.CreatedAt, m.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create event mapping: %w", err)
		}
		if m.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get event mapping id: %w", err)
		}
		return bumpRuleVersion(ctx, tx, RuleKindMapping, m.SourceID)
	})
}

// UpdateEventMapping updates a mapping and bumps its scope version.
func (db *DB) UpdateEventMapping(ctx context.Context, m *EventMapping) error {
	if err := validateMapping(m); err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()

	return db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE event_mappings SET pattern = ?, replacement = ?, match_type = ?, case_sensitive = ?, active = ?,
			position = ?, updated_at = ? WHERE id = ?`,
			m.Pattern, m.Replacement, m.MatchType, m.CaseSensitive, m.Active, m.Position, m.UpdatedAt, m.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update event mapping: %w", err)
		}
		if err := requireAffected(result); err != nil {
			return err
		}
		return bumpRuleVersion(ctx, tx, RuleKindMapping, m.SourceID)
	})
}

// DeleteEventMapping removes a mapping and bumps its scope version.
func (db *DB) DeleteEventMapping(ctx context.Context, id int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var sourceID sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT calendar_source_id FROM event_mappings WHERE id = ?`, id).Scan(&sourceID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get event mapping: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM event_mappings WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete event mapping: %w", err)
		}
		return bumpRuleVersion(ctx, tx, RuleKindMapping, int64Ptr(sourceID))
	})
}

// ListActiveEventMappings returns active mappings scoped to the source or global, in position order.
func (db *DB) ListActiveEventMappings(ctx context.Context, sourceID int64) ([]*EventMapping, error) {
	query := `SELECT id, calendar_source_id, pattern, replacement, match_type, case_sensitive, active, position, created_at, updated_at
		FROM event_mappings
		WHERE active = 1 AND (calendar_source_id = ? OR calendar_source_id IS NULL)
		ORDER BY position, id`

	rows, err := db.conn.QueryContext(ctx, query, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query event mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*EventMapping
	for rows.Next() {
		m := &EventMapping{}
		var scope sql.NullInt64
		var match string
		if err := rows.Scan(&m.ID, &scope, &m.Pattern, &m.Replacement, &match, &m.CaseSensitive,
			&m.Active, &m.Position, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event mapping: %w", err)
		}
		m.SourceID = int64Ptr(scope)
		m.MatchType = MatchType(match)
		mappings = append(mappings, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event mappings: %w", err)
	}

	return mappings, nil
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}
