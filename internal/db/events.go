package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const eventColumns = `id, calendar_source_id, external_id, title, description, location, time_zone,
	starts_at, ends_at, status, source_updated_at, synced_at, fingerprint, data, sync_exempt,
	all_day, created_at, updated_at`

// SaveCalendarEvent inserts or updates an event keyed by (source, external id).
// The fingerprint is recomputed before every write.
func (db *DB) SaveCalendarEvent(ctx context.Context, event *CalendarEvent) error {
	if event.ExternalID == "" {
		return fmt.Errorf("%w: external id is required", ErrInvalidValue)
	}
	if _, err := ParseEventStatus(string(event.Status)); err != nil {
		return err
	}
	if event.EndsAt.Before(event.StartsAt) {
		event.EndsAt = event.StartsAt
	}

	event.Fingerprint = event.ComputeFingerprint()
	data, err := event.dataJSON()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now

	query := `INSERT INTO calendar_events (
		calendar_source_id, external_id, title, description, location, time_zone, starts_at, ends_at,
		status, source_updated_at, synced_at, fingerprint, data, sync_exempt, all_day, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(calendar_source_id, external_id) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		location = excluded.location,
		time_zone = excluded.time_zone,
		starts_at = excluded.starts_at,
		ends_at = excluded.ends_at,
		status = excluded.status,
		source_updated_at = excluded.source_updated_at,
		synced_at = excluded.synced_at,
		fingerprint = excluded.fingerprint,
		data = excluded.data,
		sync_exempt = excluded.sync_exempt,
		all_day = excluded.all_day,
		updated_at = excluded.updated_at
	RETURNING id`

	err = db.conn.QueryRowContext(ctx, query,
		event.SourceID, event.ExternalID, event.Title, event.Description, event.Location, event.TimeZone,
		event.StartsAt.UTC(), event.EndsAt.UTC(), event.Status, nullTime(event.SourceUpdatedAt),
		nullTime(event.SyncedAt), event.Fingerprint, data, event.SyncExempt, event.AllDay,
		event.CreatedAt, event.UpdatedAt,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to save calendar event: %w", err)
	}

	return nil
}

// GetCalendarEvent returns the event for a source and external id.
func (db *DB) GetCalendarEvent(ctx context.Context, sourceID int64, externalID string) (*CalendarEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM calendar_events WHERE calendar_source_id = ? AND external_id = ?`
	return scanEvent(db.conn.QueryRowContext(ctx, query, sourceID, externalID))
}

// ListCalendarEvents returns all events of a source ordered by start time.
func (db *DB) ListCalendarEvents(ctx context.Context, sourceID int64) ([]*CalendarEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM calendar_events WHERE calendar_source_id = ? ORDER BY starts_at, id`
	return db.queryEvents(ctx, query, sourceID)
}

// ListCalendarEventsByExempt returns non-cancelled events of a source with the given exemption state.
func (db *DB) ListCalendarEventsByExempt(ctx context.Context, sourceID int64, exempt bool) ([]*CalendarEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM calendar_events
		WHERE calendar_source_id = ? AND sync_exempt = ? AND status != ? ORDER BY starts_at, id`
	return db.queryEvents(ctx, query, sourceID, exempt, EventStatusCancelled)
}

func (db *DB) queryEvents(ctx context.Context, query string, args ...any) ([]*CalendarEvent, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar events: %w", err)
	}
	defer rows.Close()

	var events []*CalendarEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating calendar events: %w", err)
	}

	return events, nil
}

// SetCalendarEventExempt updates only the sync-exempt flag.
func (db *DB) SetCalendarEventExempt(ctx context.Context, id int64, exempt bool) error {
	query := `UPDATE calendar_events SET sync_exempt = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.ExecContext(ctx, query, exempt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update sync exemption: %w", err)
	}

	return requireAffected(result)
}

// MarkCalendarEventSynced stamps a successful push to CalDAV.
func (db *DB) MarkCalendarEventSynced(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE calendar_events SET synced_at = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.ExecContext(ctx, query, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark event synced: %w", err)
	}

	return requireAffected(result)
}

// CountCalendarEvents returns the number of events stored for a source.
func (db *DB) CountCalendarEvents(ctx context.Context, sourceID int64) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM calendar_events WHERE calendar_source_id = ?`, sourceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count calendar events: %w", err)
	}
	return n, nil
}

func scanEvent(row rowScanner) (*CalendarEvent, error) {
	event := &CalendarEvent{}
	var status, data string
	var sourceUpdatedAt, syncedAt sql.NullTime

	err := row.Scan(
		&event.ID, &event.SourceID, &event.ExternalID, &event.Title, &event.Description, &event.Location,
		&event.TimeZone, &event.StartsAt, &event.EndsAt, &status, &sourceUpdatedAt, &syncedAt,
		&event.Fingerprint, &data, &event.SyncExempt, &event.AllDay, &event.CreatedAt, &event.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan calendar event: %w", err)
	}

	if event.Status, err = ParseEventStatus(status); err != nil {
		return nil, err
	}
	if sourceUpdatedAt.Valid {
		t := sourceUpdatedAt.Time
		event.SourceUpdatedAt = &t
	}
	if syncedAt.Valid {
		t := syncedAt.Time
		event.SyncedAt = &t
	}
	if data != "" && data != "{}" {
		if err := json.Unmarshal([]byte(data), &event.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event data: %w", err)
		}
	}

	return event, nil
}
