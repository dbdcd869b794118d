package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const sourceColumns = `id, name, ingestion_url, calendar_identifier, time_zone, active, auto_sync_enabled,
	sync_frequency_minutes, sync_window_start_hour, sync_window_end_hour, last_synced_at,
	last_change_hash, sync_token, ics_etag, ics_last_modified, import_start_date, credentials,
	deleted_at, created_at, updated_at`

// CreateSource creates a new source. ImportStartDate defaults to the creation time.
func (db *DB) CreateSource(ctx context.Context, source *Source) error {
	now := time.Now().UTC()
	source.CreatedAt = now
	source.UpdatedAt = now
	if source.ImportStartDate.IsZero() {
		source.ImportStartDate = now
	}
	source.ImportStartDate = source.ImportStartDate.UTC()

	query := `INSERT INTO calendar_sources (
		name, ingestion_url, calendar_identifier, time_zone, active, auto_sync_enabled,
		sync_frequency_minutes, sync_window_start_hour, sync_window_end_hour,
		import_start_date, credentials, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := db.conn.ExecContext(ctx, query,
		source.Name, source.IngestionURL, source.CalendarIdentifier, source.TimeZone,
		source.Active, source.AutoSync,
		nullInt(source.SyncFrequencyMinutes), nullInt(source.SyncWindowStartHour), nullInt(source.SyncWindowEndHour),
		source.ImportStartDate, source.Credentials, source.CreatedAt, source.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: source for %s in %s", ErrDuplicate, source.IngestionURL, source.CalendarIdentifier)
		}
		return fmt.Errorf("failed to create source: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get source id: %w", err)
	}
	source.ID = id

	return nil
}

// GetSource returns a source that has not been soft-deleted.
func (db *DB) GetSource(ctx context.Context, id int64) (*Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM calendar_sources WHERE id = ? AND deleted_at IS NULL`
	return scanSource(db.conn.QueryRowContext(ctx, query, id))
}

// GetSourceIncludingDeleted returns a source regardless of its soft-delete state.
func (db *DB) GetSourceIncludingDeleted(ctx context.Context, id int64) (*Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM calendar_sources WHERE id = ?`
	return scanSource(db.conn.QueryRowContext(ctx, query, id))
}

// ListSources returns all sources that have not been soft-deleted.
func (db *DB) ListSources(ctx context.Context) ([]*Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM calendar_sources WHERE deleted_at IS NULL ORDER BY id`
	return db.querySources(ctx, query)
}

// ListAutoSyncSources returns active, auto-sync enabled sources.
func (db *DB) ListAutoSyncSources(ctx context.Context) ([]*Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM calendar_sources
		WHERE deleted_at IS NULL AND active = 1 AND auto_sync_enabled = 1 ORDER BY id`
	return db.querySources(ctx, query)
}

func (db *DB) querySources(ctx context.Context, query string, args ...any) ([]*Source, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sources: %w", err)
	}

	return sources, nil
}

// UpdateSource updates the user-editable settings of a source.
// The import start date is immutable and is not written.
func (db *DB) UpdateSource(ctx context.Context, source *Source) error {
	source.UpdatedAt = time.Now().UTC()

	query := `UPDATE calendar_sources SET
		name = ?, ingestion_url = ?, calendar_identifier = ?, time_zone = ?, active = ?,
		auto_sync_enabled = ?, sync_frequency_minutes = ?, sync_window_start_hour = ?,
		sync_window_end_hour = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`

	result, err := db.conn.ExecContext(ctx, query,
		source.Name, source.IngestionURL, source.CalendarIdentifier, source.TimeZone, source.Active,
		source.AutoSync, nullInt(source.SyncFrequencyMinutes), nullInt(source.SyncWindowStartHour),
		nullInt(source.SyncWindowEndHour), source.UpdatedAt, source.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: source for %s in %s", ErrDuplicate, source.IngestionURL, source.CalendarIdentifier)
		}
		return fmt.Errorf("failed to update source: %w", err)
	}

	return requireAffected(result)
}

// UpdateSourceFeedCache stores the feed's caching validators.
func (db *DB) UpdateSourceFeedCache(ctx context.Context, id int64, etag, lastModified string) error {
	query := `UPDATE calendar_sources SET ics_etag = ?, ics_last_modified = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.ExecContext(ctx, query, etag, lastModified, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update feed cache: %w", err)
	}

	return requireAffected(result)
}

// MarkSourceSynced stamps a completed sync on the source.
func (db *DB) MarkSourceSynced(ctx context.Context, id int64, syncedAt time.Time, syncToken, changeHash string) error {
	query := `UPDATE calendar_sources SET last_synced_at = ?, sync_token = ?, last_change_hash = ?, updated_at = ?
		WHERE id = ?`

	result, err := db.conn.ExecContext(ctx, query, syncedAt.UTC(), syncToken, changeHash, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark source synced: %w", err)
	}

	return requireAffected(result)
}

// GetSourceCredentials returns the encrypted credentials blob of a source.
func (db *DB) GetSourceCredentials(ctx context.Context, id int64) (string, error) {
	var blob string
	err := db.conn.QueryRowContext(ctx, `SELECT credentials FROM calendar_sources WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get credentials: %w", err)
	}
	return blob, nil
}

// SetSourceCredentials replaces the encrypted credentials blob of a source.
func (db *DB) SetSourceCredentials(ctx context.Context, id int64, blob string) error {
	query := `UPDATE calendar_sources SET credentials = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.ExecContext(ctx, query, blob, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set credentials: %w", err)
	}

	return requireAffected(result)
}

// SoftDeleteSource hides a source from default queries.
func (db *DB) SoftDeleteSource(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	query := `UPDATE calendar_sources SET deleted_at = ?, active = 0, updated_at = ? WHERE id = ? AND deleted_at IS NULL`

	result, err := db.conn.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to archive source: %w", err)
	}

	return requireAffected(result)
}

// UnarchiveSource restores a soft-deleted source. It stays inactive until re-enabled.
func (db *DB) UnarchiveSource(ctx context.Context, id int64) error {
	query := `UPDATE calendar_sources SET deleted_at = NULL, updated_at = ? WHERE id = ? AND deleted_at IS NOT NULL`

	result, err := db.conn.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: another active source uses the same feed and calendar", ErrDuplicate)
		}
		return fmt.Errorf("failed to unarchive source: %w", err)
	}

	return requireAffected(result)
}

// PurgeSource permanently deletes a source with its events, attempts and rules.
func (db *DB) PurgeSource(ctx context.Context, id int64) error {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM calendar_sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to purge source: %w", err)
	}

	return requireAffected(result)
}

func scanSource(row rowScanner) (*Source, error) {
	source := &Source{}
	var freq, winStart, winEnd sql.NullInt64
	var lastSyncedAt, deletedAt sql.NullTime

	err := row.Scan(
		&source.ID, &source.Name, &source.IngestionURL, &source.CalendarIdentifier, &source.TimeZone,
		&source.Active, &source.AutoSync, &freq, &winStart, &winEnd, &lastSyncedAt,
		&source.LastChangeHash, &source.SyncToken, &source.ETag, &source.LastModified,
		&source.ImportStartDate, &source.Credentials, &deletedAt, &source.CreatedAt, &source.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan source: %w", err)
	}

	source.SyncFrequencyMinutes = intPtr(freq)
	source.SyncWindowStartHour = intPtr(winStart)
	source.SyncWindowEndHour = intPtr(winEnd)
	if lastSyncedAt.Valid {
		t := lastSyncedAt.Time
		source.LastSyncedAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		source.DeletedAt = &t
	}

	return source, nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
