package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrAttemptFinalized is returned when a terminal attempt is finished or started again.
var ErrAttemptFinalized = errors.New("sync attempt already finalized")

const attemptColumns = `id, calendar_source_id, status, total_events, upserts, deletes, errors_count,
	started_at, finished_at, message, created_at, updated_at`

// CreateAttempt creates a queued sync attempt for a source.
func (db *DB) CreateAttempt(ctx context.Context, sourceID int64) (*SyncAttempt, error) {
	now := time.Now().UTC()
	attempt := &SyncAttempt{
		SourceID:  sourceID,
		Status:    AttemptQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `INSERT INTO sync_attempts (calendar_source_id, status, created_at, updated_at) VALUES (?, ?, ?, ?)`

	result, err := db.conn.ExecContext(ctx, query, sourceID, attempt.Status, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync attempt: %w", err)
	}

	if attempt.ID, err = result.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to get attempt id: %w", err)
	}

	return attempt, nil
}

// GetAttempt returns a sync attempt by id.
func (db *DB) GetAttempt(ctx context.Context, id int64) (*SyncAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM sync_attempts WHERE id = ?`
	return scanAttempt(db.conn.QueryRowContext(ctx, query, id))
}

// ListAttempts returns the most recent attempts of a source.
func (db *DB) ListAttempts(ctx context.Context, sourceID int64, limit int) ([]*SyncAttempt, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + attemptColumns + ` FROM sync_attempts
		WHERE calendar_source_id = ? ORDER BY id DESC LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, query, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*SyncAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync attempts: %w", err)
	}

	return attempts, nil
}

// HasPendingAttempt reports whether a source has a queued or running attempt.
// The check is advisory: two schedulers racing may both see false.
func (db *DB) HasPendingAttempt(ctx context.Context, sourceID int64) (bool, error) {
	var n int
	query := `SELECT COUNT(*) FROM sync_attempts WHERE calendar_source_id = ? AND status IN (?, ?)`
	if err := db.conn.QueryRowContext(ctx, query, sourceID, AttemptQueued, AttemptRunning).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check pending attempts: %w", err)
	}
	return n > 0, nil
}

// StartAttempt moves an attempt to running and records the event total.
func (db *DB) StartAttempt(ctx context.Context, id int64, total int) error {
	now := time.Now().UTC()
	query := `UPDATE sync_attempts SET status = ?, total_events = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ? AND status IN (?, ?)`

	result, err := db.conn.ExecContext(ctx, query, AttemptRunning, total, now, now, id, AttemptQueued, AttemptRunning)
	if err != nil {
		return fmt.Errorf("failed to start sync attempt: %w", err)
	}

	return db.checkAttemptTransition(ctx, id, result)
}

// FinishAttempt moves a non-terminal attempt to a terminal status exactly once.
func (db *DB) FinishAttempt(ctx context.Context, id int64, status AttemptStatus, message string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %q is not a terminal attempt status", ErrInvalidValue, status)
	}

	now := time.Now().UTC()
	query := `UPDATE sync_attempts SET status = ?, message = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`

	result, err := db.conn.ExecContext(ctx, query, status, message, now, now, id, AttemptQueued, AttemptRunning)
	if err != nil {
		return fmt.Errorf("failed to finish sync attempt: %w", err)
	}

	return db.checkAttemptTransition(ctx, id, result)
}

func (db *DB) checkAttemptTransition(ctx context.Context, id int64, result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := db.GetAttempt(ctx, id); err != nil {
		return err
	}
	return ErrAttemptFinalized
}

// RecordEventResult appends a per-event outcome and bumps the matching attempt counter.
func (db *DB) RecordEventResult(ctx context.Context, result *SyncEventResult) error {
	if _, err := ParseSyncAction(string(result.Action)); err != nil {
		return err
	}
	if result.OccurredAt.IsZero() {
		result.OccurredAt = time.Now().UTC()
	}

	var counter string
	switch {
	case !result.Success:
		counter = "errors_count"
	case result.Action == ActionUpsert:
		counter = "upserts"
	case result.Action == ActionDelete:
		counter = "deletes"
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO sync_event_results (sync_attempt_id, external_id, action, success, error_message, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			result.AttemptID, result.ExternalID, result.Action, result.Success, result.ErrorMessage, result.OccurredAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to record event result: %w", err)
		}
		if result.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get result id: %w", err)
		}

		// counter is one of three fixed column names
		_, err = tx.ExecContext(ctx,
			`UPDATE sync_attempts SET `+counter+` = `+counter+` + 1, updated_at = ? WHERE id = ?`,
			time.Now().UTC(), result.AttemptID,
		)
		if err != nil {
			return fmt.Errorf("failed to bump attempt counter: %w", err)
		}
		return nil
	})
}

// ListEventResults returns the per-event trail of an attempt in insertion order.
func (db *DB) ListEventResults(ctx context.Context, attemptID int64) ([]*SyncEventResult, error) {
	query := `SELECT id, sync_attempt_id, external_id, action, success, error_message, occurred_at
		FROM sync_event_results WHERE sync_attempt_id = ? ORDER BY id`

	rows, err := db.conn.QueryContext(ctx, query, attemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to query event results: %w", err)
	}
	defer rows.Close()

	var results []*SyncEventResult
	for rows.Next() {
		r := &SyncEventResult{}
		var action string
		if err := rows.Scan(&r.ID, &r.AttemptID, &r.ExternalID, &action, &r.Success, &r.ErrorMessage, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event result: %w", err)
		}
		if r.Action, err = ParseSyncAction(action); err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event results: %w", err)
	}

	return results, nil
}

// FailStaleAttempts marks queued or running attempts created before cutoff as failed.
func (db *DB) FailStaleAttempts(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	now := time.Now().UTC()
	query := `UPDATE sync_attempts SET status = ?, message = ?, finished_at = ?, updated_at = ?
		WHERE status IN (?, ?) AND created_at < ?`

	result, err := db.conn.ExecContext(ctx, query, AttemptFailed, message, now, now,
		AttemptQueued, AttemptRunning, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale attempts: %w", err)
	}

	return result.RowsAffected()
}

// CleanOldAttempts deletes finished attempts created before cutoff.
func (db *DB) CleanOldAttempts(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM sync_attempts WHERE status IN (?, ?) AND created_at < ?`

	result, err := db.conn.ExecContext(ctx, query, AttemptSuccess, AttemptFailed, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean old attempts: %w", err)
	}

	return result.RowsAffected()
}

func scanAttempt(row rowScanner) (*SyncAttempt, error) {
	attempt := &SyncAttempt{}
	var status string
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&attempt.ID, &attempt.SourceID, &status, &attempt.TotalEvents, &attempt.Upserts, &attempt.Deletes,
		&attempt.ErrorsCount, &startedAt, &finishedAt, &attempt.Message, &attempt.CreatedAt, &attempt.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync attempt: %w", err)
	}

	if attempt.Status, err = ParseAttemptStatus(status); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		attempt.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		attempt.FinishedAt = &t
	}

	return attempt, nil
}
