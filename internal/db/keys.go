package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetActiveEncryptionKey returns the current data-encryption key.
func (db *DB) GetActiveEncryptionKey(ctx context.Context) (*EncryptionKey, error) {
	key := &EncryptionKey{}
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, key_hex, active, created_at FROM encryption_keys WHERE active = 1 ORDER BY id DESC LIMIT 1`,
	).Scan(&key.ID, &key.KeyHex, &key.Active, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get encryption key: %w", err)
	}
	return key, nil
}

// CreateEncryptionKey stores a new active key, deactivating any previous one.
func (db *DB) CreateEncryptionKey(ctx context.Context, keyHex string) (*EncryptionKey, error) {
	key := &EncryptionKey{KeyHex: keyHex, Active: true, CreatedAt: time.Now().UTC()}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		key.ID, err = insertActiveKey(ctx, tx, keyHex, key.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

func insertActiveKey(ctx context.Context, tx *sql.Tx, keyHex string, createdAt time.Time) (int64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE encryption_keys SET active = 0 WHERE active = 1`); err != nil {
		return 0, fmt.Errorf("failed to deactivate encryption keys: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		`INSERT INTO encryption_keys (key_hex, active, created_at) VALUES (?, 1, ?)`, keyHex, createdAt)
	if err != nil {
		return 0, fmt.Errorf("failed to store encryption key: %w", err)
	}
	return result.LastInsertId()
}

// RotateEncryptionKey re-encrypts every stored source credential with reencrypt and
// activates newKeyHex, all in one transaction. It returns the number of credentials rewritten.
func (db *DB) RotateEncryptionKey(ctx context.Context, newKeyHex string, reencrypt func(blob string) (string, error)) (int, error) {
	var count int

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, credentials FROM calendar_sources WHERE credentials != ''`)
		if err != nil {
			return fmt.Errorf("failed to query credentials: %w", err)
		}

		type secret struct {
			id   int64
			blob string
		}
		var secrets []secret
		for rows.Next() {
			var s secret
			if err := rows.Scan(&s.id, &s.blob); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan credentials: %w", err)
			}
			secrets = append(secrets, s)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("error iterating credentials: %w", err)
		}
		rows.Close()

		now := time.Now().UTC()
		for _, s := range secrets {
			blob, err := reencrypt(s.blob)
			if err != nil {
				return fmt.Errorf("failed to re-encrypt credentials for source %d: %w", s.id, err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE calendar_sources SET credentials = ?, updated_at = ? WHERE id = ?`, blob, now, s.id); err != nil {
				return fmt.Errorf("failed to store re-encrypted credentials: %w", err)
			}
			count++
		}

		_, err = insertActiveKey(ctx, tx, newKeyHex, now)
		return err
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}
