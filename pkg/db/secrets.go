package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutSecret stores or replaces the vault entry for a handle.
func (d *Database) PutSecret(ctx context.Context, rec SecretRecord) error {
	if rec.Handle == "" {
		return ErrHandleRequired
	}
	now := time.Now()
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO vault_secrets (handle, public_key, ciphertext, key_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET
			public_key = excluded.public_key,
			ciphertext = excluded.ciphertext,
			key_version = excluded.key_version,
			updated_at = excluded.updated_at
	`, rec.Handle, rec.PublicKey, rec.Ciphertext, rec.KeyVersion, Millis(now), Millis(now))
	if err != nil {
		return fmt.Errorf("upsert secret: %w", err)
	}
	return nil
}

// InsertSecret stores the first vault entry for a handle and fails with
// ErrAlreadyExists if one is already there.
func (d *Database) InsertSecret(ctx context.Context, rec SecretRecord) error {
	if rec.Handle == "" {
		return ErrHandleRequired
	}
	now := time.Now()
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO vault_secrets (handle, public_key, ciphertext, key_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(handle) DO NOTHING
	`, rec.Handle, rec.PublicKey, rec.Ciphertext, rec.KeyVersion, Millis(now), Millis(now))
	if err != nil {
		return fmt.Errorf("insert secret: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// GetSecret loads the vault entry for a handle.
func (d *Database) GetSecret(ctx context.Context, handle string) (*SecretRecord, error) {
	if handle == "" {
		return nil, ErrHandleRequired
	}
	var (
		rec              SecretRecord
		created, updated int64
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT handle, public_key, ciphertext, key_version, created_at, updated_at
		FROM vault_secrets WHERE handle = ?
	`, handle).Scan(&rec.Handle, &rec.PublicKey, &rec.Ciphertext, &rec.KeyVersion, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query secret: %w", err)
	}
	rec.CreatedAt = FromMillis(created)
	rec.UpdatedAt = FromMillis(updated)
	return &rec, nil
}

// ListSecretHandles enumerates handles with a vault entry.
func (d *Database) ListSecretHandles(ctx context.Context) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT handle FROM vault_secrets ORDER BY handle`)
	if err != nil {
		return nil, fmt.Errorf("query secret handles: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
