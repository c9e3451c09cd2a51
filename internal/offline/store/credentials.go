package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agritrace/offsync/internal/offline/model"
)

// Credential is a bearer token saved for offline use.
type Credential struct {
	UserID    string
	Token     string
	ExpiresAt time.Time // zero means no expiry
}

// Expired reports whether the credential is past its expiry at now.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// PutCredential stores or replaces the token for a user.
func (db *DB) PutCredential(ctx context.Context, c *Credential) error {
	var expires sql.NullInt64
	if !c.ExpiresAt.IsZero() {
		expires = sql.NullInt64{Int64: nanos(c.ExpiresAt), Valid: true}
	}
	query := `
	INSERT INTO credentials (user_id, token, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		token = excluded.token,
		expires_at = excluded.expires_at
	`
	if _, err := db.conn.ExecContext(ctx, query, c.UserID, c.Token, expires); err != nil {
		return fmt.Errorf("failed to store credential for %s: %w", c.UserID, classify(err))
	}
	return nil
}

// GetCredential returns the stored credential, or model.ErrNotFound.
func (db *DB) GetCredential(ctx context.Context, userID string) (*Credential, error) {
	var (
		c       = Credential{UserID: userID}
		expires sql.NullInt64
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT token, expires_at FROM credentials WHERE user_id = ?`, userID,
	).Scan(&c.Token, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential for %s: %w", userID, err)
	}
	if expires.Valid {
		c.ExpiresAt = fromNanos(expires.Int64)
	}
	return &c, nil
}

// DeleteCredential removes the token for a user (idempotent).
func (db *DB) DeleteCredential(ctx context.Context, userID string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete credential for %s: %w", userID, err)
	}
	return nil
}
