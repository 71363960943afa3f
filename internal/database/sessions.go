package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SessionRow is a stored credential bundle for one account.
type SessionRow struct {
	ID           string
	Username     string
	StorageState json.RawMessage
	ReconnectURL *string
	IsActive     bool
	LastUsedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MostRecentActiveSession returns the freshest active session for the
// account, or nil when none exists.
func (db *DB) MostRecentActiveSession(ctx context.Context, username string) (*SessionRow, error) {
	s := &SessionRow{}
	err := db.QueryRow(ctx, `
		SELECT id, username, storage_state, reconnect_url, is_active,
		       last_used_at, created_at, updated_at
		FROM sessions
		WHERE username = $1 AND is_active
		ORDER BY updated_at DESC
		LIMIT 1`,
		username,
	).Scan(
		&s.ID, &s.Username, &s.StorageState, &s.ReconnectURL, &s.IsActive,
		&s.LastUsedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return s, nil
}

// TouchSession records that the session was just used.
func (db *DB) TouchSession(ctx context.Context, id string) error {
	_, err := db.Exec(ctx,
		`UPDATE sessions SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// UpdateSessionState re-exports the credential bundle of a live session
// after successful use, keeping the stored copy current.
func (db *DB) UpdateSessionState(ctx context.Context, id string, storageState json.RawMessage, reconnectURL string) error {
	_, err := db.Exec(ctx, `
		UPDATE sessions
		SET storage_state = $2,
		    reconnect_url = COALESCE(NULLIF($3, ''), reconnect_url),
		    last_used_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1`,
		id, storageState, reconnectURL,
	)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	return nil
}

// DeactivateSession retires an invalid session so it is never handed
// out again.
func (db *DB) DeactivateSession(ctx context.Context, id string) error {
	_, err := db.Exec(ctx,
		`UPDATE sessions SET is_active = FALSE, updated_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	return nil
}

// ReplaceActiveSession stores a freshly established session and retires
// every previously active session for the account in the same
// transaction, so exactly one active session exists per account.
func (db *DB) ReplaceActiveSession(ctx context.Context, username string, storageState json.RawMessage, reconnectURL string) (*SessionRow, error) {
	id := uuid.New().String()
	err := db.Transaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE sessions SET is_active = FALSE, updated_at = NOW() WHERE username = $1 AND is_active`,
			username,
		)
		if err != nil {
			return fmt.Errorf("retire sessions: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO sessions (id, username, storage_state, reconnect_url, last_used_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), NOW())`,
			id, username, storageState, reconnectURL,
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db.MostRecentActiveSession(ctx, username)
}
