package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mailwatch/internal/mailbox"
)

// Sync status values recorded next to the cursor.
const (
	StatusSeeded   = "seeded"
	StatusOK       = "ok"
	StatusReseeded = "reseeded"
)

// SyncState is the sync_state row for one user.
type SyncState struct {
	UserID       int64         `db:"user_id" json:"user_id"`
	Cursor       string        `db:"cursor" json:"cursor"`
	Status       string        `db:"status" json:"status"`
	LastSyncedAt sql.NullInt64 `db:"last_synced_at" json:"-"`
	UpdatedAt    int64         `db:"updated_at" json:"updated_at"`
}

// LoadCursor returns "" when no cursor was ever recorded for user.
func (s *Store) LoadCursor(ctx context.Context, user mailbox.UserID) (mailbox.Cursor, error) {
	var cursor string
	err := s.db.GetContext(ctx, &cursor, `SELECT cursor FROM sync_state WHERE user_id = ?`, int64(user))
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading cursor for %s: %w", user, err)
	}
	return mailbox.Cursor(cursor), nil
}

// SaveCursor stores cursor with status.
func (s *Store) SaveCursor(ctx context.Context, user mailbox.UserID, cursor mailbox.Cursor, status string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (user_id, cursor, status, last_synced_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			cursor = excluded.cursor,
			status = excluded.status,
			last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at
	`, int64(user), string(cursor), status, now, now)
	if err != nil {
		return fmt.Errorf("saving cursor for %s: %w", user, err)
	}
	return nil
}

// SyncState returns the row for user, or nil when there is none.
func (s *Store) SyncState(ctx context.Context, user mailbox.UserID) (*SyncState, error) {
	var st SyncState
	err := s.db.GetContext(ctx, &st, `SELECT user_id, cursor, status, last_synced_at, updated_at FROM sync_state WHERE user_id = ?`, int64(user))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading sync state for %s: %w", user, err)
	}
	return &st, nil
}
