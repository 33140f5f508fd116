package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mailwatch/internal/mailbox"
	"github.com/Martian-dev/mailwatch/internal/subscription"
)

// LoadSubscriptions returns the empty set for a user who never saved one.
func (s *Store) LoadSubscriptions(ctx context.Context, user mailbox.UserID) (subscription.Set, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, `SELECT categories FROM subscriptions WHERE user_id = ?`, int64(user))
	if errors.Is(err, sql.ErrNoRows) {
		return subscription.NewSet(), nil
	}
	if err != nil {
		return subscription.Set{}, fmt.Errorf("loading subscriptions for %s: %w", user, err)
	}

	var set subscription.Set
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return subscription.Set{}, fmt.Errorf("decoding subscriptions for %s: %w", user, err)
	}
	return set, nil
}

func (s *Store) SaveSubscriptions(ctx context.Context, user mailbox.UserID, set subscription.Set) error {
	raw, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encoding subscriptions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, categories, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			categories = excluded.categories,
			updated_at = excluded.updated_at
	`, int64(user), string(raw), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("saving subscriptions for %s: %w", user, err)
	}
	return nil
}
