package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
)

// UpsertUser inserts or updates a user profile. Empty fields keep their stored value.
func (db *DB) UpsertUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return errors.New("upsert user: empty id")
	}
	now := db.millis()
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, avatar_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE users.display_name END,
			avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE users.avatar_url END,
			updated_at = excluded.updated_at`,
		u.ID, u.DisplayName, u.AvatarURL, now, now)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

// GetUser returns a single user by id.
func (db *DB) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	err := db.QueryRowContext(ctx, `SELECT id, display_name, avatar_url FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.DisplayName, &u.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// Profile returns the author snapshot of a user.
func (db *DB) Profile(ctx context.Context, id string) (model.Author, error) {
	u, err := db.GetUser(ctx, id)
	if err != nil {
		return model.Author{}, err
	}
	return model.Author{ID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}, nil
}
