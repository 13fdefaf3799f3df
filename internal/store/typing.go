package store

import (
	"context"
	"fmt"
	"time"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
)

// UpsertTypingIndicator marks userID as typing in roomID until expiresAt.
func (db *DB) UpsertTypingIndicator(ctx context.Context, roomID, userID string, expiresAt time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO typing_indicators (room_id, user_id, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(room_id, user_id) DO UPDATE SET expires_at = excluded.expires_at`,
		roomID, userID, expiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert typing indicator: %w", err)
	}
	db.publish(backend.ResourceTyping, backend.OpInsert, roomID, userID,
		model.TypingIndicator{RoomID: roomID, UserID: userID, ExpiresAt: expiresAt.UTC()}, nil)
	return nil
}

// DeleteTypingIndicator clears userID's typing entry in roomID.
func (db *DB) DeleteTypingIndicator(ctx context.Context, roomID, userID string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM typing_indicators WHERE room_id = ? AND user_id = ?`, roomID, userID)
	if err != nil {
		return fmt.Errorf("delete typing indicator: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.publish(backend.ResourceTyping, backend.OpDelete, roomID, userID,
			nil, model.TypingIndicator{RoomID: roomID, UserID: userID})
	}
	return nil
}

// FetchTypingIndicators returns the unexpired entries of roomID, except the
// one of excludingUserID, with the typist's profile.
func (db *DB) FetchTypingIndicators(ctx context.Context, roomID, excludingUserID string) ([]model.TypingIndicator, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT t.room_id, t.user_id, t.expires_at, COALESCE(u.display_name, ''), COALESCE(u.avatar_url, '')
		FROM typing_indicators t
		LEFT JOIN users u ON u.id = t.user_id
		WHERE t.room_id = ? AND t.user_id != ? AND t.expires_at > ?
		ORDER BY t.user_id`, roomID, excludingUserID, db.millis())
	if err != nil {
		return nil, fmt.Errorf("fetch typing indicators: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.TypingIndicator
	for rows.Next() {
		var ti model.TypingIndicator
		var expires int64
		if err := rows.Scan(&ti.RoomID, &ti.UserID, &expires, &ti.Author.DisplayName, &ti.Author.AvatarURL); err != nil {
			return nil, err
		}
		ti.ExpiresAt = fromMillis(expires)
		ti.Author.ID = ti.UserID
		out = append(out, ti)
	}
	return out, rows.Err()
}

// PurgeExpiredTyping deletes entries that expired before now. Entries whose
// owner vanished without clearing them would otherwise linger.
func (db *DB) PurgeExpiredTyping(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM typing_indicators WHERE expires_at <= ?`, db.millis())
	if err != nil {
		return 0, fmt.Errorf("purge typing indicators: %w", err)
	}
	return res.RowsAffected()
}
