package store

import (
	"context"
	"fmt"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
)

func scanReaction(row rowScanner) (model.ReactionRow, error) {
	var r model.ReactionRow
	var createdAt int64
	if err := row.Scan(&r.MessageID, &r.UserID, &r.Emoji, &createdAt); err != nil {
		return model.ReactionRow{}, err
	}
	r.CreatedAt = fromMillis(createdAt)
	return r, nil
}

// UpsertReaction records userID's emoji on messageID. Repeating it is a no-op.
func (db *DB) UpsertReaction(ctx context.Context, messageID, userID, emoji string) error {
	m, err := db.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	now := db.millis()
	res, err := db.ExecContext(ctx, `
		INSERT INTO reactions (message_id, user_id, emoji, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id, user_id, emoji) DO NOTHING`,
		messageID, userID, emoji, now)
	if err != nil {
		return fmt.Errorf("upsert reaction on %s: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.publish(backend.ResourceReactions, backend.OpInsert, m.RoomID, userID,
			model.ReactionRow{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: fromMillis(now)}, nil)
	}
	return nil
}

// DeleteReaction removes userID's emoji from messageID.
func (db *DB) DeleteReaction(ctx context.Context, messageID, userID, emoji string) error {
	m, err := db.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
		messageID, userID, emoji)
	if err != nil {
		return fmt.Errorf("delete reaction on %s: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.publish(backend.ResourceReactions, backend.OpDelete, m.RoomID, userID,
			nil, model.ReactionRow{MessageID: messageID, UserID: userID, Emoji: emoji})
	}
	return nil
}

// FetchReactions returns every reaction row of messageID in creation order.
func (db *DB) FetchReactions(ctx context.Context, messageID string) ([]model.ReactionRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT message_id, user_id, emoji, created_at FROM reactions
		WHERE message_id = ?
		ORDER BY created_at, rowid`, messageID)
	if err != nil {
		return nil, fmt.Errorf("fetch reactions of %s: %w", messageID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ReactionRow
	for rows.Next() {
		r, err := scanReaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
