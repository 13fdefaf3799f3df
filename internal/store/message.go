package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/reaction"
	"github.com/mattn/go-sqlite3"
)

const messageColumns = `
	m.id, m.room_id, m.author_id, m.content, m.kind, m.reply_to_id, m.client_token,
	m.attachment_name, m.attachment_mime, m.attachment_size, m.attachment_url,
	m.deleted, m.deleted_at, m.created_at, m.updated_at,
	COALESCE(u.display_name, ''), COALESCE(u.avatar_url, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (model.Message, error) {
	var (
		m                        model.Message
		content, replyTo, token  sql.NullString
		attName, attMime, attURL sql.NullString
		attSize, deletedAt       sql.NullInt64
		createdAt, updatedAt     int64
	)
	if err := row.Scan(
		&m.ID, &m.RoomID, &m.AuthorID, &content, &m.Kind, &replyTo, &token,
		&attName, &attMime, &attSize, &attURL,
		&m.Deleted, &deletedAt, &createdAt, &updatedAt,
		&m.Author.DisplayName, &m.Author.AvatarURL,
	); err != nil {
		return model.Message{}, err
	}
	if content.Valid {
		c := content.String
		m.Content = &c
	}
	m.ReplyToID = replyTo.String
	m.ClientToken = token.String
	if attName.Valid || attURL.Valid {
		m.Attachment = &model.Attachment{
			Name:     attName.String,
			MimeType: attMime.String,
			Size:     attSize.Int64,
			URL:      attURL.String,
		}
	}
	if deletedAt.Valid {
		d := fromMillis(deletedAt.Int64)
		m.DeletedAt = &d
	}
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	m.Author.ID = m.AuthorID
	m.Status = model.StatusConfirmed
	return m, nil
}

// FetchMessages returns a page of roomID's messages, newest first, skipping
// soft-deleted rows. Reactions are aggregated onto each message.
func (db *DB) FetchMessages(ctx context.Context, roomID string, offset, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		LEFT JOIN users u ON u.id = m.author_id
		WHERE m.room_id = ? AND m.deleted = 0
		ORDER BY m.created_at DESC, m.rowid DESC
		LIMIT ? OFFSET ?`, roomID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("fetch messages of %s: %w", roomID, err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := db.attachReactions(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// GetMessage returns a message by id, including soft-deleted ones.
func (db *DB) GetMessage(ctx context.Context, id string) (model.Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		LEFT JOIN users u ON u.id = m.author_id
		WHERE m.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// InsertMessage stores a new text message and returns the authoritative copy.
// Inserting again with the same client token returns the stored message
// without writing a duplicate.
func (db *DB) InsertMessage(ctx context.Context, in backend.NewMessage) (model.Message, error) {
	if in.ClientToken != "" {
		existing, err := db.messageByToken(ctx, in.ClientToken)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return model.Message{}, err
		}
	}
	ok, err := db.IsMember(ctx, in.RoomID, in.AuthorID)
	if err != nil {
		return model.Message{}, err
	}
	if !ok {
		return model.Message{}, fmt.Errorf("insert message into %s: %w", in.RoomID, ErrNotMember)
	}

	id := uuid.NewString()
	now := db.millis()
	_, err = db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, author_id, content, kind, reply_to_id, client_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'text', ?, ?, ?, ?)`,
		id, in.RoomID, in.AuthorID, in.Content, nullString(in.ReplyToID), nullString(in.ClientToken), now, now)
	if err != nil {
		var se sqlite3.Error
		if in.ClientToken != "" && errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			// Lost a race with a concurrent retry of the same send.
			return db.messageByToken(ctx, in.ClientToken)
		}
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}

	m, err := db.GetMessage(ctx, id)
	if err != nil {
		return model.Message{}, err
	}
	db.publish(backend.ResourceMessages, backend.OpInsert, m.RoomID, m.AuthorID, m, nil)
	return m, nil
}

func (db *DB) messageByToken(ctx context.Context, token string) (model.Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		LEFT JOIN users u ON u.id = m.author_id
		WHERE m.client_token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, fmt.Errorf("message with token %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("get message by token: %w", err)
	}
	return m, nil
}

// UpdateMessage applies patch to a message authored by authorID.
func (db *DB) UpdateMessage(ctx context.Context, id, authorID string, patch model.MessagePatch) error {
	m, err := db.ownMessage(ctx, id, authorID)
	if err != nil {
		return err
	}
	if m.Deleted {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	old := m.Clone()
	patch.Apply(&m)
	now := fromMillis(db.millis())
	if patch.UpdatedAt == nil {
		m.UpdatedAt = now
	}

	var deletedAt sql.NullInt64
	if m.DeletedAt != nil {
		deletedAt = sql.NullInt64{Int64: m.DeletedAt.UnixMilli(), Valid: true}
	}
	var content sql.NullString
	if m.Content != nil {
		content = sql.NullString{String: *m.Content, Valid: true}
	}
	if _, err := db.ExecContext(ctx, `
		UPDATE messages SET content = ?, deleted = ?, deleted_at = ?, updated_at = ?
		WHERE id = ?`, content, m.Deleted, deletedAt, m.UpdatedAt.UnixMilli(), id); err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	db.publish(backend.ResourceMessages, backend.OpUpdate, m.RoomID, authorID, m, old)
	return nil
}

// SoftDeleteMessage marks a message authored by authorID as deleted and drops
// its content. The row stays so references to it keep resolving.
func (db *DB) SoftDeleteMessage(ctx context.Context, id, authorID string) error {
	m, err := db.ownMessage(ctx, id, authorID)
	if err != nil {
		return err
	}
	if m.Deleted {
		return nil
	}
	old := m.Clone()
	now := fromMillis(db.millis())
	deleted := true
	model.MessagePatch{Deleted: &deleted, DeletedAt: &now, UpdatedAt: &now}.Apply(&m)
	if _, err := db.ExecContext(ctx, `
		UPDATE messages SET content = NULL, deleted = 1, deleted_at = ?, updated_at = ?
		WHERE id = ?`, now.UnixMilli(), now.UnixMilli(), id); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	db.publish(backend.ResourceMessages, backend.OpUpdate, m.RoomID, authorID, m, old)
	return nil
}

func (db *DB) ownMessage(ctx context.Context, id, authorID string) (model.Message, error) {
	m, err := db.GetMessage(ctx, id)
	if err != nil {
		return model.Message{}, err
	}
	if m.AuthorID != authorID {
		return model.Message{}, fmt.Errorf("message %s: %w", id, ErrNotAuthor)
	}
	return m, nil
}

func (db *DB) attachReactions(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]any, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	rows, err := db.QueryContext(ctx, `
		SELECT message_id, user_id, emoji, created_at FROM reactions
		WHERE message_id IN (?`+strings.Repeat(",?", len(ids)-1)+`)
		ORDER BY created_at, rowid`, ids...)
	if err != nil {
		return fmt.Errorf("fetch reactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byMessage := make(map[string][]model.ReactionRow)
	for rows.Next() {
		r, err := scanReaction(rows)
		if err != nil {
			return err
		}
		byMessage[r.MessageID] = append(byMessage[r.MessageID], r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for i := range msgs {
		if rs := byMessage[msgs[i].ID]; len(rs) > 0 {
			msgs[i].Reactions = reaction.Aggregate(rs)
		}
	}
	return nil
}
