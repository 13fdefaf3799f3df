package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
)

// CreateRoom creates a room owned by createdBy, who becomes its first member.
func (db *DB) CreateRoom(ctx context.Context, name, createdBy string) (Room, error) {
	now := db.millis()
	r := Room{ID: uuid.NewString(), Name: name, CreatedBy: createdBy, CreatedAt: fromMillis(now)}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rooms (id, name, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`, r.ID, name, createdBy, now, now); err != nil {
		return Room{}, fmt.Errorf("insert room: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memberships (room_id, user_id, role, joined_at)
		VALUES (?, ?, 'owner', ?)`, r.ID, createdBy, now); err != nil {
		return Room{}, fmt.Errorf("insert owner membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Room{}, fmt.Errorf("commit room: %w", err)
	}

	db.publish(backend.ResourceRooms, backend.OpInsert, r.ID, createdBy, r, nil)
	db.publish(backend.ResourceMemberships, backend.OpInsert, r.ID, createdBy,
		Membership{RoomID: r.ID, UserID: createdBy, Role: "owner", JoinedAt: r.CreatedAt}, nil)
	return r, nil
}

// RenameRoom changes a room's display name.
func (db *DB) RenameRoom(ctx context.Context, roomID, name string) error {
	res, err := db.ExecContext(ctx, `UPDATE rooms SET name = ?, updated_at = ? WHERE id = ?`, name, db.millis(), roomID)
	if err != nil {
		return fmt.Errorf("rename room %s: %w", roomID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	r, err := db.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	db.publish(backend.ResourceRooms, backend.OpUpdate, roomID, "", r, nil)
	return nil
}

// GetRoom returns a single room by id.
func (db *DB) GetRoom(ctx context.Context, roomID string) (Room, error) {
	var (
		r                 Room
		lastAt, createdAt int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, name, created_by, last_message, last_message_at, created_at
		FROM rooms WHERE id = ?`, roomID).
		Scan(&r.ID, &r.Name, &r.CreatedBy, &r.LastMessage, &lastAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	if err != nil {
		return Room{}, fmt.Errorf("get room %s: %w", roomID, err)
	}
	r.LastMessageAt = fromMillis(lastAt)
	r.CreatedAt = fromMillis(createdAt)
	return r, nil
}

// AddMember adds userID to roomID. Adding an existing member is a no-op.
func (db *DB) AddMember(ctx context.Context, roomID, userID string) error {
	now := db.millis()
	res, err := db.ExecContext(ctx, `
		INSERT INTO memberships (room_id, user_id, role, joined_at)
		VALUES (?, ?, 'member', ?)
		ON CONFLICT(room_id, user_id) DO NOTHING`, roomID, userID, now)
	if err != nil {
		return fmt.Errorf("add member %s to %s: %w", userID, roomID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.publish(backend.ResourceMemberships, backend.OpInsert, roomID, userID,
			Membership{RoomID: roomID, UserID: userID, Role: "member", JoinedAt: fromMillis(now)}, nil)
	}
	return nil
}

// RemoveMember removes userID from roomID.
func (db *DB) RemoveMember(ctx context.Context, roomID, userID string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM memberships WHERE room_id = ? AND user_id = ?`, roomID, userID)
	if err != nil {
		return fmt.Errorf("remove member %s from %s: %w", userID, roomID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("membership %s/%s: %w", roomID, userID, ErrNotFound)
	}
	db.publish(backend.ResourceMemberships, backend.OpDelete, roomID, userID,
		nil, Membership{RoomID: roomID, UserID: userID})
	return nil
}

// IsMember reports whether userID belongs to roomID.
func (db *DB) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM memberships WHERE room_id = ? AND user_id = ?`, roomID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("membership %s/%s: %w", roomID, userID, err)
	}
	return true, nil
}

// Invite creates a pending invitation for userID to join roomID.
func (db *DB) Invite(ctx context.Context, roomID, userID, invitedBy string) (Invitation, error) {
	now := db.millis()
	inv := Invitation{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		UserID:    userID,
		InvitedBy: invitedBy,
		Status:    InvitationPending,
		CreatedAt: fromMillis(now),
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO invitations (id, room_id, user_id, invited_by, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, roomID, userID, invitedBy, inv.Status, now, now); err != nil {
		return Invitation{}, fmt.Errorf("invite %s to %s: %w", userID, roomID, err)
	}
	db.publish(backend.ResourceInvitations, backend.OpInsert, roomID, userID, inv, nil)
	return inv, nil
}

// RespondInvitation accepts or declines a pending invitation. Accepting adds
// the invited user to the room.
func (db *DB) RespondInvitation(ctx context.Context, id string, accept bool) error {
	var inv Invitation
	var createdAt int64
	err := db.QueryRowContext(ctx, `
		SELECT id, room_id, user_id, invited_by, status, created_at
		FROM invitations WHERE id = ?`, id).
		Scan(&inv.ID, &inv.RoomID, &inv.UserID, &inv.InvitedBy, &inv.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && inv.Status != InvitationPending) {
		return fmt.Errorf("pending invitation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get invitation %s: %w", id, err)
	}
	inv.CreatedAt = fromMillis(createdAt)
	inv.Status = InvitationDeclined
	if accept {
		inv.Status = InvitationAccepted
	}
	if _, err := db.ExecContext(ctx, `UPDATE invitations SET status = ?, updated_at = ? WHERE id = ?`,
		inv.Status, db.millis(), id); err != nil {
		return fmt.Errorf("update invitation %s: %w", id, err)
	}
	db.publish(backend.ResourceInvitations, backend.OpUpdate, inv.RoomID, inv.UserID, inv, nil)
	if accept {
		return db.AddMember(ctx, inv.RoomID, inv.UserID)
	}
	return nil
}

// ListRooms returns the rooms userID belongs to with their summary line,
// most recently active first. Unread counts messages by others since the
// user's last read mark.
func (db *DB) ListRooms(ctx context.Context, userID string) ([]model.RoomSummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.id, r.name, r.last_message, r.last_message_at,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.room_id = r.id AND m.deleted = 0
			   AND m.author_id != mb.user_id AND m.created_at > mb.last_read_at) AS unread
		FROM rooms r
		JOIN memberships mb ON mb.room_id = r.id
		WHERE mb.user_id = ?
		ORDER BY r.last_message_at DESC, r.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.RoomSummary
	for rows.Next() {
		var s model.RoomSummary
		var ts int64
		if err := rows.Scan(&s.RoomID, &s.Name, &s.LastMessage, &ts, &s.UnreadCount); err != nil {
			return nil, err
		}
		s.Timestamp = fromMillis(ts)
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateRoomSummary records the last message line of a room. Older
// timestamps than the stored one are ignored, so an edit of an old message
// never replaces the summary of a newer one.
func (db *DB) UpdateRoomSummary(ctx context.Context, roomID, lastMessage string, ts time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE rooms SET last_message = ?, last_message_at = ?, updated_at = ?
		WHERE id = ? AND last_message_at <= ?`,
		lastMessage, ts.UnixMilli(), db.millis(), roomID, ts.UnixMilli())
	if err != nil {
		return fmt.Errorf("update summary of %s: %w", roomID, err)
	}
	return nil
}

// MarkRead moves userID's read mark in roomID to now.
func (db *DB) MarkRead(ctx context.Context, roomID, userID string) error {
	res, err := db.ExecContext(ctx, `UPDATE memberships SET last_read_at = ? WHERE room_id = ? AND user_id = ?`,
		db.millis(), roomID, userID)
	if err != nil {
		return fmt.Errorf("mark read %s: %w", roomID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("membership %s/%s: %w", roomID, userID, ErrNotMember)
	}
	return nil
}
