package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
)

// ErrInvalidEvent is wrapped by every narrowing failure.
var ErrInvalidEvent = errors.New("invalid push event")

// Event is a push change narrowed into engine types. Exactly one of the
// typed fields is set, depending on Resource.
type Event struct {
	Op       backend.Op
	Resource backend.Resource
	RoomID   string

	Message  *model.Message
	Patch    *model.MessagePatch
	Reaction *model.ReactionRow
	Typing   *model.TypingIndicator
	// Subject is the affected user for membership and invitation changes.
	Subject string
}

// Narrow validates a raw change and converts it into an Event.
func Narrow(c backend.Change) (Event, error) {
	ev := Event{Op: c.Op, Resource: c.Resource, RoomID: c.RoomID}
	switch c.Op {
	case backend.OpInsert, backend.OpUpdate, backend.OpDelete:
	default:
		return ev, fmt.Errorf("%w: unknown op %q", ErrInvalidEvent, c.Op)
	}

	switch c.Resource {
	case backend.ResourceMessages:
		return narrowMessage(ev, c)
	case backend.ResourceReactions:
		var row model.ReactionRow
		if err := decode(c, &row); err != nil {
			return ev, err
		}
		if row.MessageID == "" {
			return ev, fmt.Errorf("%w: reaction without message_id", ErrInvalidEvent)
		}
		ev.Reaction = &row
	case backend.ResourceTyping:
		var ti model.TypingIndicator
		if err := decode(c, &ti); err != nil {
			return ev, err
		}
		if ti.RoomID == "" {
			ti.RoomID = c.RoomID
		}
		if ti.RoomID == "" {
			return ev, fmt.Errorf("%w: typing change without room", ErrInvalidEvent)
		}
		ev.RoomID = ti.RoomID
		ev.Typing = &ti
	case backend.ResourceMemberships, backend.ResourceRooms, backend.ResourceInvitations:
		var ref struct {
			RoomID string `json:"room_id"`
			UserID string `json:"user_id"`
		}
		if err := decode(c, &ref); err != nil {
			return ev, err
		}
		if ev.RoomID == "" {
			ev.RoomID = ref.RoomID
		}
		ev.Subject = ref.UserID
		if ev.Subject == "" {
			ev.Subject = c.UserID
		}
	default:
		return ev, fmt.Errorf("%w: unknown resource %q", ErrInvalidEvent, c.Resource)
	}
	return ev, nil
}

func narrowMessage(ev Event, c backend.Change) (Event, error) {
	var m model.Message
	if err := decode(c, &m); err != nil {
		return ev, err
	}
	if m.ID == "" {
		return ev, fmt.Errorf("%w: message without id", ErrInvalidEvent)
	}
	if m.RoomID == "" {
		m.RoomID = c.RoomID
	}
	if m.RoomID == "" {
		return ev, fmt.Errorf("%w: message %s without room", ErrInvalidEvent, m.ID)
	}
	if m.Kind == "" {
		m.Kind = model.KindText
	}
	if !m.Kind.Valid() {
		return ev, fmt.Errorf("%w: message %s has kind %q", ErrInvalidEvent, m.ID, m.Kind)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = c.At
	}
	m.Status = model.StatusConfirmed
	if m.Author.ID == "" {
		m.Author.ID = m.AuthorID
	}
	ev.RoomID = m.RoomID
	ev.Message = &m

	switch c.Op {
	case backend.OpUpdate:
		patch := model.MessagePatch{Content: m.Content, Deleted: &m.Deleted, DeletedAt: m.DeletedAt}
		if !m.UpdatedAt.IsZero() {
			patch.UpdatedAt = &m.UpdatedAt
		}
		ev.Patch = &patch
	case backend.OpDelete:
		deleted := true
		at := c.At
		if m.DeletedAt != nil {
			at = *m.DeletedAt
		}
		if at.IsZero() {
			at = time.Now()
		}
		ev.Patch = &model.MessagePatch{Deleted: &deleted, DeletedAt: &at}
	}
	return ev, nil
}

// decode reads Record, falling back to Old for deletes that carry no new row.
func decode(c backend.Change, v any) error {
	raw := c.Record
	if len(raw) == 0 || string(raw) == "null" {
		raw = c.Old
	}
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: %s %s without record", ErrInvalidEvent, c.Resource, c.Op)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrInvalidEvent, c.Resource, err)
	}
	return nil
}
