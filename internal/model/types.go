package model

import (
	"strings"
	"time"
)

// Kind is the message content type.
type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindFile   Kind = "file"
	KindSystem Kind = "system"
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile, KindSystem:
		return true
	}
	return false
}

// Status is the local delivery state of a message.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// TempIDPrefix marks locally generated placeholder ids.
const TempIDPrefix = "temp-"

// IsTemp reports whether id is a locally generated placeholder.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Author is the profile snapshot carried with a message.
type Author struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Attachment is file metadata attached to a message. Uploading is handled elsewhere.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

// Message is a chat message as held in a room's cache.
type Message struct {
	ID          string      `json:"id"`
	RoomID      string      `json:"room_id"`
	AuthorID    string      `json:"author_id"`
	Content     *string     `json:"content,omitempty"`
	Kind        Kind        `json:"kind"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Deleted     bool        `json:"deleted"`
	DeletedAt   *time.Time  `json:"deleted_at,omitempty"`
	ReplyToID   string      `json:"reply_to_id,omitempty"`
	ClientToken string      `json:"client_token,omitempty"`
	Status      Status      `json:"status"`
	Reactions   []Reaction  `json:"reactions,omitempty"`
	Author      Author      `json:"author"`
	Attachment  *Attachment `json:"attachment,omitempty"`
}

// Text returns the content or "" for contentless messages.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Clone returns a copy that shares no mutable slices or pointers with m.
func (m Message) Clone() Message {
	if m.Content != nil {
		c := *m.Content
		m.Content = &c
	}
	if m.DeletedAt != nil {
		d := *m.DeletedAt
		m.DeletedAt = &d
	}
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	if m.Reactions != nil {
		rs := make([]Reaction, len(m.Reactions))
		for i, r := range m.Reactions {
			rs[i] = r.Clone()
		}
		m.Reactions = rs
	}
	return m
}

// MessagePatch is a partial update to a message. Nil fields are left untouched.
type MessagePatch struct {
	Content   *string    `json:"content,omitempty"`
	Deleted   *bool      `json:"deleted,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Apply merges p into m.
func (p MessagePatch) Apply(m *Message) {
	if p.Content != nil {
		c := *p.Content
		m.Content = &c
	}
	if p.UpdatedAt != nil {
		m.UpdatedAt = *p.UpdatedAt
	}
	if p.Deleted != nil {
		m.Deleted = *p.Deleted
		if m.Deleted {
			m.Content = nil
			if p.DeletedAt != nil {
				d := *p.DeletedAt
				m.DeletedAt = &d
			}
		} else {
			m.DeletedAt = nil
		}
	}
}

// ReactionRow is one user's emoji reaction to a message, as stored.
type ReactionRow struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// Reaction is the aggregate of all rows for one emoji on one message.
type Reaction struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	UserIDs []string `json:"user_ids"`
}

// Clone copies the user list.
func (r Reaction) Clone() Reaction {
	r.UserIDs = append([]string(nil), r.UserIDs...)
	return r
}

// TypingIndicator is a stored typing entry. A user is typing while now < ExpiresAt.
type TypingIndicator struct {
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Author    Author    `json:"author"`
}

// Live reports whether the indicator has not yet expired at now.
func (t TypingIndicator) Live(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}

// TypingUser is a user shown as typing in the active room.
type TypingUser struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// RoomSummary is the last-message line kept for every room in the room list.
type RoomSummary struct {
	RoomID      string    `json:"room_id"`
	Name        string    `json:"name,omitempty"`
	LastMessage string    `json:"last_message"`
	Timestamp   time.Time `json:"timestamp"`
	UnreadCount int       `json:"unread_count"`
}
