// Package backend declares the collaborators the sync engine depends on but
// does not implement: the backing store, the push-event stream and the room list.
package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
)

// NewMessage is the input to InsertMessage.
type NewMessage struct {
	RoomID      string
	AuthorID    string
	Content     string
	ReplyToID   string
	ClientToken string
}

// MessageStore reads and writes messages. Fetches are newest-first and
// exclude soft-deleted rows.
type MessageStore interface {
	FetchMessages(ctx context.Context, roomID string, offset, limit int) ([]model.Message, error)
	InsertMessage(ctx context.Context, m NewMessage) (model.Message, error)
	UpdateMessage(ctx context.Context, id, authorID string, patch model.MessagePatch) error
	SoftDeleteMessage(ctx context.Context, id, authorID string) error
}

// ReactionStore reads and writes reaction rows.
type ReactionStore interface {
	UpsertReaction(ctx context.Context, messageID, userID, emoji string) error
	DeleteReaction(ctx context.Context, messageID, userID, emoji string) error
	FetchReactions(ctx context.Context, messageID string) ([]model.ReactionRow, error)
}

// TypingStore reads and writes typing indicators.
type TypingStore interface {
	UpsertTypingIndicator(ctx context.Context, roomID, userID string, expiresAt time.Time) error
	DeleteTypingIndicator(ctx context.Context, roomID, userID string) error
	FetchTypingIndicators(ctx context.Context, roomID, excludingUserID string) ([]model.TypingIndicator, error)
}

// Store is the full backing-store contract.
type Store interface {
	MessageStore
	ReactionStore
	TypingStore
}

// RoomList is the external room-list collaborator that owns background rooms.
type RoomList interface {
	UpdateRoomSummary(roomID, lastMessage string, ts time.Time)
	RefreshRooms()
}

// Op is the kind of change carried by a push event.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Resource names the table a push event refers to.
type Resource string

const (
	ResourceMessages    Resource = "messages"
	ResourceReactions   Resource = "reactions"
	ResourceTyping      Resource = "typing_indicators"
	ResourceMemberships Resource = "memberships"
	ResourceRooms       Resource = "rooms"
	ResourceInvitations Resource = "invitations"
)

// Change is a raw push event as delivered by the transport. Record and Old are
// loosely typed and must be narrowed before use.
type Change struct {
	Op       Op              `json:"op"`
	Resource Resource        `json:"resource"`
	RoomID   string          `json:"room_id,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
	Record   json.RawMessage `json:"record,omitempty"`
	Old      json.RawMessage `json:"old,omitempty"`
	At       time.Time       `json:"at"`
}

// Filter selects which changes a subscription receives. Empty fields match all.
type Filter struct {
	Resource Resource `json:"resource,omitempty"`
	Ops      []Op     `json:"ops,omitempty"`
}

// Matches reports whether c passes the filter.
func (f Filter) Matches(c Change) bool {
	if f.Resource != "" && f.Resource != c.Resource {
		return false
	}
	if len(f.Ops) == 0 {
		return true
	}
	for _, op := range f.Ops {
		if op == c.Op {
			return true
		}
	}
	return false
}

// SubscriptionStatus is reported by the transport for a subscription.
type SubscriptionStatus string

const (
	StatusSubscribed SubscriptionStatus = "SUBSCRIBED"
	StatusError      SubscriptionStatus = "CHANNEL_ERROR"
	StatusTimedOut   SubscriptionStatus = "TIMED_OUT"
	StatusClosed     SubscriptionStatus = "CLOSED"
)

// Subscription is an open push channel.
type Subscription interface {
	Name() string
}

// SubscribeRequest describes one channel to open.
type SubscribeRequest struct {
	Name    string
	Scope   string
	Filters []Filter
	// OnChange receives matching changes. Called from the transport's goroutine.
	OnChange func(Change)
	// OnStatus receives lifecycle transitions of the subscription.
	OnStatus func(SubscriptionStatus, error)
}

// Subscriber is the push-event subscription primitive.
type Subscriber interface {
	Subscribe(ctx context.Context, req SubscribeRequest) (Subscription, error)
	Unsubscribe(ctx context.Context, sub Subscription) error
}
