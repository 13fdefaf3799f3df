package cache

import (
	"time"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
)

// State is the conversation state of the active room. It is treated as an
// immutable value: every transform returns a new State and never writes to
// the receiver's message slice.
type State struct {
	RoomID   string
	Messages []model.Message
	HasMore  bool
	// OldestCursor is the creation time of the oldest loaded message.
	OldestCursor time.Time
	Generation   uint64
}

// Len returns the number of cached messages.
func (s State) Len() int { return len(s.Messages) }

// Index returns the position of id or -1.
func (s State) Index(id string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// Has reports whether id is cached.
func (s State) Has(id string) bool { return s.Index(id) >= 0 }

// Find returns a copy of the message with id.
func (s State) Find(id string) (model.Message, bool) {
	i := s.Index(id)
	if i < 0 {
		return model.Message{}, false
	}
	return s.Messages[i].Clone(), true
}

// FindFirst returns the oldest message satisfying match.
func (s State) FindFirst(match func(*model.Message) bool) (model.Message, bool) {
	for i := range s.Messages {
		if match(&s.Messages[i]) {
			return s.Messages[i].Clone(), true
		}
	}
	return model.Message{}, false
}

// ServerCount returns how many cached messages the store still pages over:
// local placeholders and soft-deleted messages are not counted, since
// FetchMessages skips deleted rows.
func (s State) ServerCount() int {
	n := 0
	for i := range s.Messages {
		if m := &s.Messages[i]; !m.Deleted && !model.IsTemp(m.ID) {
			n++
		}
	}
	return n
}

// Insert places msg at its chronological position. Equal timestamps keep
// insertion order. Returns false and the unchanged state if the id is cached.
func (s State) Insert(msg model.Message) (State, bool) {
	if s.Has(msg.ID) {
		return s, false
	}
	pos := insertPos(s.Messages, msg.CreatedAt)
	next := make([]model.Message, 0, len(s.Messages)+1)
	next = append(next, s.Messages[:pos]...)
	next = append(next, msg.Clone())
	next = append(next, s.Messages[pos:]...)
	s.Messages = next
	s.refreshCursor()
	return s, true
}

// Update merges patch into the message with id.
func (s State) Update(id string, patch model.MessagePatch) (State, bool) {
	return s.Replace(id, func(m *model.Message) { patch.Apply(m) })
}

// Replace rewrites the message with id through fn. If fn changes the
// creation time the message is moved to keep chronological order; this is
// the only path that may reorder a cached message.
func (s State) Replace(id string, fn func(*model.Message)) (State, bool) {
	i := s.Index(id)
	if i < 0 {
		return s, false
	}
	updated := s.Messages[i].Clone()
	fn(&updated)

	rest := make([]model.Message, 0, len(s.Messages))
	rest = append(rest, s.Messages[:i]...)
	rest = append(rest, s.Messages[i+1:]...)
	if updated.ID != id && indexOf(rest, updated.ID) >= 0 {
		// The authoritative copy is already cached: collapse onto it.
		s.Messages = rest
		s.refreshCursor()
		return s, true
	}

	if updated.CreatedAt.Equal(s.Messages[i].CreatedAt) {
		next := append([]model.Message(nil), s.Messages...)
		next[i] = updated
		s.Messages = next
		return s, true
	}
	pos := insertPos(rest, updated.CreatedAt)
	next := make([]model.Message, 0, len(s.Messages))
	next = append(next, rest[:pos]...)
	next = append(next, updated)
	next = append(next, rest[pos:]...)
	s.Messages = next
	s.refreshCursor()
	return s, true
}

// Remove drops the message with id.
func (s State) Remove(id string) (State, bool) {
	i := s.Index(id)
	if i < 0 {
		return s, false
	}
	next := make([]model.Message, 0, len(s.Messages)-1)
	next = append(next, s.Messages[:i]...)
	next = append(next, s.Messages[i+1:]...)
	s.Messages = next
	s.refreshCursor()
	return s, true
}

// Prepend adds an older page (chronological order) in front of the cached
// messages. Ids already cached are skipped. Returns the state and how many
// messages were added.
func (s State) Prepend(page []model.Message) (State, int) {
	fresh := make([]model.Message, 0, len(page))
	seen := make(map[string]struct{}, len(page))
	for _, m := range page {
		if s.Has(m.ID) {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		fresh = append(fresh, m.Clone())
	}
	if len(fresh) == 0 {
		return s, 0
	}
	next := make([]model.Message, 0, len(fresh)+len(s.Messages))
	next = append(next, fresh...)
	next = append(next, s.Messages...)
	s.Messages = next
	s.refreshCursor()
	return s, len(fresh)
}

// Last returns the newest message.
func (s State) Last() (model.Message, bool) {
	if len(s.Messages) == 0 {
		return model.Message{}, false
	}
	return s.Messages[len(s.Messages)-1].Clone(), true
}

// Clone deep-copies the state for handing out to observers.
func (s State) Clone() State {
	msgs := make([]model.Message, len(s.Messages))
	for i := range s.Messages {
		msgs[i] = s.Messages[i].Clone()
	}
	s.Messages = msgs
	return s
}

func (s *State) refreshCursor() {
	if len(s.Messages) == 0 {
		s.OldestCursor = time.Time{}
		return
	}
	s.OldestCursor = s.Messages[0].CreatedAt
}

// insertPos returns the index after the last message created at or before ts.
func insertPos(msgs []model.Message, ts time.Time) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].CreatedAt.After(ts) {
			return i + 1
		}
	}
	return 0
}

func indexOf(msgs []model.Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// chronological reverses a newest-first page.
func chronological(page []model.Message) []model.Message {
	out := make([]model.Message, len(page))
	for i, m := range page {
		out[len(page)-1-i] = m
	}
	return out
}
