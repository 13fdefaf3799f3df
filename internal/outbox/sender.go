// Package outbox manages the local user's own writes: optimistic inserts of
// pending messages and their reconciliation with the authoritative copy.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/cache"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/metrics"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
	"go.uber.org/zap"
)

var (
	// ErrUnknownTempID is returned for a temp id the sender does not track.
	ErrUnknownTempID = errors.New("unknown temp message id")
	// ErrNotFailed is returned when retrying or discarding a message that has not failed.
	ErrNotFailed = errors.New("message has not failed")
	// ErrStillPending is returned when editing or deleting an unconfirmed message.
	ErrStillPending = errors.New("message is not confirmed yet")
)

// Options configures a Sender.
type Options struct {
	Author   model.Author
	Now      func() time.Time
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	OnChange func()
}

// entry is one unconfirmed local send.
type entry struct {
	seq     uint64
	tempID  string
	roomID  string
	content string
	replyTo string
	token   string
	failed  bool
}

// Sender is the optimistic send and reconciliation controller.
type Sender struct {
	mu      sync.Mutex
	pending map[string]*entry
	sending string
	seq     uint64

	store    backend.MessageStore
	cache    *cache.Cache
	author   model.Author
	now      func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics
	onChange func()
}

// NewSender creates a controller writing through store and into c.
func NewSender(store backend.MessageStore, c *cache.Cache, opts Options) *Sender {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Sender{
		pending:  make(map[string]*entry),
		store:    store,
		cache:    c,
		author:   opts.Author,
		now:      opts.Now,
		logger:   opts.Logger.Named("outbox"),
		metrics:  opts.Metrics,
		onChange: opts.OnChange,
	}
}

// SendingMessageID returns the temp id of the most recent send in flight.
func (s *Sender) SendingMessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

// FailedMessageIDs returns the temp ids of failed sends, oldest first.
func (s *Sender) FailedMessageIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []*entry
	for _, e := range s.pending {
		if e.failed {
			failed = append(failed, e)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].seq < failed[j].seq })
	out := make([]string, len(failed))
	for i, e := range failed {
		out[i] = e.tempID
	}
	return out
}

// PendingCount returns the number of tracked unconfirmed sends.
func (s *Sender) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Send inserts a pending message into the cache, writes it to the store and
// reconciles the result. The temp id is returned even when the write fails;
// the message is then marked failed and can be retried or discarded.
func (s *Sender) Send(ctx context.Context, roomID, content, replyTo string) (string, error) {
	now := s.now()
	s.mu.Lock()
	s.seq++
	e := &entry{
		seq:     s.seq,
		tempID:  fmt.Sprintf("%s%d-%d", model.TempIDPrefix, now.UnixNano(), s.seq),
		roomID:  roomID,
		content: content,
		replyTo: replyTo,
		token:   uuid.NewString(),
	}
	s.pending[e.tempID] = e
	s.sending = e.tempID
	s.mu.Unlock()

	text := content
	optimistic := model.Message{
		ID:          e.tempID,
		RoomID:      roomID,
		AuthorID:    s.author.ID,
		Content:     &text,
		Kind:        model.KindText,
		CreatedAt:   now,
		UpdatedAt:   now,
		ReplyToID:   replyTo,
		ClientToken: e.token,
		Status:      model.StatusPending,
		Author:      s.author,
	}
	s.cache.Mutate(roomID, func(st cache.State) cache.State {
		next, _ := st.Insert(optimistic)
		return next
	})
	s.changed()

	return e.tempID, s.write(ctx, e)
}

// Retry re-issues the write of a failed message.
func (s *Sender) Retry(ctx context.Context, tempID string) error {
	s.mu.Lock()
	e, ok := s.pending[tempID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownTempID
	}
	if !e.failed {
		s.mu.Unlock()
		return ErrNotFailed
	}
	e.failed = false
	s.sending = tempID
	s.mu.Unlock()

	s.setStatus(e, model.StatusPending)
	s.logger.Info("retrying failed message", zap.String("temp_id", tempID), zap.String("room_id", e.roomID))
	return s.write(ctx, e)
}

// Discard drops a failed message from the cache and the failed set. Nothing
// is sent to the store since nothing was written.
func (s *Sender) Discard(tempID string) error {
	s.mu.Lock()
	e, ok := s.pending[tempID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownTempID
	}
	if !e.failed {
		s.mu.Unlock()
		return ErrNotFailed
	}
	delete(s.pending, tempID)
	s.mu.Unlock()

	s.cache.Mutate(e.roomID, func(st cache.State) cache.State {
		next, _ := st.Remove(tempID)
		return next
	})
	s.changed()
	return nil
}

func (s *Sender) write(ctx context.Context, e *entry) error {
	saved, err := s.store.InsertMessage(ctx, backend.NewMessage{
		RoomID:      e.roomID,
		AuthorID:    s.author.ID,
		Content:     e.content,
		ReplyToID:   e.replyTo,
		ClientToken: e.token,
	})
	if err != nil {
		s.markFailed(e)
		s.logger.Error("failed to send message",
			zap.String("temp_id", e.tempID), zap.String("room_id", e.roomID), zap.Error(err))
		return fmt.Errorf("send message: %w", err)
	}
	s.clearSending(e.tempID)
	if saved.ClientToken == "" {
		saved.ClientToken = e.token
	}
	s.Reconcile(saved, metrics.PathResponse)
	return nil
}

// Reconcile applies the authoritative copy of a message, whether it came
// from the write response or from a push event. The first arrival replaces
// the matching pending message; any later arrival finds nothing pending and
// the id already cached. A message with no pending match is inserted as a
// new confirmed message. Reports whether a pending message was matched.
func (s *Sender) Reconcile(msg model.Message, path string) bool {
	s.mu.Lock()
	e := s.matchLocked(msg)
	if e != nil {
		delete(s.pending, e.tempID)
		if s.sending == e.tempID {
			s.sending = ""
		}
	}
	s.mu.Unlock()

	if e == nil {
		if s.cache.ApplyInbound(msg) {
			s.metrics.Reconciled(metrics.PathInserted)
		}
		return false
	}

	confirmed := msg
	s.cache.Mutate(e.roomID, func(st cache.State) cache.State {
		next, ok := st.Replace(e.tempID, func(m *model.Message) {
			m.ID = confirmed.ID
			m.CreatedAt = confirmed.CreatedAt
			m.UpdatedAt = confirmed.UpdatedAt
			m.Status = model.StatusConfirmed
			if confirmed.ClientToken != "" {
				m.ClientToken = confirmed.ClientToken
			}
		})
		if !ok {
			// Placeholder is gone (room was reloaded): fall back to a plain insert.
			next, _ = st.Insert(confirmed)
		}
		return next
	})
	s.cache.Summarize(confirmed)
	s.metrics.Reconciled(path)
	s.logger.Debug("reconciled local message",
		zap.String("temp_id", e.tempID), zap.String("message_id", msg.ID), zap.String("path", path))
	s.changed()
	return true
}

// matchLocked finds the pending entry msg confirms: by client token when the
// store echoed one, otherwise the oldest pending send by the same author with
// identical content in the same room.
func (s *Sender) matchLocked(msg model.Message) *entry {
	if msg.AuthorID != s.author.ID {
		return nil
	}
	if msg.ClientToken != "" {
		for _, e := range s.pending {
			if e.token == msg.ClientToken {
				return e
			}
		}
		return nil
	}
	var best *entry
	for _, e := range s.pending {
		if e.failed || e.roomID != msg.RoomID || e.content != msg.Text() {
			continue
		}
		if best == nil || e.seq < best.seq {
			best = e
		}
	}
	return best
}

func (s *Sender) markFailed(e *entry) {
	s.mu.Lock()
	if _, ok := s.pending[e.tempID]; !ok {
		// Already reconciled through a push event.
		s.mu.Unlock()
		return
	}
	e.failed = true
	if s.sending == e.tempID {
		s.sending = ""
	}
	s.mu.Unlock()
	s.metrics.SendFailed()
	s.setStatus(e, model.StatusFailed)
}

func (s *Sender) setStatus(e *entry, status model.Status) {
	s.cache.Mutate(e.roomID, func(st cache.State) cache.State {
		next, _ := st.Replace(e.tempID, func(m *model.Message) { m.Status = status })
		return next
	})
	s.changed()
}

func (s *Sender) clearSending(tempID string) {
	s.mu.Lock()
	if s.sending == tempID {
		s.sending = ""
	}
	s.mu.Unlock()
}

// Edit changes the content of a confirmed message authored by the local user.
func (s *Sender) Edit(ctx context.Context, id, content string) error {
	if model.IsTemp(id) {
		return ErrStillPending
	}
	now := s.now()
	text := content
	patch := model.MessagePatch{Content: &text, UpdatedAt: &now}
	if err := s.store.UpdateMessage(ctx, id, s.author.ID, patch); err != nil {
		return fmt.Errorf("edit message %s: %w", id, err)
	}
	s.cache.ApplyUpdate(id, patch)
	return nil
}

// Delete soft-deletes a message. A failed local message is discarded instead.
func (s *Sender) Delete(ctx context.Context, id string) error {
	if model.IsTemp(id) {
		if err := s.Discard(id); err != nil {
			if errors.Is(err, ErrNotFailed) {
				return ErrStillPending
			}
			return err
		}
		return nil
	}
	if err := s.store.SoftDeleteMessage(ctx, id, s.author.ID); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	now := s.now()
	deleted := true
	s.cache.ApplyUpdate(id, model.MessagePatch{Deleted: &deleted, DeletedAt: &now, UpdatedAt: &now})
	return nil
}

func (s *Sender) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
