// Package sync composes the per-session synchronization engine: the active
// room's message cache, optimistic sends, reactions, typing presence and the
// push channels feeding them.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/bus"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/cache"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/metrics"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/outbox"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/reaction"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/realtime"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/status"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/timer"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/typing"
	"go.uber.org/zap"
)

// KindChanged is published on the bus whenever the observable state changes.
const KindChanged = "engine.changed"

var (
	// ErrEmptyMessage is returned when sending blank content.
	ErrEmptyMessage = errors.New("message content is empty")
	// ErrNoActiveRoom is returned by operations that need an active room.
	ErrNoActiveRoom = errors.New("no active room")
)

// Options configures an Engine.
type Options struct {
	User     model.Author
	PageSize int

	TypingDebounce   time.Duration
	TypingTTL        time.Duration
	RetryDelay       time.Duration
	SwitchGrace      time.Duration
	SubscribeTimeout time.Duration

	// TypingStore overrides the store for typing indicators.
	TypingStore backend.TypingStore
	RoomList    backend.RoomList

	Now   func() time.Time
	After timer.AfterFunc
	Sleep func(ctx context.Context, d time.Duration) error

	Bus     *bus.Bus
	Status  *status.Machine
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Snapshot is the observable state of the engine.
type Snapshot struct {
	RoomID           string             `json:"room_id"`
	Messages         []model.Message    `json:"messages"`
	Loading          bool               `json:"loading"`
	HasMore          bool               `json:"has_more"`
	SendingMessageID string             `json:"sending_message_id,omitempty"`
	FailedMessageIDs []string           `json:"failed_message_ids"`
	TypingUsers      []model.TypingUser `json:"typing_users"`
	Connectivity     status.State       `json:"connectivity"`
	Channels         []realtime.Channel `json:"-"`
}

// Engine is the session-scoped controller the UI talks to.
type Engine struct {
	user      model.Author
	cache     *cache.Cache
	outbox    *outbox.Sender
	reactions *reaction.Aggregator
	typing    *typing.Tracker
	channels  *realtime.Manager
	catchup   *Reconciler
	rooms     backend.RoomList
	status    *status.Machine
	bus       *bus.Bus
	logger    *zap.Logger

	// ctx bounds work triggered by push events.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine wires the engine components over store and sub.
func NewEngine(store backend.Store, sub backend.Subscriber, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Status == nil {
		opts.Status = status.NewMachine(opts.Bus)
	}
	var typingStore backend.TypingStore = store
	if opts.TypingStore != nil {
		typingStore = opts.TypingStore
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		user:   opts.User,
		rooms:  opts.RoomList,
		status: opts.Status,
		bus:    opts.Bus,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	e.cache = cache.New(store, cache.Options{
		PageSize: opts.PageSize,
		RoomList: opts.RoomList,
		Logger:   logger.Named("cache"),
		Metrics:  opts.Metrics,
		OnChange: e.changed,
	})
	e.outbox = outbox.NewSender(store, e.cache, outbox.Options{
		Author:   opts.User,
		Now:      opts.Now,
		Logger:   logger,
		Metrics:  opts.Metrics,
		OnChange: e.changed,
	})
	e.reactions = reaction.New(store, e.cache, logger.Named("reaction"), opts.Metrics)
	e.typing = typing.New(typingStore, typing.Options{
		UserID:   opts.User.ID,
		Debounce: opts.TypingDebounce,
		TTL:      opts.TypingTTL,
		Now:      opts.Now,
		After:    opts.After,
		Logger:   logger,
		OnChange: e.changed,
	})
	e.catchup = NewReconciler(e.cache, e.typing, opts.RoomList, logger.Named("catchup"))
	e.channels = realtime.NewManager(sub, e.handlers(), realtime.Options{
		RetryDelay:       opts.RetryDelay,
		SwitchGrace:      opts.SwitchGrace,
		SubscribeTimeout: opts.SubscribeTimeout,
		After:            opts.After,
		Sleep:            opts.Sleep,
		Status:           opts.Status,
		Logger:           logger.Named("realtime"),
		Metrics:          opts.Metrics,
	})
	return e
}

func (e *Engine) handlers() realtime.Handlers {
	return realtime.Handlers{
		MessageInserted: func(m model.Message) {
			e.outbox.Reconcile(m, metrics.PathEvent)
		},
		MessageUpdated: func(id string, patch model.MessagePatch) {
			e.cache.ApplyUpdate(id, patch)
		},
		ReactionChanged: func(messageID string) {
			if err := e.reactions.Refresh(e.ctx, messageID); err != nil {
				e.logger.Warn("reaction refresh failed", zap.String("message_id", messageID), zap.Error(err))
			}
		},
		TypingChanged: func(roomID string) {
			if err := e.typing.Refresh(e.ctx, roomID); err != nil {
				e.logger.Warn("typing refresh failed", zap.String("room_id", roomID), zap.Error(err))
			}
		},
		BackgroundMessage: e.summarize,
		BackgroundUpdate:  e.summarize,
		RoomsChanged: func() {
			if e.rooms != nil {
				e.rooms.RefreshRooms()
			}
		},
		Resubscribed: func(kind realtime.ChannelKind, roomID string) {
			e.catchup.Resubscribed(e.ctx, kind, roomID)
		},
	}
}

// Start opens the global channel for the local user. A subscription failure
// is not returned: it shows up as degraded connectivity.
func (e *Engine) Start(ctx context.Context) error {
	if e.user.ID == "" {
		return errors.New("start engine: no user id")
	}
	e.logger.Info("engine starting", zap.String("user_id", e.user.ID))
	return e.ambient(e.channels.StartGlobal(ctx, e.user.ID))
}

// Stop clears the local typing signal and closes every channel.
func (e *Engine) Stop(ctx context.Context) error {
	if room := e.channels.ActiveRoom(); room != "" {
		if err := e.typing.Stop(ctx, room); err != nil {
			e.logger.Warn("failed to clear typing on stop", zap.Error(err))
		}
	}
	e.typing.Close()
	err := e.channels.Close(ctx)
	e.cancel()
	e.logger.Info("engine stopped")
	return err
}

// SetActiveRoom makes roomID the room shown in full detail: the cache is
// cleared, the active channel is moved and the newest page is loaded.
func (e *Engine) SetActiveRoom(ctx context.Context, roomID string) error {
	prev := e.channels.ActiveRoom()
	if prev != "" && prev != roomID {
		if err := e.typing.Stop(ctx, prev); err != nil {
			e.logger.Warn("failed to clear typing on switch", zap.String("room_id", prev), zap.Error(err))
		}
	}
	if roomID == prev && e.cache.RoomID() == roomID {
		if roomID == "" || e.activeLive() {
			return nil
		}
		// Same room, but its channel failed: reopen it and fill the gap
		// without dropping what is cached.
		e.logger.Info("reopening active room channel", zap.String("room_id", roomID))
		if err := e.ambient(e.channels.SetActiveRoom(ctx, roomID)); err != nil {
			return err
		}
		_, err := e.cache.Catchup(ctx)
		return err
	}

	e.cache.Reset(roomID)
	e.typing.SetRoom(roomID)
	if err := e.ambient(e.channels.SetActiveRoom(ctx, roomID)); err != nil {
		return err
	}
	if roomID == "" {
		return nil
	}
	e.logger.Info("active room changed", zap.String("from", prev), zap.String("to", roomID))
	if err := e.typing.Refresh(ctx, roomID); err != nil {
		e.logger.Warn("typing refresh failed", zap.String("room_id", roomID), zap.Error(err))
	}
	return e.cache.LoadMessages(ctx, roomID)
}

// activeLive reports whether the active channel is subscribed or on its way.
func (e *Engine) activeLive() bool {
	ch, ok := e.channels.Channel(realtime.KindActive)
	return ok && (ch.State == realtime.ChannelSubscribed || ch.State == realtime.ChannelConnecting)
}

// CloseRoom discards roomID's state if it is the active room.
func (e *Engine) CloseRoom(ctx context.Context, roomID string) error {
	if e.channels.ActiveRoom() != roomID {
		return nil
	}
	e.cache.Close(roomID)
	return e.SetActiveRoom(ctx, "")
}

// LoadMessages loads the newest page of roomID, activating it first if needed.
func (e *Engine) LoadMessages(ctx context.Context, roomID string) error {
	if roomID != e.channels.ActiveRoom() {
		return e.SetActiveRoom(ctx, roomID)
	}
	return e.cache.LoadMessages(ctx, roomID)
}

// LoadMoreMessages prepends the next older page of the active room.
func (e *Engine) LoadMoreMessages(ctx context.Context) error {
	return e.cache.LoadMoreMessages(ctx)
}

// SendMessage optimistically sends content to roomID and returns the temp id.
func (e *Engine) SendMessage(ctx context.Context, roomID, content, replyTo string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyMessage
	}
	if roomID == "" {
		return "", ErrNoActiveRoom
	}
	if err := e.typing.Stop(ctx, roomID); err != nil {
		e.logger.Warn("failed to clear typing on send", zap.String("room_id", roomID), zap.Error(err))
	}
	return e.outbox.Send(ctx, roomID, content, replyTo)
}

// EditMessage replaces the content of one of the local user's messages.
func (e *Engine) EditMessage(ctx context.Context, id, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	return e.outbox.Edit(ctx, id, content)
}

// DeleteMessage soft-deletes one of the local user's messages.
func (e *Engine) DeleteMessage(ctx context.Context, id string) error {
	return e.outbox.Delete(ctx, id)
}

// AddReaction reacts to messageID with emoji as the local user.
func (e *Engine) AddReaction(ctx context.Context, messageID, emoji string) error {
	if emoji == "" {
		return fmt.Errorf("add reaction: empty emoji")
	}
	return e.reactions.Add(ctx, messageID, e.user.ID, emoji)
}

// RemoveReaction withdraws the local user's emoji from messageID.
func (e *Engine) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	return e.reactions.Remove(ctx, messageID, e.user.ID, emoji)
}

// RetryFailedMessage re-sends a failed message.
func (e *Engine) RetryFailedMessage(ctx context.Context, tempID string) error {
	return e.outbox.Retry(ctx, tempID)
}

// RemoveFailedMessage discards a failed message locally.
func (e *Engine) RemoveFailedMessage(tempID string) error {
	return e.outbox.Discard(tempID)
}

// StartTyping records a keystroke in roomID.
func (e *Engine) StartTyping(roomID string) {
	if roomID == "" {
		return
	}
	e.typing.Keystroke(roomID)
}

// StopTyping clears the local typing signal in roomID.
func (e *Engine) StopTyping(ctx context.Context, roomID string) error {
	return e.typing.Stop(ctx, roomID)
}

// TypingPhase reports the local user's outbound typing phase in roomID.
func (e *Engine) TypingPhase(roomID string) typing.Phase {
	return e.typing.Phase(roomID)
}

// Reconnect reopens channels that gave up and catches up the active room.
func (e *Engine) Reconnect(ctx context.Context) error {
	if err := e.ambient(e.channels.Reconnect(ctx)); err != nil {
		return err
	}
	if _, err := e.cache.Catchup(ctx); err != nil {
		return err
	}
	return nil
}

// ActiveRoom returns the active room id.
func (e *Engine) ActiveRoom() string { return e.channels.ActiveRoom() }

// Snapshot returns a copy of the observable state.
func (e *Engine) Snapshot() Snapshot {
	view := e.cache.Snapshot()
	s := Snapshot{
		RoomID:           view.RoomID,
		Messages:         view.Messages,
		Loading:          view.Loading,
		HasMore:          view.HasMore,
		SendingMessageID: e.outbox.SendingMessageID(),
		FailedMessageIDs: e.outbox.FailedMessageIDs(),
		TypingUsers:      e.typing.TypingUsers(),
		Connectivity:     e.status.Current(),
	}
	for _, kind := range []realtime.ChannelKind{realtime.KindActive, realtime.KindGlobal} {
		if ch, ok := e.channels.Channel(kind); ok {
			s.Channels = append(s.Channels, ch)
		}
	}
	if s.FailedMessageIDs == nil {
		s.FailedMessageIDs = []string{}
	}
	return s
}

func (e *Engine) summarize(m model.Message) {
	if e.rooms == nil {
		return
	}
	e.rooms.UpdateRoomSummary(m.RoomID, m.Text(), m.CreatedAt)
}

// ambient swallows subscription failures: they are reported through the
// connectivity state rather than to the caller.
func (e *Engine) ambient(err error) error {
	var se *realtime.SubscribeError
	if errors.As(err, &se) {
		e.logger.Warn("subscription failed", zap.String("scope", se.Scope), zap.String("state", string(se.State)), zap.Error(se.Err))
		return nil
	}
	return err
}

func (e *Engine) changed() {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{
		Kind:      KindChanged,
		Timestamp: time.Now(),
		Payload:   e.cache.RoomID(),
	})
}
