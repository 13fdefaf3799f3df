// Package typing tracks typing presence: the local user's outbound signal and
// the set of other users typing in the active room.
package typing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/timer"
	"go.uber.org/zap"
)

const (
	DefaultDebounce = 300 * time.Millisecond
	DefaultTTL      = 8 * time.Second

	writeTimeout = 5 * time.Second
)

// Phase is the outbound typing state of the local user in one room.
type Phase string

const (
	Idle            Phase = "IDLE"
	PendingDebounce Phase = "PENDING_DEBOUNCE"
	Active          Phase = "ACTIVE"
)

// Options configures a Tracker.
type Options struct {
	UserID   string
	Debounce time.Duration
	TTL      time.Duration
	Now      func() time.Time
	After    timer.AfterFunc
	Logger   *zap.Logger
	OnChange func()
}

// Tracker owns typing presence for the session.
type Tracker struct {
	mu       sync.Mutex
	phases   map[string]Phase
	room     string
	entries  []model.TypingIndicator
	refreshN uint64

	store    backend.TypingStore
	timers   *timer.Group
	userID   string
	debounce time.Duration
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger
	onChange func()
}

// New creates a tracker for the local user.
func New(store backend.TypingStore, opts Options) *Tracker {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Tracker{
		phases:   make(map[string]Phase),
		store:    store,
		timers:   timer.NewGroup(opts.After),
		userID:   opts.UserID,
		debounce: opts.Debounce,
		ttl:      opts.TTL,
		now:      opts.Now,
		logger:   opts.Logger.Named("typing"),
		onChange: opts.OnChange,
	}
}

// Phase returns the outbound phase for roomID.
func (t *Tracker) Phase(roomID string) Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.phases[roomID]; ok {
		return p
	}
	return Idle
}

// Keystroke registers local typing activity in roomID.
func (t *Tracker) Keystroke(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.phaseLocked(roomID) {
	case Idle:
		t.phases[roomID] = PendingDebounce
		t.timers.Reset(debounceKey(roomID), t.debounce, func() { t.activate(roomID) })
	case PendingDebounce:
		// The pending debounce will fire; nothing to do.
	case Active:
		t.timers.Reset(ttlKey(roomID), t.ttl, func() { t.expire(roomID) })
	}
}

// Stop cancels the local typing signal for roomID and clears it remotely.
func (t *Tracker) Stop(ctx context.Context, roomID string) error {
	t.mu.Lock()
	phase := t.phaseLocked(roomID)
	t.timers.Stop(debounceKey(roomID))
	t.timers.Stop(ttlKey(roomID))
	delete(t.phases, roomID)
	t.mu.Unlock()

	if phase == Idle {
		return nil
	}
	if err := t.store.DeleteTypingIndicator(ctx, roomID, t.userID); err != nil {
		return fmt.Errorf("clear typing indicator: %w", err)
	}
	return nil
}

func (t *Tracker) activate(roomID string) {
	t.mu.Lock()
	if t.phaseLocked(roomID) != PendingDebounce {
		t.mu.Unlock()
		return
	}
	t.phases[roomID] = Active
	expiresAt := t.now().Add(t.ttl)
	t.timers.Reset(ttlKey(roomID), t.ttl, func() { t.expire(roomID) })
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := t.store.UpsertTypingIndicator(ctx, roomID, t.userID, expiresAt); err != nil {
		t.logger.Warn("failed to publish typing indicator", zap.String("room_id", roomID), zap.Error(err))
	}
}

func (t *Tracker) expire(roomID string) {
	t.mu.Lock()
	if t.phaseLocked(roomID) != Active {
		t.mu.Unlock()
		return
	}
	delete(t.phases, roomID)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := t.store.DeleteTypingIndicator(ctx, roomID, t.userID); err != nil {
		t.logger.Warn("failed to clear typing indicator", zap.String("room_id", roomID), zap.Error(err))
	}
}

func (t *Tracker) phaseLocked(roomID string) Phase {
	if p, ok := t.phases[roomID]; ok {
		return p
	}
	return Idle
}

// SetRoom switches the room whose remote typing set is exposed.
func (t *Tracker) SetRoom(roomID string) {
	t.mu.Lock()
	changed := t.room != roomID || len(t.entries) > 0
	t.room = roomID
	t.entries = nil
	t.refreshN++
	t.mu.Unlock()
	if changed {
		t.changed()
	}
}

// Refresh re-reads the other users typing in roomID and overwrites the
// exposed set. Results for a room that is no longer current are dropped.
func (t *Tracker) Refresh(ctx context.Context, roomID string) error {
	t.mu.Lock()
	if roomID != t.room {
		t.mu.Unlock()
		return nil
	}
	t.refreshN++
	n := t.refreshN
	t.mu.Unlock()

	rows, err := t.store.FetchTypingIndicators(ctx, roomID, t.userID)
	if err != nil {
		return fmt.Errorf("fetch typing indicators: %w", err)
	}

	t.mu.Lock()
	if roomID != t.room || n != t.refreshN {
		t.mu.Unlock()
		return nil
	}
	t.entries = rows
	t.mu.Unlock()
	t.changed()
	return nil
}

// TypingUsers returns users typing in the current room, skipping expired entries.
func (t *Tracker) TypingUsers() []model.TypingUser {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.TypingUser
	live := t.entries[:0:0]
	for _, e := range t.entries {
		if !e.Live(now) || e.UserID == t.userID {
			continue
		}
		live = append(live, e)
		name := e.Author.DisplayName
		if name == "" {
			name = e.UserID
		}
		out = append(out, model.TypingUser{UserID: e.UserID, DisplayName: name})
	}
	t.entries = live
	return out
}

// Close cancels every timer. The tracker must not be used afterwards.
func (t *Tracker) Close() {
	t.timers.Close()
	t.mu.Lock()
	t.phases = make(map[string]Phase)
	t.mu.Unlock()
}

func (t *Tracker) changed() {
	if t.onChange != nil {
		t.onChange()
	}
}

func debounceKey(roomID string) string { return "debounce:" + roomID }
func ttlKey(roomID string) string      { return "ttl:" + roomID }
