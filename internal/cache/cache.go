// Package cache holds the message list of the active room.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/metrics"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
	"go.uber.org/zap"
)

// DefaultPageSize is the number of messages fetched per page.
const DefaultPageSize = 50

// Fetcher loads a page of messages, newest first.
type Fetcher interface {
	FetchMessages(ctx context.Context, roomID string, offset, limit int) ([]model.Message, error)
}

// Options configures a Cache.
type Options struct {
	PageSize int
	RoomList backend.RoomList
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	// OnChange is called after every state change, outside the lock.
	OnChange func()
}

// Cache owns the conversation state of the active room. Every mutation is a
// read-modify-write of State under the lock; the lock is never held across I/O.
type Cache struct {
	mu          sync.Mutex
	state       State
	gen         uint64
	loading     bool
	loadingMore bool

	fetcher  Fetcher
	pageSize int
	rooms    backend.RoomList
	logger   *zap.Logger
	metrics  *metrics.Metrics
	onChange func()
}

// View is a point-in-time copy of the observable cache state.
type View struct {
	RoomID   string
	Messages []model.Message
	Loading  bool
	HasMore  bool
}

// New creates an empty cache.
func New(fetcher Fetcher, opts Options) *Cache {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Cache{
		fetcher:  fetcher,
		pageSize: opts.PageSize,
		rooms:    opts.RoomList,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		onChange: opts.OnChange,
	}
}

// RoomID returns the room the cache currently holds.
func (c *Cache) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.RoomID
}

// Generation returns the current load generation.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// State returns a deep copy of the current state.
func (c *Cache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Snapshot returns the observable state.
func (c *Cache) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state.Clone()
	return View{
		RoomID:   s.RoomID,
		Messages: s.Messages,
		Loading:  c.loading,
		HasMore:  s.HasMore,
	}
}

// LoadMessages replaces the state with the newest page of roomID. The previous
// room's messages are cleared before the fetch starts. A result that resolves
// after another LoadMessages call is discarded.
func (c *Cache) LoadMessages(ctx context.Context, roomID string) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.state = State{RoomID: roomID, Generation: gen}
	c.loading = true
	c.loadingMore = false
	c.mu.Unlock()
	c.changed()

	page, err := c.fetcher.FetchMessages(ctx, roomID, 0, c.pageSize)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.logger.Debug("discarding stale page",
			zap.String("room_id", roomID), zap.Uint64("generation", gen))
		return nil
	}
	c.loading = false
	if err != nil {
		c.mu.Unlock()
		c.changed()
		return fmt.Errorf("load messages for room %s: %w", roomID, err)
	}
	next := State{RoomID: roomID, Generation: gen, HasMore: len(page) == c.pageSize}
	for _, m := range chronological(page) {
		next, _ = next.Insert(normalize(m))
	}
	// Keep anything that arrived while the page was in flight.
	for _, m := range c.state.Messages {
		next, _ = next.Insert(m)
	}
	c.state = next
	c.mu.Unlock()

	c.logger.Debug("messages loaded",
		zap.String("room_id", roomID), zap.Int("count", len(page)), zap.Bool("has_more", next.HasMore))
	c.changed()
	return nil
}

// LoadMoreMessages fetches the next older page and prepends it. It is a no-op
// when there is nothing more to load or a load is already in flight.
func (c *Cache) LoadMoreMessages(ctx context.Context) error {
	c.mu.Lock()
	if c.state.RoomID == "" || !c.state.HasMore || c.loading || c.loadingMore {
		c.mu.Unlock()
		return nil
	}
	c.loadingMore = true
	gen := c.gen
	roomID := c.state.RoomID
	offset := c.state.ServerCount()
	c.mu.Unlock()

	page, err := c.fetcher.FetchMessages(ctx, roomID, offset, c.pageSize)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return nil
	}
	c.loadingMore = false
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("load more messages for room %s: %w", roomID, err)
	}
	older := make([]model.Message, 0, len(page))
	for _, m := range chronological(page) {
		older = append(older, normalize(m))
	}
	next, added := c.state.Prepend(older)
	next.HasMore = len(page) == c.pageSize
	c.state = next
	c.mu.Unlock()

	c.logger.Debug("older messages loaded",
		zap.String("room_id", roomID), zap.Int("offset", offset), zap.Int("added", added))
	c.changed()
	return nil
}

// Catchup refetches the newest page of the current room and inserts whatever
// is missing, without clearing. Used after a channel comes back.
func (c *Cache) Catchup(ctx context.Context) (int, error) {
	c.mu.Lock()
	roomID, gen := c.state.RoomID, c.gen
	c.mu.Unlock()
	if roomID == "" {
		return 0, nil
	}

	page, err := c.fetcher.FetchMessages(ctx, roomID, 0, c.pageSize)
	if err != nil {
		return 0, fmt.Errorf("catch up room %s: %w", roomID, err)
	}

	var added []model.Message
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return 0, nil
	}
	next := c.state
	for _, m := range chronological(page) {
		var ok bool
		if next, ok = next.Insert(normalize(m)); ok {
			added = append(added, m)
		}
	}
	c.state = next
	c.mu.Unlock()

	if len(added) == 0 {
		return 0, nil
	}
	for range added {
		c.metrics.MessageInserted()
	}
	c.summarize(added[len(added)-1])
	c.logger.Info("caught up", zap.String("room_id", roomID), zap.Int("added", len(added)))
	c.changed()
	return len(added), nil
}

// LoadingMore reports whether a LoadMoreMessages call is in flight.
func (c *Cache) LoadingMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadingMore
}

// ApplyInbound inserts msg if it belongs to the active room and is not cached.
// Reports whether the message was inserted.
func (c *Cache) ApplyInbound(msg model.Message) bool {
	c.mu.Lock()
	if c.state.RoomID == "" || msg.RoomID != c.state.RoomID {
		c.mu.Unlock()
		return false
	}
	next, ok := c.state.Insert(normalize(msg))
	if !ok {
		c.mu.Unlock()
		c.metrics.DuplicateDropped()
		c.logger.Debug("duplicate insert absorbed", zap.String("message_id", msg.ID))
		return false
	}
	c.state = next
	c.mu.Unlock()

	c.metrics.MessageInserted()
	c.summarize(msg)
	c.changed()
	return true
}

// ApplyUpdate merges patch into the cached message id. Unknown ids are ignored.
func (c *Cache) ApplyUpdate(id string, patch model.MessagePatch) bool {
	c.mu.Lock()
	next, ok := c.state.Update(id, patch)
	if !ok {
		c.mu.Unlock()
		c.metrics.ReconciliationMiss()
		c.logger.Debug("update for unknown message ignored", zap.String("message_id", id))
		return false
	}
	c.state = next
	c.mu.Unlock()
	c.changed()
	return true
}

// Mutate applies fn to the state of roomID. It returns false without calling
// fn if the cache holds a different room. fn must be a pure transform.
func (c *Cache) Mutate(roomID string, fn func(State) State) bool {
	c.mu.Lock()
	if roomID != c.state.RoomID {
		c.mu.Unlock()
		return false
	}
	c.state = fn(c.state)
	c.mu.Unlock()
	c.changed()
	return true
}

// Reset empties the cache and binds it to roomID in the loading state.
// Results of loads started for any other room are discarded from now on.
func (c *Cache) Reset(roomID string) {
	c.mu.Lock()
	c.gen++
	c.state = State{RoomID: roomID, Generation: c.gen}
	c.loading = roomID != ""
	c.loadingMore = false
	c.mu.Unlock()
	c.changed()
}

// Close discards the state if it belongs to roomID.
func (c *Cache) Close(roomID string) {
	c.mu.Lock()
	if c.state.RoomID != roomID {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.state = State{}
	c.loading = false
	c.loadingMore = false
	c.mu.Unlock()
	c.changed()
}

// Summarize forwards msg to the room list as the room's latest message.
func (c *Cache) Summarize(msg model.Message) { c.summarize(msg) }

func (c *Cache) summarize(msg model.Message) {
	if c.rooms == nil {
		return
	}
	ts := msg.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	c.rooms.UpdateRoomSummary(msg.RoomID, msg.Text(), ts)
}

func (c *Cache) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}

func normalize(m model.Message) model.Message {
	if m.Status == "" {
		m.Status = model.StatusConfirmed
	}
	if m.Kind == "" {
		m.Kind = model.KindText
	}
	return m
}
