// Package realtime owns the push channels of a session: one bound to the
// active room and one global per-user channel.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/metrics"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/status"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/timer"
)

// ErrChannelClosed is returned by operations on a closed Manager.
var ErrChannelClosed = errors.New("realtime manager closed")

// ChannelKind distinguishes the two channel roles.
type ChannelKind string

const (
	KindActive ChannelKind = "active"
	KindGlobal ChannelKind = "global"
)

// ChannelState is the lifecycle state of one channel.
type ChannelState string

const (
	ChannelClosed     ChannelState = "closed"
	ChannelConnecting ChannelState = "connecting"
	ChannelSubscribed ChannelState = "subscribed"
	ChannelError      ChannelState = "error"
	ChannelTimedOut   ChannelState = "timed_out"
)

// Defaults for Options.
const (
	DefaultRetryDelay       = 2 * time.Second
	DefaultSwitchGrace      = 100 * time.Millisecond
	DefaultSubscribeTimeout = 10 * time.Second
)

// SubscribeError reports a channel that failed to reach Subscribed.
type SubscribeError struct {
	Scope string
	State ChannelState
	Err   error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe %s: %s: %v", e.Scope, e.State, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

// Channel describes one subscription attempt. Every attempt gets a fresh name
// and generation, so callbacks of a replaced attempt can be told apart.
type Channel struct {
	Name       string
	Scope      string
	Kind       ChannelKind
	RoomID     string
	State      ChannelState
	Generation uint64
	Attempt    int

	sub backend.Subscription
}

// Handlers receive narrowed events. Nil handlers are skipped.
type Handlers struct {
	// Active-room channel.
	MessageInserted func(model.Message)
	MessageUpdated  func(id string, patch model.MessagePatch)
	ReactionChanged func(messageID string)
	TypingChanged   func(roomID string)

	// Global channel.
	BackgroundMessage func(model.Message)
	BackgroundUpdate  func(model.Message)
	RoomsChanged      func()

	// Resubscribed fires after a retry brought a channel back, so the owner
	// can catch up on events missed while it was down.
	Resubscribed func(kind ChannelKind, roomID string)
}

// Options configures a Manager.
type Options struct {
	RetryDelay       time.Duration
	SwitchGrace      time.Duration
	SubscribeTimeout time.Duration
	// After schedules retries. Defaults to timer.RealAfterFunc.
	After timer.AfterFunc
	// Sleep waits out the switch grace. Defaults to a context-aware time.Sleep.
	Sleep   func(ctx context.Context, d time.Duration) error
	Status  *status.Machine
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Manager opens, tears down and retries the session's push channels.
type Manager struct {
	subscriber backend.Subscriber
	handlers   Handlers
	opts       Options
	logger     *zap.Logger
	retries    *timer.Group
	active     Registry

	switchMu sync.Mutex // serialises SetActiveRoom

	mu       sync.Mutex
	channels map[ChannelKind]*Channel
	gen      uint64
	closed   bool
}

// NewManager creates a Manager. Channels are opened by StartGlobal and
// SetActiveRoom.
func NewManager(sub backend.Subscriber, h Handlers, opts Options) *Manager {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.SwitchGrace < 0 {
		opts.SwitchGrace = 0
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if opts.After == nil {
		opts.After = timer.RealAfterFunc
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscriber: sub,
		handlers:   h,
		opts:       opts,
		logger:     logger,
		retries:    timer.NewGroup(opts.After),
		channels:   make(map[ChannelKind]*Channel),
	}
}

// ActiveRoom returns the room the active channel is bound to.
func (m *Manager) ActiveRoom() string { return m.active.Get() }

// Channel returns a copy of the current channel of kind, if any.
func (m *Manager) Channel(kind ChannelKind) (Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.channels[kind]
	if ch == nil {
		return Channel{}, false
	}
	c := *ch
	c.sub = nil
	return c, true
}

// StartGlobal opens the per-user channel.
func (m *Manager) StartGlobal(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("start global channel: empty user id")
	}
	old, err := m.detach(KindGlobal)
	if err != nil {
		return err
	}
	if old != nil {
		m.teardown(ctx, old)
	}
	return m.open(ctx, KindGlobal, backend.UserScope(userID), "", 0)
}

// SetActiveRoom binds the active channel to roomID. The previous channel is
// fully removed before the new one is created. An empty roomID only tears down.
func (m *Manager) SetActiveRoom(ctx context.Context, roomID string) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	if cur, ok := m.Channel(KindActive); ok && cur.RoomID == roomID &&
		(cur.State == ChannelSubscribed || cur.State == ChannelConnecting) {
		return nil
	}

	m.active.Set(roomID)
	old, err := m.detach(KindActive)
	if err != nil {
		return err
	}
	if old != nil {
		m.teardown(ctx, old)
	}
	if roomID == "" {
		m.refreshStatus()
		return nil
	}
	if old != nil && m.opts.SwitchGrace > 0 {
		if err := m.opts.Sleep(ctx, m.opts.SwitchGrace); err != nil {
			return err
		}
	}
	return m.open(ctx, KindActive, backend.RoomScope(roomID), roomID, 0)
}

// Reconnect reopens channels that gave up after their retry.
func (m *Manager) Reconnect(ctx context.Context) error {
	var reopen []Channel
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrChannelClosed
	}
	for _, ch := range m.channels {
		if ch.State == ChannelClosed {
			reopen = append(reopen, *ch)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, ch := range reopen {
		if err := m.open(ctx, ch.Kind, ch.Scope, ch.RoomID, 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close tears down both channels and cancels pending retries.
func (m *Manager) Close(ctx context.Context) error {
	m.retries.Close()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.gen++
	var old []*Channel
	for kind, ch := range m.channels {
		old = append(old, ch)
		delete(m.channels, kind)
	}
	m.mu.Unlock()

	m.active.Set("")
	for _, ch := range old {
		m.teardown(ctx, ch)
	}
	m.transition(status.Offline)
	return nil
}

// detach removes the channel of kind from the table so none of its callbacks
// are honoured any more.
func (m *Manager) detach(kind ChannelKind) (*Channel, error) {
	m.retries.Stop(string(kind))
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrChannelClosed
	}
	ch := m.channels[kind]
	delete(m.channels, kind)
	m.gen++
	return ch, nil
}

func (m *Manager) teardown(ctx context.Context, ch *Channel) {
	m.opts.Metrics.ChannelSubscribed(string(ch.Kind), false)
	if ch.sub == nil {
		return
	}
	if err := m.subscriber.Unsubscribe(ctx, ch.sub); err != nil {
		m.logger.Warn("unsubscribe failed",
			zap.String("channel", ch.Name),
			zap.Uint64("generation", ch.Generation),
			zap.Error(err),
		)
	}
}

func (m *Manager) open(ctx context.Context, kind ChannelKind, scope, roomID string, attempt int) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrChannelClosed
	}
	m.gen++
	ch := &Channel{
		Name:       scope + ":" + uuid.NewString(),
		Scope:      scope,
		Kind:       kind,
		RoomID:     roomID,
		State:      ChannelConnecting,
		Generation: m.gen,
		Attempt:    attempt,
	}
	m.channels[kind] = ch
	m.mu.Unlock()

	m.refreshStatus()
	return m.subscribe(ctx, ch)
}

func (m *Manager) subscribe(ctx context.Context, ch *Channel) error {
	kind, gen := ch.Kind, ch.Generation
	sctx, cancel := context.WithTimeout(ctx, m.opts.SubscribeTimeout)
	defer cancel()

	sub, err := m.subscriber.Subscribe(sctx, backend.SubscribeRequest{
		Name:     ch.Name,
		Scope:    ch.Scope,
		Filters:  filtersFor(kind),
		OnChange: func(c backend.Change) { m.dispatch(kind, gen, c) },
		OnStatus: func(s backend.SubscriptionStatus, err error) { m.onStatus(kind, gen, s, err) },
	})
	if err != nil {
		state := ChannelError
		if errors.Is(err, context.DeadlineExceeded) {
			state = ChannelTimedOut
		}
		m.fail(kind, gen, state, err)
		return &SubscribeError{Scope: ch.Scope, State: state, Err: err}
	}

	m.mu.Lock()
	cur := m.channels[kind]
	if cur == nil || cur.Generation != gen {
		m.mu.Unlock()
		// Replaced while subscribing.
		if uerr := m.subscriber.Unsubscribe(context.WithoutCancel(ctx), sub); uerr != nil {
			m.logger.Debug("unsubscribe replaced channel", zap.String("channel", ch.Name), zap.Error(uerr))
		}
		return nil
	}
	cur.sub = sub
	cur.State = ChannelSubscribed
	retried := cur.Attempt > 0
	cur.Attempt = 0
	roomID := cur.RoomID
	m.mu.Unlock()

	m.opts.Metrics.ChannelSubscribed(string(kind), true)
	m.logger.Info("channel subscribed",
		zap.String("channel", ch.Name),
		zap.String("scope", ch.Scope),
		zap.Uint64("generation", gen),
	)
	m.refreshStatus()
	if retried && m.handlers.Resubscribed != nil {
		m.handlers.Resubscribed(kind, roomID)
	}
	return nil
}

func (m *Manager) onStatus(kind ChannelKind, gen uint64, s backend.SubscriptionStatus, err error) {
	switch s {
	case backend.StatusSubscribed:
		return
	case backend.StatusTimedOut:
		m.fail(kind, gen, ChannelTimedOut, err)
	default:
		if err == nil {
			err = fmt.Errorf("channel %s", s)
		}
		m.fail(kind, gen, ChannelError, err)
	}
}

// fail handles an Error or TimedOut channel: the first failure schedules one
// retry, a failure of the retry closes the channel and degrades connectivity.
func (m *Manager) fail(kind ChannelKind, gen uint64, state ChannelState, cause error) {
	m.mu.Lock()
	ch := m.channels[kind]
	if ch == nil || ch.Generation != gen || ch.State == ChannelClosed {
		m.mu.Unlock()
		m.opts.Metrics.StaleCallback(string(kind))
		return
	}
	sub := ch.sub
	ch.sub = nil
	giveUp := ch.Attempt >= 1
	if giveUp {
		ch.State = ChannelClosed
	} else {
		ch.State = state
	}
	c := *ch
	m.mu.Unlock()

	m.opts.Metrics.ChannelSubscribed(string(kind), false)
	if sub != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.SubscribeTimeout)
			defer cancel()
			_ = m.subscriber.Unsubscribe(ctx, sub)
		}()
	}

	fields := []zap.Field{
		zap.String("channel", c.Name),
		zap.String("scope", c.Scope),
		zap.Uint64("generation", c.Generation),
		zap.String("state", string(state)),
		zap.Error(cause),
	}
	if giveUp {
		m.logger.Warn("channel retry failed, giving up", fields...)
		m.refreshStatus()
		return
	}
	m.logger.Warn("channel failed, retrying once", append(fields, zap.Duration("delay", m.opts.RetryDelay))...)
	m.refreshStatus()
	m.retries.Reset(string(kind), m.opts.RetryDelay, func() { m.retry(kind, gen) })
}

func (m *Manager) retry(kind ChannelKind, gen uint64) {
	m.mu.Lock()
	ch := m.channels[kind]
	if m.closed || ch == nil || ch.Generation != gen {
		m.mu.Unlock()
		return
	}
	c := *ch
	m.mu.Unlock()

	m.opts.Metrics.ChannelRetry(string(kind))
	if err := m.open(context.Background(), kind, c.Scope, c.RoomID, c.Attempt+1); err != nil {
		m.logger.Debug("channel retry", zap.String("scope", c.Scope), zap.Error(err))
	}
}

func (m *Manager) dispatch(kind ChannelKind, gen uint64, c backend.Change) {
	m.mu.Lock()
	ch := m.channels[kind]
	live := ch != nil && ch.Generation == gen && ch.State != ChannelClosed
	var roomID string
	if live {
		roomID = ch.RoomID
	}
	m.mu.Unlock()
	if !live {
		m.opts.Metrics.StaleCallback(string(kind))
		m.logger.Debug("dropping stale callback",
			zap.String("kind", string(kind)),
			zap.Uint64("generation", gen),
		)
		return
	}

	ev, err := Narrow(c)
	if err != nil {
		m.logger.Warn("dropping push event", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	if kind == KindActive {
		m.routeActive(roomID, ev)
	} else {
		m.routeGlobal(ev)
	}
}

func (m *Manager) routeActive(roomID string, ev Event) {
	if ev.RoomID != "" && ev.RoomID != roomID {
		return
	}
	h := m.handlers
	switch ev.Resource {
	case backend.ResourceMessages:
		if ev.Op == backend.OpInsert {
			if h.MessageInserted != nil {
				h.MessageInserted(*ev.Message)
			}
			return
		}
		if h.MessageUpdated != nil {
			h.MessageUpdated(ev.Message.ID, *ev.Patch)
		}
	case backend.ResourceReactions:
		if h.ReactionChanged != nil {
			h.ReactionChanged(ev.Reaction.MessageID)
		}
	case backend.ResourceTyping:
		if h.TypingChanged != nil {
			h.TypingChanged(roomID)
		}
	}
}

func (m *Manager) routeGlobal(ev Event) {
	h := m.handlers
	switch ev.Resource {
	case backend.ResourceMessages:
		// The active channel owns its room.
		if ev.RoomID == m.active.Get() {
			return
		}
		switch ev.Op {
		case backend.OpInsert:
			if h.BackgroundMessage != nil {
				h.BackgroundMessage(*ev.Message)
			}
		case backend.OpUpdate:
			if h.BackgroundUpdate != nil {
				h.BackgroundUpdate(*ev.Message)
			}
		}
	case backend.ResourceMemberships, backend.ResourceRooms, backend.ResourceInvitations:
		if h.RoomsChanged != nil {
			h.RoomsChanged()
		}
	}
}

// refreshStatus derives session connectivity from both channels.
func (m *Manager) refreshStatus() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	var connecting, retrying, degraded, present bool
	for _, ch := range m.channels {
		present = true
		switch ch.State {
		case ChannelClosed:
			degraded = true
		case ChannelError, ChannelTimedOut:
			retrying = true
		case ChannelConnecting:
			if ch.Attempt > 0 {
				retrying = true
			} else {
				connecting = true
			}
		}
	}
	m.mu.Unlock()

	switch {
	case !present:
		m.transition(status.Offline)
	case degraded:
		m.transition(status.Degraded)
	case retrying:
		m.transition(status.Reconnecting)
	case connecting:
		m.transition(status.Connecting)
	default:
		m.transition(status.Online)
	}
}

func (m *Manager) transition(to status.State) {
	if m.opts.Status == nil {
		return
	}
	if err := m.opts.Status.Transition(to); err != nil {
		m.logger.Debug("connectivity transition", zap.Error(err))
	}
}

func filtersFor(kind ChannelKind) []backend.Filter {
	if kind == KindActive {
		return []backend.Filter{
			{Resource: backend.ResourceMessages},
			{Resource: backend.ResourceReactions},
			{Resource: backend.ResourceTyping},
		}
	}
	return []backend.Filter{
		{Resource: backend.ResourceMessages, Ops: []backend.Op{backend.OpInsert, backend.OpUpdate}},
		{Resource: backend.ResourceMemberships},
		{Resource: backend.ResourceRooms},
		{Resource: backend.ResourceInvitations},
	}
}

// MatchAny reports whether c passes at least one filter. No filters match all.
func MatchAny(filters []backend.Filter, c backend.Change) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Matches(c) {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry is the single source of truth for which room is active. Both
// channels consult it.
type Registry struct {
	mu sync.RWMutex
	id string
}

// Get returns the active room id.
func (r *Registry) Get() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

// Set replaces the active room id.
func (r *Registry) Set(id string) {
	r.mu.Lock()
	r.id = id
	r.mu.Unlock()
}
