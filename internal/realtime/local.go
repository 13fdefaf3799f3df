package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/bus"
)

// Membership answers whether a user belongs to a room. The store implements it.
type Membership interface {
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

const localBuffer = 1024

// ErrFeedOverflow is reported through OnStatus when a subscription fell
// behind and the bus dropped a change addressed to it.
var ErrFeedOverflow = errors.New("change feed overflowed")

// LocalSubscriber implements backend.Subscriber over the in-process bus the
// store publishes its change feed on.
type LocalSubscriber struct {
	bus     *bus.Bus
	members Membership
	logger  *zap.Logger
	buffer  int

	mu   sync.Mutex
	subs map[string]func()
}

// NewLocalSubscriber creates a subscriber. members may be nil, in which case
// user scopes only see changes addressed to that user.
func NewLocalSubscriber(b *bus.Bus, members Membership, logger *zap.Logger) *LocalSubscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalSubscriber{
		bus:     b,
		members: members,
		logger:  logger,
		buffer:  localBuffer,
		subs:    make(map[string]func()),
	}
}

type localSubscription struct{ name string }

func (s localSubscription) Name() string { return s.name }

// Subscribe starts delivering matching changes to req.OnChange.
func (l *LocalSubscriber) Subscribe(ctx context.Context, req backend.SubscribeRequest) (backend.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kind, id, err := backend.ParseScope(req.Scope)
	if err != nil {
		return nil, err
	}
	if req.OnChange == nil {
		return nil, fmt.Errorf("subscribe %s: nil change handler", req.Name)
	}

	l.mu.Lock()
	if _, dup := l.subs[req.Name]; dup {
		l.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: name already in use", req.Name)
	}
	// A lost change cannot be replayed from the bus, so the first drop fails
	// the subscription and the owner resubscribes and catches up.
	var overflowed atomic.Bool
	onDrop := func(evt bus.Event) {
		c, ok := evt.Payload.(backend.Change)
		if !ok || !MatchAny(req.Filters, c) || (kind == "room" && c.RoomID != id) {
			return
		}
		if !overflowed.CompareAndSwap(false, true) {
			return
		}
		l.logger.Warn("change feed overflowed",
			zap.String("channel", req.Name),
			zap.String("scope", req.Scope),
		)
		if req.OnStatus != nil {
			go req.OnStatus(backend.StatusError, ErrFeedOverflow)
		}
	}
	stop := l.bus.SubscribeFunc(bus.NamespaceChange, l.buffer, func(evt bus.Event) {
		c, ok := evt.Payload.(backend.Change)
		if !ok || !MatchAny(req.Filters, c) || !l.inScope(kind, id, c) {
			return
		}
		req.OnChange(c)
	}, bus.OnDrop(onDrop))
	l.subs[req.Name] = stop
	l.mu.Unlock()

	if req.OnStatus != nil {
		req.OnStatus(backend.StatusSubscribed, nil)
	}
	return localSubscription{name: req.Name}, nil
}

// Unsubscribe stops delivery and waits for an in-flight callback to return.
func (l *LocalSubscriber) Unsubscribe(_ context.Context, sub backend.Subscription) error {
	l.mu.Lock()
	stop, ok := l.subs[sub.Name()]
	delete(l.subs, sub.Name())
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("unsubscribe %s: %w", sub.Name(), ErrChannelClosed)
	}
	stop()
	return nil
}

// Active returns the number of open subscriptions.
func (l *LocalSubscriber) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

func (l *LocalSubscriber) inScope(kind, id string, c backend.Change) bool {
	if kind == "room" {
		return c.RoomID == id
	}
	if c.UserID == id && (c.Resource == backend.ResourceMemberships || c.Resource == backend.ResourceInvitations) {
		return true
	}
	if c.RoomID == "" || l.members == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := l.members.IsMember(ctx, c.RoomID, id)
	if err != nil {
		l.logger.Warn("membership lookup failed",
			zap.String("room_id", c.RoomID),
			zap.String("user_id", id),
			zap.Error(err),
		)
		return false
	}
	return ok
}
