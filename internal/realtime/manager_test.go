package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/bus"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/status"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/timer"
)

type fakeSub struct{ name string }

func (s fakeSub) Name() string { return s.name }

type fakeSubscriber struct {
	mu      sync.Mutex
	reqs    []backend.SubscribeRequest
	live    map[string]backend.SubscribeRequest
	removed []string
	errs    []error // consumed per Subscribe call; nil entries succeed
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{live: make(map[string]backend.SubscribeRequest)}
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, req backend.SubscribeRequest) (backend.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.live[req.Name] = req
	return fakeSub{name: req.Name}, nil
}

func (f *fakeSubscriber) Unsubscribe(ctx context.Context, sub backend.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, sub.Name())
	f.removed = append(f.removed, sub.Name())
	return nil
}

// request returns the i-th subscribe request.
func (f *fakeSubscriber) request(t *testing.T, i int) backend.SubscribeRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.reqs) {
		t.Fatalf("only %d subscribe calls, want > %d", len(f.reqs), i)
	}
	return f.reqs[i]
}

func (f *fakeSubscriber) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeSubscriber) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func messageChange(op backend.Op, roomID, id, content string) backend.Change {
	rec, _ := json.Marshal(model.Message{
		ID:        id,
		RoomID:    roomID,
		AuthorID:  "u2",
		Content:   &content,
		Kind:      model.KindText,
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	return backend.Change{Op: op, Resource: backend.ResourceMessages, RoomID: roomID, Record: rec}
}

type recorder struct {
	mu          sync.Mutex
	inserted    []string
	updated     []string
	reactions   []string
	typing      []string
	background  []string
	bgUpdates   []string
	rooms       int
	resubscribe []ChannelKind
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		MessageInserted: func(m model.Message) { r.add(&r.inserted, m.ID) },
		MessageUpdated:  func(id string, _ model.MessagePatch) { r.add(&r.updated, id) },
		ReactionChanged: func(id string) { r.add(&r.reactions, id) },
		TypingChanged:   func(room string) { r.add(&r.typing, room) },
		BackgroundMessage: func(m model.Message) {
			r.add(&r.background, m.ID)
		},
		BackgroundUpdate: func(m model.Message) { r.add(&r.bgUpdates, m.ID) },
		RoomsChanged: func() {
			r.mu.Lock()
			r.rooms++
			r.mu.Unlock()
		},
		Resubscribed: func(kind ChannelKind, _ string) {
			r.mu.Lock()
			r.resubscribe = append(r.resubscribe, kind)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) add(dst *[]string, v string) {
	r.mu.Lock()
	*dst = append(*dst, v)
	r.mu.Unlock()
}

func newTestManager(sub backend.Subscriber, rec *recorder, clock *timer.Manual, sm *status.Machine) *Manager {
	return NewManager(sub, rec.handlers(), Options{
		RetryDelay:  2 * time.Second,
		SwitchGrace: 100 * time.Millisecond,
		After:       clock.AfterFunc,
		Sleep:       func(context.Context, time.Duration) error { return nil },
		Status:      sm,
	})
}

func TestSetActiveRoomTearsDownBeforeSubscribing(t *testing.T) {
	sub := newFakeSubscriber()
	rec := &recorder{}
	clock := timer.NewManual(time.Unix(0, 0))

	var order []string
	m := NewManager(sub, rec.handlers(), Options{
		After:       clock.AfterFunc,
		SwitchGrace: 100 * time.Millisecond,
		Sleep: func(context.Context, time.Duration) error {
			order = append(order, "grace")
			return nil
		},
	})
	ctx := context.Background()

	if err := m.SetActiveRoom(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	first := sub.request(t, 0)
	if err := m.SetActiveRoom(ctx, "B"); err != nil {
		t.Fatal(err)
	}
	second := sub.request(t, 1)

	if len(sub.removed) != 1 || sub.removed[0] != first.Name {
		t.Errorf("removed = %v, want [%s]", sub.removed, first.Name)
	}
	if len(order) != 1 {
		t.Errorf("grace sleeps = %d, want 1", len(order))
	}
	if sub.liveCount() != 1 {
		t.Errorf("live subscriptions = %d, want 1", sub.liveCount())
	}
	if first.Name == second.Name {
		t.Error("successive channels must have distinct names")
	}
	if !strings.HasPrefix(second.Name, backend.RoomScope("B")+":") {
		t.Errorf("channel name = %q, want room B scope prefix", second.Name)
	}
	if m.ActiveRoom() != "B" {
		t.Errorf("ActiveRoom = %q, want B", m.ActiveRoom())
	}
}

func TestSameRoomIsNoop(t *testing.T) {
	sub := newFakeSubscriber()
	m := newTestManager(sub, &recorder{}, timer.NewManual(time.Unix(0, 0)), nil)
	ctx := context.Background()
	_ = m.SetActiveRoom(ctx, "A")
	_ = m.SetActiveRoom(ctx, "A")
	if sub.calls() != 1 {
		t.Errorf("subscribe calls = %d, want 1", sub.calls())
	}
}

func TestStaleCallbackDropped(t *testing.T) {
	sub := newFakeSubscriber()
	rec := &recorder{}
	m := newTestManager(sub, rec, timer.NewManual(time.Unix(0, 0)), nil)
	ctx := context.Background()

	_ = m.SetActiveRoom(ctx, "A")
	oldReq := sub.request(t, 0)
	_ = m.SetActiveRoom(ctx, "B")

	// The old channel fires after the switch, even for the same room id.
	oldReq.OnChange(messageChange(backend.OpInsert, "A", "m1", "late"))
	oldReq.OnChange(messageChange(backend.OpInsert, "B", "m2", "late"))
	if len(rec.inserted) != 0 {
		t.Errorf("inserted = %v, want none from torn-down channel", rec.inserted)
	}

	sub.request(t, 1).OnChange(messageChange(backend.OpInsert, "B", "m3", "hi"))
	if len(rec.inserted) != 1 || rec.inserted[0] != "m3" {
		t.Errorf("inserted = %v, want [m3]", rec.inserted)
	}
}

func TestActiveRouting(t *testing.T) {
	sub := newFakeSubscriber()
	rec := &recorder{}
	m := newTestManager(sub, rec, timer.NewManual(time.Unix(0, 0)), nil)
	_ = m.SetActiveRoom(context.Background(), "A")
	req := sub.request(t, 0)

	req.OnChange(messageChange(backend.OpInsert, "A", "m1", "hi"))
	req.OnChange(messageChange(backend.OpUpdate, "A", "m1", "edited"))
	req.OnChange(messageChange(backend.OpDelete, "A", "m1", ""))
	react, _ := json.Marshal(model.ReactionRow{MessageID: "m1", UserID: "u2", Emoji: "👍"})
	req.OnChange(backend.Change{Op: backend.OpInsert, Resource: backend.ResourceReactions, RoomID: "A", Record: react})
	req.OnChange(backend.Change{Op: backend.OpDelete, Resource: backend.ResourceReactions, RoomID: "A", Old: react})
	typing, _ := json.Marshal(model.TypingIndicator{RoomID: "A", UserID: "u2"})
	req.OnChange(backend.Change{Op: backend.OpInsert, Resource: backend.ResourceTyping, RoomID: "A", Record: typing})
	// Out of scope and malformed events are dropped.
	req.OnChange(messageChange(backend.OpInsert, "Z", "mz", "other"))
	req.OnChange(backend.Change{Op: backend.OpInsert, Resource: backend.ResourceMessages, RoomID: "A", Record: json.RawMessage(`{"id":`)})

	if got := strings.Join(rec.inserted, ","); got != "m1" {
		t.Errorf("inserted = %s, want m1", got)
	}
	if got := strings.Join(rec.updated, ","); got != "m1,m1" {
		t.Errorf("updated = %s, want m1,m1", got)
	}
	if got := strings.Join(rec.reactions, ","); got != "m1,m1" {
		t.Errorf("reactions = %s, want m1,m1", got)
	}
	if got := strings.Join(rec.typing, ","); got != "A" {
		t.Errorf("typing = %s, want A", got)
	}
}

func TestGlobalSkipsActiveRoom(t *testing.T) {
	sub := newFakeSubscriber()
	rec := &recorder{}
	m := newTestManager(sub, rec, timer.NewManual(time.Unix(0, 0)), nil)
	ctx := context.Background()

	if err := m.StartGlobal(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	global := sub.request(t, 0)
	_ = m.SetActiveRoom(ctx, "A")

	global.OnChange(messageChange(backend.OpInsert, "A", "m1", "active"))
	global.OnChange(messageChange(backend.OpInsert, "B", "m2", "background"))
	global.OnChange(messageChange(backend.OpUpdate, "B", "m2", "edited"))
	global.OnChange(backend.Change{Op: backend.OpInsert, Resource: backend.ResourceMemberships, RoomID: "C", UserID: "u1", Record: json.RawMessage(`{"room_id":"C","user_id":"u1"}`)})
	global.OnChange(backend.Change{Op: backend.OpUpdate, Resource: backend.ResourceRooms, RoomID: "B", Record: json.RawMessage(`{"room_id":"B"}`)})

	if len(rec.inserted) != 0 {
		t.Errorf("global channel inserted into the active room: %v", rec.inserted)
	}
	if got := strings.Join(rec.background, ","); got != "m2" {
		t.Errorf("background = %s, want m2", got)
	}
	if got := strings.Join(rec.bgUpdates, ","); got != "m2" {
		t.Errorf("background updates = %s, want m2", got)
	}
	if rec.rooms != 2 {
		t.Errorf("room refreshes = %d, want 2", rec.rooms)
	}
}

func TestSingleRetryThenDegraded(t *testing.T) {
	sub := newFakeSubscriber()
	boom := errors.New("boom")
	sub.errs = []error{boom, boom}
	clock := timer.NewManual(time.Unix(0, 0))
	sm := status.NewMachine(nil)
	m := newTestManager(sub, &recorder{}, clock, sm)

	err := m.SetActiveRoom(context.Background(), "A")
	var se *SubscribeError
	if !errors.As(err, &se) || se.State != ChannelError {
		t.Fatalf("SetActiveRoom error = %v, want SubscribeError in error state", err)
	}
	if sm.Current() != status.Reconnecting {
		t.Errorf("connectivity = %s, want RECONNECTING", sm.Current())
	}

	clock.Advance(1 * time.Second)
	if sub.calls() != 1 {
		t.Fatalf("retried before the delay: %d calls", sub.calls())
	}
	clock.Advance(1 * time.Second)
	if sub.calls() != 2 {
		t.Fatalf("subscribe calls = %d, want 2 after retry delay", sub.calls())
	}
	ch, _ := m.Channel(KindActive)
	if ch.State != ChannelClosed {
		t.Errorf("channel state = %s, want closed", ch.State)
	}
	if sm.Current() != status.Degraded {
		t.Errorf("connectivity = %s, want DEGRADED", sm.Current())
	}

	// No unbounded retry loop.
	clock.Advance(time.Minute)
	if sub.calls() != 2 {
		t.Errorf("subscribe calls = %d, want 2", sub.calls())
	}

	// Manual reconnect brings it back.
	if err := m.Reconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sm.Current() != status.Online {
		t.Errorf("connectivity = %s, want ONLINE", sm.Current())
	}
}

func TestRetrySucceedsAndResubscribes(t *testing.T) {
	sub := newFakeSubscriber()
	rec := &recorder{}
	clock := timer.NewManual(time.Unix(0, 0))
	sm := status.NewMachine(nil)
	m := newTestManager(sub, rec, clock, sm)

	_ = m.SetActiveRoom(context.Background(), "A")
	if sm.Current() != status.Online {
		t.Fatalf("connectivity = %s, want ONLINE", sm.Current())
	}

	// Transport reports a timeout on the live channel.
	first := sub.request(t, 0)
	first.OnStatus(backend.StatusTimedOut, nil)
	ch, _ := m.Channel(KindActive)
	if ch.State != ChannelTimedOut {
		t.Errorf("channel state = %s, want timed_out", ch.State)
	}

	clock.Advance(2 * time.Second)
	ch, _ = m.Channel(KindActive)
	if ch.State != ChannelSubscribed {
		t.Errorf("channel state = %s, want subscribed", ch.State)
	}
	if sm.Current() != status.Online {
		t.Errorf("connectivity = %s, want ONLINE", sm.Current())
	}
	if len(rec.resubscribe) != 1 || rec.resubscribe[0] != KindActive {
		t.Errorf("resubscribed = %v, want [active]", rec.resubscribe)
	}

	// Events on the failed attempt are now stale.
	first.OnChange(messageChange(backend.OpInsert, "A", "m1", "late"))
	if len(rec.inserted) != 0 {
		t.Errorf("inserted = %v, want none", rec.inserted)
	}
}

func TestSwitchCancelsPendingRetry(t *testing.T) {
	sub := newFakeSubscriber()
	sub.errs = []error{errors.New("boom")}
	clock := timer.NewManual(time.Unix(0, 0))
	m := newTestManager(sub, &recorder{}, clock, nil)
	ctx := context.Background()

	_ = m.SetActiveRoom(ctx, "A")
	if err := m.SetActiveRoom(ctx, "B"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	if sub.calls() != 2 {
		t.Errorf("subscribe calls = %d, want 2 (no retry for A)", sub.calls())
	}
	ch, _ := m.Channel(KindActive)
	if ch.RoomID != "B" || ch.State != ChannelSubscribed {
		t.Errorf("channel = %+v, want subscribed to B", ch)
	}
}

func TestTimeoutMapsToTimedOut(t *testing.T) {
	sub := newFakeSubscriber()
	sub.errs = []error{context.DeadlineExceeded}
	m := newTestManager(sub, &recorder{}, timer.NewManual(time.Unix(0, 0)), nil)
	err := m.SetActiveRoom(context.Background(), "A")
	var se *SubscribeError
	if !errors.As(err, &se) || se.State != ChannelTimedOut {
		t.Errorf("error = %v, want timed out SubscribeError", err)
	}
}

func TestCloseTearsDownEverything(t *testing.T) {
	sub := newFakeSubscriber()
	sub.errs = []error{nil, errors.New("boom")}
	clock := timer.NewManual(time.Unix(0, 0))
	sm := status.NewMachine(nil)
	m := newTestManager(sub, &recorder{}, clock, sm)
	ctx := context.Background()

	_ = m.StartGlobal(ctx, "u1")
	_ = m.SetActiveRoom(ctx, "A")
	if err := m.Close(ctx); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	if sub.calls() != 2 {
		t.Errorf("subscribe calls = %d, want 2 (retry cancelled)", sub.calls())
	}
	if sub.liveCount() != 0 {
		t.Errorf("live subscriptions = %d, want 0", sub.liveCount())
	}
	if sm.Current() != status.Offline {
		t.Errorf("connectivity = %s, want OFFLINE", sm.Current())
	}
	if err := m.SetActiveRoom(ctx, "B"); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("SetActiveRoom after Close = %v, want ErrChannelClosed", err)
	}
}

func TestLocalSubscriberScopes(t *testing.T) {
	b := bus.New()
	members := memberSet{"B": {"u1"}}
	l := NewLocalSubscriber(b, members, nil)
	ctx := context.Background()

	roomCh := make(chan backend.Change, 10)
	userCh := make(chan backend.Change, 10)
	var statuses []backend.SubscriptionStatus
	roomSub, err := l.Subscribe(ctx, backend.SubscribeRequest{
		Name:     "room",
		Scope:    backend.RoomScope("A"),
		Filters:  filtersFor(KindActive),
		OnChange: func(c backend.Change) { roomCh <- c },
		OnStatus: func(s backend.SubscriptionStatus, _ error) { statuses = append(statuses, s) },
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = l.Subscribe(ctx, backend.SubscribeRequest{
		Name:     "user",
		Scope:    backend.UserScope("u1"),
		Filters:  filtersFor(KindGlobal),
		OnChange: func(c backend.Change) { userCh <- c },
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 || statuses[0] != backend.StatusSubscribed {
		t.Errorf("statuses = %v, want [SUBSCRIBED]", statuses)
	}

	publish := func(c backend.Change) {
		b.Publish(bus.Event{Kind: bus.ChangeKind(string(c.Resource), string(c.Op)), Payload: c})
	}
	publish(messageChange(backend.OpInsert, "A", "m1", "in A"))
	publish(messageChange(backend.OpInsert, "B", "m2", "in B"))
	publish(messageChange(backend.OpInsert, "C", "m3", "not a member"))
	publish(messageChange(backend.OpDelete, "B", "m2", ""))
	publish(backend.Change{Op: backend.OpInsert, Resource: backend.ResourceInvitations, RoomID: "D", UserID: "u1"})

	if got := <-roomCh; got.RoomID != "A" {
		t.Errorf("room channel got room %s, want A", got.RoomID)
	}
	if got := <-userCh; got.RoomID != "B" || got.Op != backend.OpInsert {
		t.Errorf("user channel got %s/%s, want B insert", got.RoomID, got.Op)
	}
	if got := <-userCh; got.Resource != backend.ResourceInvitations {
		t.Errorf("user channel got %s, want invitation", got.Resource)
	}
	select {
	case c := <-userCh:
		t.Errorf("unexpected change on user channel: %+v", c)
	case c := <-roomCh:
		t.Errorf("unexpected change on room channel: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}

	if err := l.Unsubscribe(ctx, roomSub); err != nil {
		t.Fatal(err)
	}
	if l.Active() != 1 {
		t.Errorf("active = %d, want 1", l.Active())
	}
	if err := l.Unsubscribe(ctx, roomSub); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("second unsubscribe = %v, want ErrChannelClosed", err)
	}
}

type memberSet map[string][]string

func (m memberSet) IsMember(_ context.Context, roomID, userID string) (bool, error) {
	for _, u := range m[roomID] {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLocalSubscriberReportsOverflow(t *testing.T) {
	b := bus.New()
	l := NewLocalSubscriber(b, nil, nil)
	l.buffer = 4

	release := make(chan struct{})
	var (
		mu        sync.Mutex
		delivered int
		statuses  []backend.SubscriptionStatus
		causes    []error
	)
	_, err := l.Subscribe(context.Background(), backend.SubscribeRequest{
		Name:    "room",
		Scope:   backend.RoomScope("A"),
		Filters: filtersFor(KindActive),
		OnChange: func(backend.Change) {
			mu.Lock()
			delivered++
			first := delivered == 1
			mu.Unlock()
			if first {
				<-release
			}
		},
		OnStatus: func(s backend.SubscriptionStatus, err error) {
			mu.Lock()
			statuses = append(statuses, s)
			causes = append(causes, err)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	publish := func(c backend.Change) {
		b.Publish(bus.Event{Kind: bus.ChangeKind(string(c.Resource), string(c.Op)), Payload: c})
	}
	publish(messageChange(backend.OpInsert, "A", "m0", "blocks"))
	waitUntil(t, "first delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	})
	// Changes of other rooms never count against this subscription.
	for i := 0; i < 20; i++ {
		publish(messageChange(backend.OpInsert, "B", "b", "elsewhere"))
	}
	for i := 0; i < 20; i++ {
		publish(messageChange(backend.OpInsert, "A", "m", "burst"))
	}
	close(release)

	waitUntil(t, "error status", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 2
	})
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 2 || statuses[1] != backend.StatusError || !errors.Is(causes[1], ErrFeedOverflow) {
		t.Errorf("statuses = %v causes = %v, want one overflow error after SUBSCRIBED", statuses, causes)
	}
}

func TestOverflowResubscribesAndCatchesUp(t *testing.T) {
	b := bus.New()
	l := NewLocalSubscriber(b, nil, nil)
	l.buffer = 4
	clock := timer.NewManual(time.Unix(0, 0))

	release := make(chan struct{})
	var once sync.Once
	entered := make(chan struct{})
	rec := &recorder{}
	h := rec.handlers()
	h.MessageInserted = func(m model.Message) {
		rec.add(&rec.inserted, m.ID)
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	m := NewManager(l, h, Options{
		RetryDelay: 2 * time.Second,
		After:      clock.AfterFunc,
		Sleep:      func(context.Context, time.Duration) error { return nil },
	})
	if err := m.SetActiveRoom(context.Background(), "A"); err != nil {
		t.Fatal(err)
	}

	publish := func(c backend.Change) {
		b.Publish(bus.Event{Kind: bus.ChangeKind(string(c.Resource), string(c.Op)), Payload: c})
	}
	publish(messageChange(backend.OpInsert, "A", "m0", "blocks"))
	<-entered
	for i := 1; i <= 10; i++ {
		publish(messageChange(backend.OpInsert, "A", "m", "burst"))
	}
	close(release)

	waitUntil(t, "retry scheduled", func() bool { return m.retries.Pending(string(KindActive)) })
	clock.Advance(2 * time.Second)

	ch, _ := m.Channel(KindActive)
	if ch.State != ChannelSubscribed {
		t.Errorf("channel state = %s, want subscribed", ch.State)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.resubscribe) != 1 || rec.resubscribe[0] != KindActive {
		t.Errorf("resubscribed = %v, want [active] so the room is caught up", rec.resubscribe)
	}
	if l.Active() != 1 {
		t.Errorf("local subscriptions = %d, want 1", l.Active())
	}
}
