package sync

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/bus"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/realtime"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/status"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/store"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/typing"
)

func testDB(t *testing.T, b *bus.Bus) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db.WithFeed(b)
}

type harness struct {
	db     *store.DB
	bus    *bus.Bus
	engine *Engine
	room   store.Room
	other  store.Room
}

// failingStore fails the next fails inserts.
type failingStore struct {
	*store.DB
	mu    stdsync.Mutex
	fails int
}

func (f *failingStore) InsertMessage(ctx context.Context, m backend.NewMessage) (model.Message, error) {
	f.mu.Lock()
	fail := f.fails > 0
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		return model.Message{}, errors.New("network down")
	}
	return f.DB.InsertMessage(ctx, m)
}

func newHarness(t *testing.T, failInserts int) *harness {
	t.Helper()
	return newHarnessWith(t, failInserts, nil)
}

// newHarnessWith lets a test wrap the change-feed subscriber.
func newHarnessWith(t *testing.T, failInserts int, wrap func(backend.Subscriber) backend.Subscriber) *harness {
	t.Helper()
	b := bus.New()
	db := testDB(t, b)
	ctx := context.Background()
	for _, u := range []store.User{{ID: "me", DisplayName: "Me"}, {ID: "bob", DisplayName: "Bob"}} {
		if err := db.UpsertUser(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	room, err := db.CreateRoom(ctx, "general", "me")
	if err != nil {
		t.Fatal(err)
	}
	other, err := db.CreateRoom(ctx, "random", "me")
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range []string{room.ID, other.ID} {
		if err := db.AddMember(ctx, r, "bob"); err != nil {
			t.Fatal(err)
		}
	}

	fs := &failingStore{DB: db, fails: failInserts}
	var sub backend.Subscriber = realtime.NewLocalSubscriber(b, db, nil)
	if wrap != nil {
		sub = wrap(sub)
	}
	e := NewEngine(fs, sub, Options{
		User:           model.Author{ID: "me", DisplayName: "Me"},
		PageSize:       20,
		TypingDebounce: 5 * time.Millisecond,
		TypingTTL:      time.Minute,
		RetryDelay:     10 * time.Millisecond,
		SwitchGrace:    time.Millisecond,
		RoomList:       store.NewRoomList(db, b, nil),
		Bus:            b,
	})
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return &harness{db: db, bus: b, engine: e, room: room, other: other}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEngineSendReconcilesOnce(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	if err := h.engine.SetActiveRoom(ctx, h.room.ID); err != nil {
		t.Fatal(err)
	}

	tempID, err := h.engine.SendMessage(ctx, h.room.ID, "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if !model.IsTemp(tempID) {
		t.Errorf("returned id %q is not a temp id", tempID)
	}

	// Give the push echo time to arrive; it must not add a second copy.
	time.Sleep(50 * time.Millisecond)
	snap := h.engine.Snapshot()
	if len(snap.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(snap.Messages))
	}
	m := snap.Messages[0]
	if model.IsTemp(m.ID) || m.Status != model.StatusConfirmed || m.Text() != "hello" {
		t.Errorf("message = %+v, want confirmed server copy", m)
	}
	if snap.SendingMessageID != "" {
		t.Errorf("sending id = %q after reconcile", snap.SendingMessageID)
	}
	if snap.Connectivity != status.Online {
		t.Errorf("connectivity = %s, want ONLINE", snap.Connectivity)
	}
}

func TestEngineSendRejectsEmpty(t *testing.T) {
	h := newHarness(t, 0)
	if _, err := h.engine.SendMessage(context.Background(), h.room.ID, "  \n", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestEngineRemoteMessagesAndSwitch(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	if err := h.engine.SetActiveRoom(ctx, h.room.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := h.db.InsertMessage(ctx, backend.NewMessage{RoomID: h.room.ID, AuthorID: "bob", Content: "hi there"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "remote message in active room", func() bool {
		return len(h.engine.Snapshot().Messages) == 1
	})

	// A message in a background room updates its summary, not the cache.
	bg, err := h.db.InsertMessage(ctx, backend.NewMessage{RoomID: h.other.ID, AuthorID: "bob", Content: "psst"})
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "background summary", func() bool {
		r, err := h.db.GetRoom(ctx, h.other.ID)
		return err == nil && r.LastMessage == "psst" && r.LastMessageAt.Equal(bg.CreatedAt)
	})
	if n := len(h.engine.Snapshot().Messages); n != 1 {
		t.Errorf("active cache has %d messages, want 1", n)
	}

	if err := h.engine.SetActiveRoom(ctx, h.other.ID); err != nil {
		t.Fatal(err)
	}
	snap := h.engine.Snapshot()
	if snap.RoomID != h.other.ID || len(snap.Messages) != 1 || snap.Messages[0].Text() != "psst" {
		t.Errorf("after switch: room=%s messages=%+v", snap.RoomID, snap.Messages)
	}

	// The previous room no longer feeds the cache.
	if _, err := h.db.InsertMessage(ctx, backend.NewMessage{RoomID: h.room.ID, AuthorID: "bob", Content: "late"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	for _, m := range h.engine.Snapshot().Messages {
		if m.RoomID != h.other.ID {
			t.Errorf("message from %s leaked into %s", m.RoomID, h.other.ID)
		}
	}

	var active int
	for _, ch := range snap.Channels {
		if ch.Kind == realtime.KindActive {
			active++
			if ch.RoomID != h.other.ID {
				t.Errorf("active channel room = %s", ch.RoomID)
			}
		}
	}
	if active != 1 {
		t.Errorf("active channels = %d, want 1", active)
	}
}

func TestEngineFailedSendRetry(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	if err := h.engine.SetActiveRoom(ctx, h.room.ID); err != nil {
		t.Fatal(err)
	}

	tempID, err := h.engine.SendMessage(ctx, h.room.ID, "flaky", "")
	if err == nil {
		t.Fatal("expected send error")
	}
	snap := h.engine.Snapshot()
	if len(snap.FailedMessageIDs) != 1 || snap.FailedMessageIDs[0] != tempID {
		t.Fatalf("failed ids = %v, want [%s]", snap.FailedMessageIDs, tempID)
	}
	if snap.Messages[0].Status != model.StatusFailed {
		t.Errorf("status = %s, want failed", snap.Messages[0].Status)
	}

	if err := h.engine.RetryFailedMessage(ctx, tempID); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	snap = h.engine.Snapshot()
	if len(snap.FailedMessageIDs) != 0 || len(snap.Messages) != 1 || model.IsTemp(snap.Messages[0].ID) {
		t.Errorf("after retry: failed=%v messages=%+v", snap.FailedMessageIDs, snap.Messages)
	}
}

func TestEngineDiscardFailed(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	if err := h.engine.SetActiveRoom(ctx, h.room.ID); err != nil {
		t.Fatal(err)
	}
	tempID, _ := h.engine.SendMessage(ctx, h.room.ID, "gone", "")
	if err := h.engine.RemoveFailedMessage(tempID); err != nil {
		t.Fatal(err)
	}
	snap := h.engine.Snapshot()
	if len(snap.Messages) != 0 || len(snap.FailedMessageIDs) != 0 {
		t.Errorf("after discard: %+v", snap)
	}
}

func TestEngineReactions(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	if err := h.engine.SetActiveRoom(ctx, h.room.ID); err != nil {
		t.Fatal(err)
	}
	m, err := h.db.InsertMessage(ctx, backend.NewMessage{RoomID: h.room.ID, AuthorID: "bob", Content: "lunch?"})
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "message", func() bool { return len(h.engine.Snapshot().Messages) == 1 })

	if err := h.engine.AddReaction(ctx, m.ID, "👍"); err != nil {
		t.Fatal(err)
	}
	if err := h.db.UpsertReaction(ctx, m.ID, "bob", "👍"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "two thumbs", func() bool {
		rs := h.engine.Snapshot().Messages[0].Reactions
		return len(rs) == 1 && rs[0].Count == 2
	})

	if err := h.engine.RemoveReaction(ctx, m.ID, "👍"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "one thumb", func() bool {
		rs := h.engine.Snapshot().Messages[0].Reactions
		return len(rs) == 1 && rs[0].Count == 1 && rs[0].UserIDs[0] == "bob"
	})
}

func TestEngineEditAndDelete(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	if err := h.engine.SetActiveRoom(ctx, h.room.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.SendMessage(ctx, h.room.ID, "tpyo", ""); err != nil {
		t.Fatal(err)
	}
	id := h.engine.Snapshot().Messages[0].ID

	if err := h.engine.EditMessage(ctx, id, "typo"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "edit", func() bool { return h.engine.Snapshot().Messages[0].Text() == "typo" })

	if err := h.engine.DeleteMessage(ctx, id); err != nil {
		t.Fatal(err)
	}
	eventually(t, "delete", func() bool {
		msgs := h.engine.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].Deleted
	})
}

func TestEngineTyping(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	if err := h.engine.SetActiveRoom(ctx, h.room.ID); err != nil {
		t.Fatal(err)
	}

	if err := h.db.UpsertTypingIndicator(ctx, h.room.ID, "bob", time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	eventually(t, "bob typing", func() bool {
		u := h.engine.Snapshot().TypingUsers
		return len(u) == 1 && u[0].UserID == "bob" && u[0].DisplayName == "Bob"
	})

	h.engine.StartTyping(h.room.ID)
	eventually(t, "own indicator stored", func() bool {
		rows, _ := h.db.FetchTypingIndicators(ctx, h.room.ID, "bob")
		return len(rows) == 1 && rows[0].UserID == "me"
	})
	if p := h.engine.TypingPhase(h.room.ID); p != typing.Active {
		t.Errorf("phase = %s, want ACTIVE", p)
	}

	// Sending clears the local signal.
	if _, err := h.engine.SendMessage(ctx, h.room.ID, "done", ""); err != nil {
		t.Fatal(err)
	}
	if p := h.engine.TypingPhase(h.room.ID); p != typing.Idle {
		t.Errorf("phase after send = %s, want IDLE", p)
	}
	rows, _ := h.db.FetchTypingIndicators(ctx, h.room.ID, "bob")
	if len(rows) != 0 {
		t.Errorf("own indicator still stored: %+v", rows)
	}

	if err := h.db.DeleteTypingIndicator(ctx, h.room.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "bob stopped", func() bool { return len(h.engine.Snapshot().TypingUsers) == 0 })
}

func TestEngineLoadMore(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		if _, err := h.db.InsertMessage(ctx, backend.NewMessage{RoomID: h.room.ID, AuthorID: "bob", Content: "m"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.engine.SetActiveRoom(ctx, h.room.ID); err != nil {
		t.Fatal(err)
	}
	snap := h.engine.Snapshot()
	if len(snap.Messages) != 20 || !snap.HasMore {
		t.Fatalf("first page = %d (has_more=%v), want 20", len(snap.Messages), snap.HasMore)
	}
	if err := h.engine.LoadMoreMessages(ctx); err != nil {
		t.Fatal(err)
	}
	snap = h.engine.Snapshot()
	if len(snap.Messages) != 25 || snap.HasMore {
		t.Errorf("after load more = %d (has_more=%v), want 25", len(snap.Messages), snap.HasMore)
	}
	seen := make(map[string]bool)
	for _, m := range snap.Messages {
		if seen[m.ID] {
			t.Errorf("duplicate %s", m.ID)
		}
		seen[m.ID] = true
	}
}

// flakySubscriber remembers room subscriptions and can refuse the next few.
type flakySubscriber struct {
	backend.Subscriber
	mu    stdsync.Mutex
	fails int
	room  backend.SubscribeRequest
}

func (f *flakySubscriber) Subscribe(ctx context.Context, req backend.SubscribeRequest) (backend.Subscription, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	if strings.HasPrefix(req.Scope, backend.RoomScope("")) {
		f.room = req
	}
	f.mu.Unlock()
	return f.Subscriber.Subscribe(ctx, req)
}

func (f *flakySubscriber) breakRoom(fails int) {
	f.mu.Lock()
	f.fails = fails
	req := f.room
	f.mu.Unlock()
	req.OnStatus(backend.StatusError, errors.New("connection reset"))
}

func TestEngineReopensClosedActiveRoom(t *testing.T) {
	flaky := &flakySubscriber{}
	h := newHarnessWith(t, 0, func(s backend.Subscriber) backend.Subscriber {
		flaky.Subscriber = s
		return flaky
	})
	ctx := context.Background()
	if err := h.engine.SetActiveRoom(ctx, h.room.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.db.InsertMessage(ctx, backend.NewMessage{RoomID: h.room.ID, AuthorID: "bob", Content: "before"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "first message", func() bool { return len(h.engine.Snapshot().Messages) == 1 })

	// The drop and its single retry both fail, so the channel gives up.
	flaky.breakRoom(1)
	eventually(t, "active channel closed", func() bool {
		ch, ok := h.engine.channels.Channel(realtime.KindActive)
		return ok && ch.State == realtime.ChannelClosed
	})
	if _, err := h.db.InsertMessage(ctx, backend.NewMessage{RoomID: h.room.ID, AuthorID: "bob", Content: "missed"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(h.engine.Snapshot().Messages); n != 1 {
		t.Fatalf("closed channel delivered messages: %d", n)
	}

	if err := h.engine.SetActiveRoom(ctx, h.room.ID); err != nil {
		t.Fatal(err)
	}
	ch, ok := h.engine.channels.Channel(realtime.KindActive)
	if !ok || ch.State != realtime.ChannelSubscribed || ch.RoomID != h.room.ID {
		t.Fatalf("active channel = %+v, want subscribed to %s", ch, h.room.ID)
	}
	snap := h.engine.Snapshot()
	if len(snap.Messages) != 2 || snap.Messages[0].Text() != "before" || snap.Messages[1].Text() != "missed" {
		t.Fatalf("messages after reopen = %+v", snap.Messages)
	}

	// Live again: new messages flow without another switch.
	if _, err := h.db.InsertMessage(ctx, backend.NewMessage{RoomID: h.room.ID, AuthorID: "bob", Content: "after"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "message after reopen", func() bool { return len(h.engine.Snapshot().Messages) == 3 })
}

func TestEngineSameRoomIsNoopWhileLive(t *testing.T) {
	flaky := &flakySubscriber{}
	h := newHarnessWith(t, 0, func(s backend.Subscriber) backend.Subscriber {
		flaky.Subscriber = s
		return flaky
	})
	ctx := context.Background()
	if err := h.engine.SetActiveRoom(ctx, h.room.ID); err != nil {
		t.Fatal(err)
	}
	before, _ := h.engine.channels.Channel(realtime.KindActive)
	if err := h.engine.SetActiveRoom(ctx, h.room.ID); err != nil {
		t.Fatal(err)
	}
	after, _ := h.engine.channels.Channel(realtime.KindActive)
	if after.Generation != before.Generation || after.Name != before.Name {
		t.Errorf("live channel was replaced: %s -> %s", before.Name, after.Name)
	}
}

func TestEngineCloseRoom(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	if err := h.engine.SetActiveRoom(ctx, h.room.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.CloseRoom(ctx, h.room.ID); err != nil {
		t.Fatal(err)
	}
	snap := h.engine.Snapshot()
	if snap.RoomID != "" || len(snap.Messages) != 0 || h.engine.ActiveRoom() != "" {
		t.Errorf("after close: %+v", snap)
	}
	for _, ch := range snap.Channels {
		if ch.Kind == realtime.KindActive {
			t.Errorf("active channel still open: %+v", ch)
		}
	}
}

func TestEngineChangedEvents(t *testing.T) {
	h := newHarness(t, 0)
	ch, unsub := h.bus.Subscribe(KindChanged, 100)
	defer unsub()

	if err := h.engine.SetActiveRoom(context.Background(), h.room.ID); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		if evt.Payload.(string) != h.room.ID && evt.Payload.(string) != "" {
			t.Errorf("payload = %v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no change event")
	}
}
