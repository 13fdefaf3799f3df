package reaction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/cache"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
)

func TestAggregateCounts(t *testing.T) {
	rows := []model.ReactionRow{
		{MessageID: "m1", UserID: "U1", Emoji: "👍"},
		{MessageID: "m1", UserID: "U2", Emoji: "👍"},
		{MessageID: "m1", UserID: "U1", Emoji: "❤️"},
	}
	got := Aggregate(rows)
	if len(got) != 2 {
		t.Fatalf("got %d aggregates, want 2", len(got))
	}
	if got[0].Emoji != "👍" || got[0].Count != 2 || len(got[0].UserIDs) != 2 ||
		got[0].UserIDs[0] != "U1" || got[0].UserIDs[1] != "U2" {
		t.Errorf("👍 = %+v, want count 2 users [U1 U2]", got[0])
	}
	if got[1].Emoji != "❤️" || got[1].Count != 1 || got[1].UserIDs[0] != "U1" {
		t.Errorf("❤️ = %+v, want count 1 users [U1]", got[1])
	}
}

func TestAggregateIgnoresDuplicateRows(t *testing.T) {
	rows := []model.ReactionRow{
		{MessageID: "m1", UserID: "U1", Emoji: "👍"},
		{MessageID: "m1", UserID: "U1", Emoji: "👍"},
	}
	got := Aggregate(rows)
	if len(got) != 1 || got[0].Count != 1 {
		t.Errorf("got %+v, want a single 👍 with count 1", got)
	}
}

type fakeFetcher struct{ msgs []model.Message }

func (f *fakeFetcher) FetchMessages(_ context.Context, _ string, offset, limit int) ([]model.Message, error) {
	if offset > 0 {
		return nil, nil
	}
	out := make([]model.Message, 0, len(f.msgs))
	for i := len(f.msgs) - 1; i >= 0; i-- {
		out = append(out, f.msgs[i])
	}
	return out, nil
}

type fakeReactions struct {
	mu   sync.Mutex
	rows []model.ReactionRow
}

func (f *fakeReactions) UpsertReaction(_ context.Context, messageID, userID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.MessageID == messageID && r.UserID == userID && r.Emoji == emoji {
			return nil
		}
	}
	f.rows = append(f.rows, model.ReactionRow{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: time.Now()})
	return nil
}

func (f *fakeReactions) DeleteReaction(_ context.Context, messageID, userID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.rows[:0]
	for _, r := range f.rows {
		if r.MessageID == messageID && r.UserID == userID && r.Emoji == emoji {
			continue
		}
		kept = append(kept, r)
	}
	f.rows = kept
	return nil
}

func (f *fakeReactions) FetchReactions(_ context.Context, messageID string) ([]model.ReactionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ReactionRow
	for _, r := range f.rows {
		if r.MessageID == messageID {
			out = append(out, r)
		}
	}
	return out, nil
}

func setup(t *testing.T) (*Aggregator, *cache.Cache, *fakeReactions) {
	t.Helper()
	c := cache.New(&fakeFetcher{msgs: []model.Message{
		{ID: "m1", RoomID: "r1", AuthorID: "U1", CreatedAt: time.Unix(1, 0)},
	}}, cache.Options{})
	if err := c.LoadMessages(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	store := &fakeReactions{}
	return New(store, c, nil, nil), c, store
}

func TestAddDoesNotTouchCountsUntilRefresh(t *testing.T) {
	a, c, _ := setup(t)
	ctx := context.Background()

	if err := a.Add(ctx, "m1", "U1", "👍"); err != nil {
		t.Fatal(err)
	}
	m, _ := c.State().Find("m1")
	if len(m.Reactions) != 0 {
		t.Fatalf("reactions = %+v before refresh, want none", m.Reactions)
	}

	// The local click's echo and a second refresh must not double count.
	for i := 0; i < 2; i++ {
		if err := a.Refresh(ctx, "m1"); err != nil {
			t.Fatal(err)
		}
	}
	m, _ = c.State().Find("m1")
	if len(m.Reactions) != 1 || m.Reactions[0].Count != 1 {
		t.Errorf("reactions = %+v, want 👍 x1", m.Reactions)
	}

	if err := a.Remove(ctx, "m1", "U1", "👍"); err != nil {
		t.Fatal(err)
	}
	if err := a.Refresh(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	m, _ = c.State().Find("m1")
	if len(m.Reactions) != 0 {
		t.Errorf("reactions = %+v after remove, want none", m.Reactions)
	}
}

func TestRefreshUnknownMessageIsNoop(t *testing.T) {
	a, _, store := setup(t)
	store.rows = append(store.rows, model.ReactionRow{MessageID: "ghost", UserID: "U1", Emoji: "👍"})
	if err := a.Refresh(context.Background(), "ghost"); err != nil {
		t.Errorf("Refresh(ghost) error = %v, want nil", err)
	}
}
