// Package reaction turns stored reaction rows into per-emoji aggregates.
package reaction

import (
	"context"
	"fmt"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/cache"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/metrics"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
	"go.uber.org/zap"
)

// Aggregate groups rows by emoji in first-seen order. A user is counted once
// per emoji.
func Aggregate(rows []model.ReactionRow) []model.Reaction {
	var out []model.Reaction
	index := make(map[string]int)
	seen := make(map[[2]string]struct{})
	for _, r := range rows {
		key := [2]string{r.Emoji, r.UserID}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		i, ok := index[r.Emoji]
		if !ok {
			i = len(out)
			index[r.Emoji] = i
			out = append(out, model.Reaction{Emoji: r.Emoji})
		}
		out[i].Count++
		out[i].UserIDs = append(out[i].UserIDs, r.UserID)
	}
	return out
}

// Aggregator keeps the reactions of cached messages in line with the store.
// Counts are never patched locally: every change triggers a full refresh.
type Aggregator struct {
	store   backend.ReactionStore
	cache   *cache.Cache
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates an aggregator writing into c.
func New(store backend.ReactionStore, c *cache.Cache, logger *zap.Logger, m *metrics.Metrics) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{store: store, cache: c, logger: logger, metrics: m}
}

// Refresh reloads all reaction rows for messageID and replaces the cached
// aggregate wholesale. A message that is not cached is left alone.
func (a *Aggregator) Refresh(ctx context.Context, messageID string) error {
	roomID := a.cache.RoomID()
	if !a.cache.State().Has(messageID) {
		a.metrics.ReconciliationMiss()
		a.logger.Debug("reaction refresh for uncached message", zap.String("message_id", messageID))
		return nil
	}

	rows, err := a.store.FetchReactions(ctx, messageID)
	if err != nil {
		return fmt.Errorf("fetch reactions for %s: %w", messageID, err)
	}
	agg := Aggregate(rows)

	a.cache.Mutate(roomID, func(s cache.State) cache.State {
		next, ok := s.Replace(messageID, func(m *model.Message) { m.Reactions = agg })
		if !ok {
			return s
		}
		return next
	})
	return nil
}

// Add records userID's emoji on messageID. The cached counts change only when
// the resulting push event triggers Refresh.
func (a *Aggregator) Add(ctx context.Context, messageID, userID, emoji string) error {
	if err := a.store.UpsertReaction(ctx, messageID, userID, emoji); err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	return nil
}

// Remove deletes userID's emoji on messageID.
func (a *Aggregator) Remove(ctx context.Context, messageID, userID, emoji string) error {
	if err := a.store.DeleteReaction(ctx, messageID, userID, emoji); err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	return nil
}
