package sync

import (
	"context"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/cache"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/realtime"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/typing"
	"go.uber.org/zap"
)

// Reconciler brings local state back in line after a channel was down.
// Events missed in the gap are recovered by refetching, and duplicates are
// absorbed by the cache's idempotent insert.
type Reconciler struct {
	cache  *cache.Cache
	typing *typing.Tracker
	rooms  backend.RoomList
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(c *cache.Cache, t *typing.Tracker, rooms backend.RoomList, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{cache: c, typing: t, rooms: rooms, logger: logger}
}

// Resubscribed catches up the scope of a channel that just came back.
func (r *Reconciler) Resubscribed(ctx context.Context, kind realtime.ChannelKind, roomID string) {
	switch kind {
	case realtime.KindActive:
		if r.cache.RoomID() != roomID {
			return
		}
		added, err := r.cache.Catchup(ctx)
		if err != nil {
			r.logger.Warn("catch up failed", zap.String("room_id", roomID), zap.Error(err))
			return
		}
		if err := r.typing.Refresh(ctx, roomID); err != nil {
			r.logger.Warn("typing refresh failed", zap.String("room_id", roomID), zap.Error(err))
		}
		r.logger.Info("active room resynced", zap.String("room_id", roomID), zap.Int("added", added))
	case realtime.KindGlobal:
		if r.rooms != nil {
			r.rooms.RefreshRooms()
		}
		r.logger.Info("room list resynced")
	}
}
