package store

import (
	"context"
	"time"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/bus"
	"go.uber.org/zap"
)

// KindRoomsChanged is published when the room list should be re-read.
const KindRoomsChanged = "engine.rooms_changed"

// RoomList persists room summary lines and tells watchers when the list
// changed. It implements backend.RoomList.
type RoomList struct {
	db     *DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewRoomList creates a room list over db.
func NewRoomList(db *DB, b *bus.Bus, logger *zap.Logger) *RoomList {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoomList{db: db, bus: b, logger: logger}
}

// UpdateRoomSummary records roomID's latest message line.
func (l *RoomList) UpdateRoomSummary(roomID, lastMessage string, ts time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.db.UpdateRoomSummary(ctx, roomID, truncate(lastMessage, 100), ts); err != nil {
		l.logger.Warn("failed to update room summary", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	l.notify(roomID)
}

// RefreshRooms asks watchers to re-read the whole list.
func (l *RoomList) RefreshRooms() {
	l.notify("")
}

func (l *RoomList) notify(roomID string) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(bus.Event{Kind: KindRoomsChanged, Timestamp: time.Now(), Payload: roomID})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
