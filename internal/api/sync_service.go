package api

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/status"
	intsync "github.com/liemnguyenthanh/chat-app-sub000/internal/sync"
)

// coalesceWindow bounds how often Watch re-sends the snapshot while the
// engine is busy.
const coalesceWindow = 50 * time.Millisecond

// Envelope is one Watch stream item.
type Envelope struct {
	EventID          string            `json:"event_id"`
	Session          string            `json:"session"`
	Kind             string            `json:"kind"`
	OccurredAtUnixMs int64             `json:"occurred_at_unix_ms"`
	Snapshot         *intsync.Snapshot `json:"snapshot,omitempty"`
	Connectivity     status.State      `json:"connectivity,omitempty"`
}

func (s *Service) snapshot() (*structpb.Struct, error) {
	return Encode(s.engine.Snapshot())
}

func (s *Service) SetActiveRoom(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	roomID := str(in, "room_id")
	if err := s.engine.SetActiveRoom(ctx, roomID); err != nil {
		return nil, toStatus(err)
	}
	if roomID != "" && s.rooms != nil {
		if err := s.rooms.MarkRead(ctx, roomID, s.userID); err != nil {
			s.logger.Warn("failed to mark room read", zap.String("room_id", roomID), zap.Error(err))
		}
	}
	return s.snapshot()
}

func (s *Service) LoadMore(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.LoadMoreMessages(ctx); err != nil {
		return nil, toStatus(err)
	}
	return s.snapshot()
}

func (s *Service) Snapshot(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.snapshot()
}

// Watch streams an envelope for every engine change and connectivity
// transition. Bursts of engine changes are coalesced into one snapshot.
func (s *Service) Watch(_ *structpb.Struct, stream grpc.ServerStream) error {
	changes, unsubChanges := s.bus.Subscribe(intsync.KindChanged, 256)
	defer unsubChanges()
	conn, unsubConn := s.bus.Subscribe(status.KindConnectivityChanged, 16)
	defer unsubConn()

	// The current state goes first so a watcher never starts blank.
	if err := s.sendSnapshot(stream, intsync.KindChanged, time.Now()); err != nil {
		return err
	}

	var pending <-chan time.Time
	for {
		select {
		case <-changes:
			if pending == nil {
				pending = time.After(coalesceWindow)
			}
		case <-pending:
			pending = nil
			if err := s.sendSnapshot(stream, intsync.KindChanged, time.Now()); err != nil {
				return err
			}
		case evt := <-conn:
			env := Envelope{
				EventID:          uuid.NewString(),
				Session:          s.sessionName,
				Kind:             evt.Kind,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
			}
			if change, ok := evt.Payload.(status.StatusChange); ok {
				env.Connectivity = change.To
			}
			if err := s.send(stream, env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *Service) sendSnapshot(stream grpc.ServerStream, kind string, at time.Time) error {
	snap := s.engine.Snapshot()
	return s.send(stream, Envelope{
		EventID:          uuid.NewString(),
		Session:          s.sessionName,
		Kind:             kind,
		OccurredAtUnixMs: at.UnixMilli(),
		Snapshot:         &snap,
	})
}

func (s *Service) send(stream grpc.ServerStream, env Envelope) error {
	out, err := Encode(env)
	if err != nil {
		s.logger.Error("failed to encode watch envelope", zap.String("kind", env.Kind), zap.Error(err))
		return nil
	}
	return stream.SendMsg(out)
}
