package api

import (
	"context"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
)

// RoomDirectory lists the local user's rooms and records what they have read. The
// store implements it.
type RoomDirectory interface {
	ListRooms(ctx context.Context, userID string) ([]model.RoomSummary, error)
	MarkRead(ctx context.Context, roomID, userID string) error
}

func (s *Service) Rooms(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.rooms == nil {
		return nil, grpcstatus.Errorf(codes.Unimplemented, "room list not available")
	}
	list, err := s.rooms.ListRooms(ctx, s.userID)
	if err != nil {
		return nil, toStatus(err)
	}
	if list == nil {
		list = []model.RoomSummary{}
	}
	return Encode(struct {
		Rooms []model.RoomSummary `json:"rooms"`
	}{list})
}
