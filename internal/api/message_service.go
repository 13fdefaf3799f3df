package api

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	intsync "github.com/liemnguyenthanh/chat-app-sub000/internal/sync"
)

// SendResult is the payload of Send. A failed send is not an RPC error: the
// message stays in the timeline and can be retried by temp id.
type SendResult struct {
	TempID string `json:"temp_id"`
	Failed bool   `json:"failed"`
	Error  string `json:"error,omitempty"`
}

func (s *Service) Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	roomID := str(in, "room_id")
	if roomID == "" {
		roomID = s.engine.ActiveRoom()
	}
	tempID, err := s.engine.SendMessage(ctx, roomID, str(in, "content"), str(in, "reply_to"))
	if tempID == "" {
		return nil, toStatus(err)
	}
	res := SendResult{TempID: tempID}
	if err != nil {
		s.logger.Warn("send failed", zap.String("room_id", roomID), zap.String("temp_id", tempID), zap.Error(err))
		res.Failed = true
		res.Error = err.Error()
	}
	return Encode(res)
}

func (s *Service) Edit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	args, err := required(in, "message_id")
	if err != nil {
		return nil, err
	}
	if err := s.engine.EditMessage(ctx, args["message_id"], str(in, "content")); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *Service) Delete(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	args, err := required(in, "message_id")
	if err != nil {
		return nil, err
	}
	if err := s.engine.DeleteMessage(ctx, args["message_id"]); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *Service) React(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	args, err := required(in, "message_id", "emoji")
	if err != nil {
		return nil, err
	}
	if err := s.engine.AddReaction(ctx, args["message_id"], args["emoji"]); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *Service) Unreact(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	args, err := required(in, "message_id", "emoji")
	if err != nil {
		return nil, err
	}
	if err := s.engine.RemoveReaction(ctx, args["message_id"], args["emoji"]); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *Service) Retry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	args, err := required(in, "temp_id")
	if err != nil {
		return nil, err
	}
	res := SendResult{TempID: args["temp_id"]}
	if err := s.engine.RetryFailedMessage(ctx, res.TempID); err != nil {
		st := toStatus(err)
		// Precondition errors are the caller's; a store failure leaves the
		// message failed again and is reported like a failed send.
		if isCallerError(st) {
			return nil, st
		}
		res.Failed = true
		res.Error = err.Error()
	}
	return Encode(res)
}

func (s *Service) Discard(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	args, err := required(in, "temp_id")
	if err != nil {
		return nil, err
	}
	if err := s.engine.RemoveFailedMessage(args["temp_id"]); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

// Typing records a keystroke in room_id, or clears the local signal when
// stop is set.
func (s *Service) Typing(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	roomID := str(in, "room_id")
	if roomID == "" {
		roomID = s.engine.ActiveRoom()
	}
	if roomID == "" {
		return nil, toStatus(intsync.ErrNoActiveRoom)
	}
	if boolean(in, "stop") {
		if err := s.engine.StopTyping(ctx, roomID); err != nil {
			return nil, toStatus(err)
		}
	} else {
		s.engine.StartTyping(roomID)
	}
	return Encode(struct {
		RoomID string `json:"room_id"`
		Phase  string `json:"phase"`
	}{roomID, string(s.engine.TypingPhase(roomID))})
}
