package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/outbox"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/realtime"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/store"
	intsync "github.com/liemnguyenthanh/chat-app-sub000/internal/sync"
)

// Encode converts any JSON-serialisable value into a Struct.
func Encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode %T: not an object: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// Decode fills v from s through its JSON form.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func str(in *structpb.Struct, key string) string {
	if in == nil {
		return ""
	}
	return in.GetFields()[key].GetStringValue()
}

func boolean(in *structpb.Struct, key string) bool {
	if in == nil {
		return false
	}
	return in.GetFields()[key].GetBoolValue()
}

func required(in *structpb.Struct, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v := str(in, k)
		if v == "" {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "%s is required", k)
		}
		out[k] = v
	}
	return out, nil
}

func empty() *structpb.Struct { return &structpb.Struct{Fields: map[string]*structpb.Value{}} }

// toStatus maps engine errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, intsync.ErrEmptyMessage):
		code = codes.InvalidArgument
	case errors.Is(err, intsync.ErrNoActiveRoom),
		errors.Is(err, outbox.ErrNotFailed),
		errors.Is(err, outbox.ErrStillPending):
		code = codes.FailedPrecondition
	case errors.Is(err, outbox.ErrUnknownTempID), errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, store.ErrNotAuthor), errors.Is(err, store.ErrNotMember):
		code = codes.PermissionDenied
	case errors.Is(err, realtime.ErrChannelClosed):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return grpcstatus.Error(code, err.Error())
}

// isCallerError reports whether err describes a bad request rather than a
// failure on the store side.
func isCallerError(err error) bool {
	switch grpcstatus.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.NotFound, codes.PermissionDenied:
		return true
	}
	return false
}
