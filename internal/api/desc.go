// Package api exposes the sync engine of a session over gRPC. Payloads are
// structpb.Struct documents, so the service needs no generated code: the
// service descriptor below is registered by hand and mirrored by the client.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.Engine"

// Method names.
const (
	MethodStatus        = "Status"
	MethodRooms         = "Rooms"
	MethodSetActiveRoom = "SetActiveRoom"
	MethodLoadMore      = "LoadMore"
	MethodSnapshot      = "Snapshot"
	MethodSend          = "Send"
	MethodEdit          = "Edit"
	MethodDelete        = "Delete"
	MethodReact         = "React"
	MethodUnreact       = "Unreact"
	MethodRetry         = "Retry"
	MethodDiscard       = "Discard"
	MethodTyping        = "Typing"
	MethodReconnect     = "Reconnect"
	MethodWatch         = "Watch"
)

// FullMethod returns the RPC path of a method.
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

// EngineServer is implemented by Service.
type EngineServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Rooms(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetActiveRoom(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadMore(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Snapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Edit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	React(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Unreact(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Discard(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Typing(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

type unaryFunc func(EngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(EngineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(srv.(EngineServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(EngineServer).Watch(in, stream)
}

// ServiceDesc describes the Engine service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, EngineServer.Status),
		unary(MethodRooms, EngineServer.Rooms),
		unary(MethodSetActiveRoom, EngineServer.SetActiveRoom),
		unary(MethodLoadMore, EngineServer.LoadMore),
		unary(MethodSnapshot, EngineServer.Snapshot),
		unary(MethodSend, EngineServer.Send),
		unary(MethodEdit, EngineServer.Edit),
		unary(MethodDelete, EngineServer.Delete),
		unary(MethodReact, EngineServer.React),
		unary(MethodUnreact, EngineServer.Unreact),
		unary(MethodRetry, EngineServer.Retry),
		unary(MethodDiscard, EngineServer.Discard),
		unary(MethodTyping, EngineServer.Typing),
		unary(MethodReconnect, EngineServer.Reconnect),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatch,
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatsync/v1/engine.proto",
}

// Register adds srv to s.
func Register(s *grpc.Server, srv EngineServer) {
	s.RegisterService(&ServiceDesc, srv)
}
