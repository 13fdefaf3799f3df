// Package client talks to a running chatd over its Unix socket.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/api"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
	intsync "github.com/liemnguyenthanh/chat-app-sub000/internal/sync"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, in map[string]any, out any) error {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", method, err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), req, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := api.Decode(resp, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	return nil
}

func (c *Client) snapshot(ctx context.Context, method string, in map[string]any) (intsync.Snapshot, error) {
	var snap intsync.Snapshot
	err := c.call(ctx, method, in, &snap)
	return snap, err
}

// Status returns the daemon's session status.
func (c *Client) Status(ctx context.Context) (api.SessionStatus, error) {
	var st api.SessionStatus
	err := c.call(ctx, api.MethodStatus, nil, &st)
	return st, err
}

// Rooms lists the local user's rooms, most recent first.
func (c *Client) Rooms(ctx context.Context) ([]model.RoomSummary, error) {
	var out struct {
		Rooms []model.RoomSummary `json:"rooms"`
	}
	err := c.call(ctx, api.MethodRooms, nil, &out)
	return out.Rooms, err
}

// Open makes roomID the active room and returns its first page. An empty
// roomID leaves every room.
func (c *Client) Open(ctx context.Context, roomID string) (intsync.Snapshot, error) {
	return c.snapshot(ctx, api.MethodSetActiveRoom, map[string]any{"room_id": roomID})
}

// More loads the next older page of the active room.
func (c *Client) More(ctx context.Context) (intsync.Snapshot, error) {
	return c.snapshot(ctx, api.MethodLoadMore, nil)
}

// Snapshot returns the engine's current state.
func (c *Client) Snapshot(ctx context.Context) (intsync.Snapshot, error) {
	return c.snapshot(ctx, api.MethodSnapshot, nil)
}

// Reconnect reopens closed channels and catches up the active room.
func (c *Client) Reconnect(ctx context.Context) (intsync.Snapshot, error) {
	return c.snapshot(ctx, api.MethodReconnect, nil)
}

// Send sends content to roomID, or to the active room when roomID is empty.
func (c *Client) Send(ctx context.Context, roomID, content, replyTo string) (api.SendResult, error) {
	var res api.SendResult
	err := c.call(ctx, api.MethodSend, map[string]any{
		"room_id":  roomID,
		"content":  content,
		"reply_to": replyTo,
	}, &res)
	return res, err
}

// Retry re-sends a failed message.
func (c *Client) Retry(ctx context.Context, tempID string) (api.SendResult, error) {
	var res api.SendResult
	err := c.call(ctx, api.MethodRetry, map[string]any{"temp_id": tempID}, &res)
	return res, err
}

// Discard drops a failed message.
func (c *Client) Discard(ctx context.Context, tempID string) error {
	return c.call(ctx, api.MethodDiscard, map[string]any{"temp_id": tempID}, nil)
}

// Edit replaces the content of one of the local user's messages.
func (c *Client) Edit(ctx context.Context, messageID, content string) error {
	return c.call(ctx, api.MethodEdit, map[string]any{"message_id": messageID, "content": content}, nil)
}

// Delete soft-deletes one of the local user's messages.
func (c *Client) Delete(ctx context.Context, messageID string) error {
	return c.call(ctx, api.MethodDelete, map[string]any{"message_id": messageID}, nil)
}

// React adds emoji to messageID.
func (c *Client) React(ctx context.Context, messageID, emoji string) error {
	return c.call(ctx, api.MethodReact, map[string]any{"message_id": messageID, "emoji": emoji}, nil)
}

// Unreact withdraws emoji from messageID.
func (c *Client) Unreact(ctx context.Context, messageID, emoji string) error {
	return c.call(ctx, api.MethodUnreact, map[string]any{"message_id": messageID, "emoji": emoji}, nil)
}

// Typing records a keystroke in roomID, or clears it when stop is set. It
// returns the resulting outbound phase.
func (c *Client) Typing(ctx context.Context, roomID string, stop bool) (string, error) {
	var out struct {
		Phase string `json:"phase"`
	}
	err := c.call(ctx, api.MethodTyping, map[string]any{"room_id": roomID, "stop": stop}, &out)
	return out.Phase, err
}

// Watch calls fn for every envelope the daemon streams until ctx is done,
// the stream ends or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(api.Envelope) error) error {
	stream, err := c.conn.NewStream(ctx, &api.ServiceDesc.Streams[0], api.FullMethod(api.MethodWatch))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var env api.Envelope
		if err := api.Decode(msg, &env); err != nil {
			return fmt.Errorf("decode envelope: %w", err)
		}
		if err := fn(env); err != nil {
			return err
		}
	}
}
