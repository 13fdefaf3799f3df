// Package presence keeps typing indicators in Redis so that every daemon
// sharing the instance sees the same typists. Keys expire on their own at the
// indicator's expiry:
//
//	<prefix>:typing:<roomID>:<userID> -> JSON indicator
//
// Changes are fanned out on the "<prefix>:typing" pub/sub channel and relayed
// onto the local change feed by Relay.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/bus"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
)

// Profiles resolves a user's display profile. The store implements it.
type Profiles func(ctx context.Context, userID string) (model.Author, error)

// Store implements backend.TypingStore on Redis.
type Store struct {
	client   *redis.Client
	prefix   string
	profiles Profiles
	now      func() time.Time
	logger   *zap.Logger
}

// NewStore creates a typing store. profiles may be nil.
func NewStore(client *redis.Client, prefix string, profiles Profiles, logger *zap.Logger) *Store {
	if prefix == "" {
		prefix = "chatsync"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, prefix: prefix, profiles: profiles, now: time.Now, logger: logger}
}

// Connect opens a client and verifies it answers.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func (s *Store) key(roomID, userID string) string {
	return fmt.Sprintf("%s:typing:%s:%s", s.prefix, roomID, userID)
}

func (s *Store) roomPattern(roomID string) string {
	return fmt.Sprintf("%s:typing:%s:*", s.prefix, roomID)
}

func (s *Store) channel() string { return s.prefix + ":typing" }

// UpsertTypingIndicator stores userID's indicator until expiresAt.
func (s *Store) UpsertTypingIndicator(ctx context.Context, roomID, userID string, expiresAt time.Time) error {
	ti := model.TypingIndicator{RoomID: roomID, UserID: userID, ExpiresAt: expiresAt.UTC()}
	body, err := json.Marshal(ti)
	if err != nil {
		return err
	}
	if err := s.client.SetArgs(ctx, s.key(roomID, userID), body, redis.SetArgs{ExpireAt: expiresAt}).Err(); err != nil {
		return fmt.Errorf("set typing indicator: %w", err)
	}
	s.announce(ctx, backend.Change{
		Op: backend.OpInsert, Resource: backend.ResourceTyping,
		RoomID: roomID, UserID: userID, Record: body, At: s.now().UTC(),
	})
	return nil
}

// DeleteTypingIndicator removes userID's indicator in roomID.
func (s *Store) DeleteTypingIndicator(ctx context.Context, roomID, userID string) error {
	n, err := s.client.Del(ctx, s.key(roomID, userID)).Result()
	if err != nil {
		return fmt.Errorf("delete typing indicator: %w", err)
	}
	if n > 0 {
		old, _ := json.Marshal(model.TypingIndicator{RoomID: roomID, UserID: userID})
		s.announce(ctx, backend.Change{
			Op: backend.OpDelete, Resource: backend.ResourceTyping,
			RoomID: roomID, UserID: userID, Old: old, At: s.now().UTC(),
		})
	}
	return nil
}

// FetchTypingIndicators lists the live indicators of roomID other than
// excludingUserID's, ordered by user id.
func (s *Store) FetchTypingIndicators(ctx context.Context, roomID, excludingUserID string) ([]model.TypingIndicator, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.roomPattern(roomID), 100).Iterator()
	for iter.Next(ctx) {
		if strings.HasSuffix(iter.Val(), ":"+excludingUserID) && excludingUserID != "" {
			continue
		}
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan typing indicators: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read typing indicators: %w", err)
	}

	now := s.now()
	var out []model.TypingIndicator
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Expired between SCAN and MGET.
			continue
		}
		var ti model.TypingIndicator
		if err := json.Unmarshal([]byte(raw), &ti); err != nil {
			s.logger.Warn("bad typing indicator", zap.Error(err))
			continue
		}
		if ti.UserID == excludingUserID || !ti.Live(now) {
			continue
		}
		ti.Author = model.Author{ID: ti.UserID}
		if s.profiles != nil {
			if a, err := s.profiles(ctx, ti.UserID); err == nil {
				ti.Author = a
			}
		}
		out = append(out, ti)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) announce(ctx context.Context, c backend.Change) {
	body, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, s.channel(), body).Err(); err != nil {
		s.logger.Warn("failed to announce typing change", zap.String("room_id", c.RoomID), zap.Error(err))
	}
}

// Relay republishes typing changes from Redis onto b until ctx is done.
func (s *Store) Relay(ctx context.Context, b *bus.Bus) error {
	ps := s.client.Subscribe(ctx, s.channel())
	defer func() { _ = ps.Close() }()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel(), err)
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("typing relay channel closed")
			}
			var c backend.Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				s.logger.Warn("bad typing change", zap.Error(err))
				continue
			}
			b.Publish(bus.Event{
				Kind:      bus.ChangeKind(string(c.Resource), string(c.Op)),
				Timestamp: c.At,
				Payload:   c,
			})
		}
	}
}
