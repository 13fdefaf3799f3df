package api

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/bus"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/status"
	intsync "github.com/liemnguyenthanh/chat-app-sub000/internal/sync"
)

// Service implements EngineServer over one session's engine.
type Service struct {
	sessionName string
	userID      string
	startedAt   time.Time
	engine      *intsync.Engine
	rooms       RoomDirectory
	machine     *status.Machine
	bus         *bus.Bus
	logger      *zap.Logger
}

// NewService creates the engine service. rooms may be nil.
func NewService(sessionName, userID string, engine *intsync.Engine, rooms RoomDirectory, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		sessionName: sessionName,
		userID:      userID,
		startedAt:   time.Now(),
		engine:      engine,
		rooms:       rooms,
		machine:     machine,
		bus:         b,
		logger:      logger,
	}
}

// SessionStatus is the payload of Status.
type SessionStatus struct {
	Session      string       `json:"session"`
	UserID       string       `json:"user_id"`
	Connectivity status.State `json:"connectivity"`
	ActiveRoom   string       `json:"active_room"`
	UptimeMs     int64        `json:"uptime_ms"`
}

func (s *Service) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st := SessionStatus{
		Session:    s.sessionName,
		UserID:     s.userID,
		ActiveRoom: s.engine.ActiveRoom(),
		UptimeMs:   time.Since(s.startedAt).Milliseconds(),
	}
	if s.machine != nil {
		st.Connectivity = s.machine.Current()
	}
	return Encode(st)
}

func (s *Service) Reconnect(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.Reconnect(ctx); err != nil {
		return nil, toStatus(err)
	}
	return s.snapshot()
}
