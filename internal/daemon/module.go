package daemon

import (
	"context"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/api"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/bus"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/config"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/lock"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/logging"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/metrics"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/presence"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/push"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/realtime"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/session"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/status"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/store"
	intsync "github.com/liemnguyenthanh/chat-app-sub000/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
	SocketPath  string // optional override for testing; empty = use default
}

func (p Params) config() *config.Config {
	if p.Config == nil {
		return config.Default()
	}
	return p.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRoomList,
			provideMetrics,
			provideLocalSubscriber,
			provideSubscriber,
			provideTypingStore,
			provideEngine,
			provideService,
			NewServer,
			NewHTTP,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.config().LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), lock.Holder{
		PID:       os.Getpid(),
		UserID:    p.config().UserID,
		PushAddr:  p.config().Push.Listen,
		StartedAt: time.Now(),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.config().Store.Path
	if dbPath == "" {
		dbPath = session.DBPath(p.SessionName)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db.WithFeed(b), nil
}

func provideRoomList(db *store.DB, b *bus.Bus, logger *zap.Logger) *store.RoomList {
	return store.NewRoomList(db, b, logger.Named("rooms"))
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideLocalSubscriber(db *store.DB, b *bus.Bus, logger *zap.Logger) *realtime.LocalSubscriber {
	return realtime.NewLocalSubscriber(b, db, logger.Named("feed"))
}

// provideSubscriber picks the change feed the engine listens to: a remote
// chatd when push.url is set, the local store otherwise.
func provideSubscriber(p Params, local *realtime.LocalSubscriber, logger *zap.Logger) backend.Subscriber {
	if url := p.config().Push.URL; url != "" {
		logger.Info("using remote change feed", zap.String("url", url))
		return push.NewDialer(url, logger.Named("push"))
	}
	return local
}

func provideTypingStore(lc fx.Lifecycle, p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) (backend.TypingStore, error) {
	cfg := p.config().Typing
	if cfg.Backend != config.TypingRedis {
		purgeExpiredTyping(lc, db, logger)
		return db, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := presence.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	ts := presence.NewStore(client, cfg.RedisPrefix, db.Profile, logger.Named("presence"))
	logger.Info("typing indicators on redis", zap.String("addr", cfg.RedisAddr))

	relayCtx, stopRelay := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := ts.Relay(relayCtx, b); err != nil {
					logger.Error("typing relay stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopRelay()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return client.Close()
		},
	})
	return ts, nil
}

// purgeInterval is how often expired typing rows are removed from SQLite.
// Readers already ignore them; this only keeps the table small.
const purgeInterval = time.Minute

func purgeExpiredTyping(lc fx.Lifecycle, db *store.DB, logger *zap.Logger) {
	stop := make(chan struct{})
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(purgeInterval)
				defer ticker.Stop()
				for {
					select {
					case <-stop:
						return
					case <-ticker.C:
						ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						n, err := db.PurgeExpiredTyping(ctx)
						cancel()
						if err != nil {
							logger.Warn("failed to purge typing indicators", zap.Error(err))
						} else if n > 0 {
							logger.Debug("purged typing indicators", zap.Int64("rows", n))
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			close(stop)
			<-done
			return nil
		},
	})
}

func provideEngine(p Params, db *store.DB, sub backend.Subscriber, typing backend.TypingStore, rooms *store.RoomList, b *bus.Bus, machine *status.Machine, m *metrics.Metrics, logger *zap.Logger) *intsync.Engine {
	opts := p.config().EngineOptions()
	opts.TypingStore = typing
	opts.RoomList = rooms
	opts.Bus = b
	opts.Status = machine
	opts.Metrics = m
	opts.Logger = logger.Named("engine")
	return intsync.NewEngine(db, sub, opts)
}

func provideService(p Params, engine *intsync.Engine, db *store.DB, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.SessionName, p.config().UserID, engine, db, machine, b, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, web *HTTP, lk *lock.Lock, db *store.DB, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) {
	var stopTracking func()
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			if err := web.Start(); err != nil {
				return err
			}

			if err := engine.Start(ctx); err != nil {
				return err
			}
			restoreActiveRoom(ctx, db, engine, logger)
			stopTracking = trackActiveRoom(db, engine, b, logger)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if stopTracking != nil {
				stopTracking()
			}
			if err := engine.Stop(ctx); err != nil {
				logger.Warn("error stopping engine", zap.Error(err))
			}
			srv.Stop(ctx)
			web.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

// restoreActiveRoom reopens the room that was active when the daemon last ran.
func restoreActiveRoom(ctx context.Context, db *store.DB, engine *intsync.Engine, logger *zap.Logger) {
	roomID, err := db.GetState(ctx, store.StateActiveRoom)
	if err != nil {
		logger.Warn("failed to read active room checkpoint", zap.Error(err))
		return
	}
	if roomID == "" {
		return
	}
	if err := engine.SetActiveRoom(ctx, roomID); err != nil {
		logger.Warn("failed to restore active room", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	logger.Info("active room restored", zap.String("room_id", roomID))
}

// trackActiveRoom checkpoints the active room whenever the engine changes.
func trackActiveRoom(db *store.DB, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) func() {
	last := engine.ActiveRoom()
	return b.SubscribeFunc(intsync.KindChanged, 64, func(bus.Event) {
		current := engine.ActiveRoom()
		if current == last {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.SetState(ctx, store.StateActiveRoom, current); err != nil {
			logger.Warn("failed to checkpoint active room", zap.Error(err))
			return
		}
		last = current
	})
}
