package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/api"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/metrics"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/push"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/realtime"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/session"
)

// Paths served on the HTTP listeners.
const (
	PushPath    = "/realtime"
	MetricsPath = "/metrics"
)

// Server manages the gRPC server lifecycle for a session daemon.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates a gRPC server bound to the session's Unix domain socket.
func NewServer(p Params, logger *zap.Logger, svc *api.Service) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	srv := grpc.NewServer()
	api.Register(srv, svc)

	return &Server{
		grpcServer: srv,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop performs a graceful shutdown and removes the socket file. Open Watch
// streams are cut when ctx expires.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("gRPC server stopping")
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
	_ = os.Remove(s.socketPath)
}

// HTTP runs the optional TCP listeners: the websocket change feed and the
// prometheus endpoint. Both may share one address.
type HTTP struct {
	servers []*http.Server
	addrs   []string
	logger  *zap.Logger
}

// NewHTTP builds the listeners configured in p. The feed always serves the
// local store, even when the engine itself follows a remote one.
func NewHTTP(p Params, local *realtime.LocalSubscriber, m *metrics.Metrics, logger *zap.Logger) *HTTP {
	cfg := p.config()
	muxes := make(map[string]*http.ServeMux)
	mux := func(addr string) *http.ServeMux {
		if mx, ok := muxes[addr]; ok {
			return mx
		}
		mx := http.NewServeMux()
		muxes[addr] = mx
		return mx
	}
	if cfg.Push.Listen != "" {
		mux(cfg.Push.Listen).Handle(PushPath, push.NewHandler(local, logger.Named("push")))
	}
	if cfg.Metrics.Listen != "" {
		mux(cfg.Metrics.Listen).Handle(MetricsPath, m.Handler())
	}

	h := &HTTP{logger: logger}
	for addr, mx := range muxes {
		h.servers = append(h.servers, &http.Server{
			Addr:              addr,
			Handler:           mx,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}
	return h
}

// Start binds every listener and serves in the background.
func (h *HTTP) Start() error {
	for _, srv := range h.servers {
		lis, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		h.addrs = append(h.addrs, lis.Addr().String())
		h.logger.Info("http listener starting", zap.String("addr", lis.Addr().String()))
		go func(srv *http.Server) {
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				h.logger.Error("http server error", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}(srv)
	}
	return nil
}

// Addrs returns the bound listener addresses once started.
func (h *HTTP) Addrs() []string { return h.addrs }

// Stop shuts every listener down.
func (h *HTTP) Stop(ctx context.Context) {
	for _, srv := range h.servers {
		if err := srv.Shutdown(ctx); err != nil {
			h.logger.Warn("http shutdown", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
}
