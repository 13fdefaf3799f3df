package push

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
)

// Handler upgrades requests to websockets and streams the changes of one
// upstream subscription per connection.
type Handler struct {
	upstream backend.Subscriber
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates a handler serving subscriptions of upstream.
func NewHandler(upstream backend.Subscriber, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		upstream: upstream,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Served on loopback to local clients only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	p := &peer{
		conn:   conn,
		send:   make(chan Frame, sendBuffer),
		done:   make(chan struct{}),
		logger: h.logger,
	}
	p.serve(r.Context(), h.upstream)
}

type peer struct {
	conn   *websocket.Conn
	send   chan Frame
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func (p *peer) serve(ctx context.Context, upstream backend.Subscriber) {
	defer func() { _ = p.conn.Close() }()

	p.conn.SetReadLimit(maxFrameSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var open Frame
	if err := p.conn.ReadJSON(&open); err != nil {
		p.logger.Debug("no subscribe frame", zap.Error(err))
		return
	}
	if open.Type != FrameSubscribe {
		p.reject("expected subscribe frame")
		return
	}
	log := p.logger.With(zap.String("channel", open.Name), zap.String("scope", open.Scope))

	sub, err := upstream.Subscribe(ctx, backend.SubscribeRequest{
		Name:    open.Name,
		Scope:   open.Scope,
		Filters: open.Filters,
		OnChange: func(c backend.Change) {
			select {
			case p.send <- Frame{Type: FrameChange, Change: &c}:
			case <-p.done:
			default:
				log.Warn("push peer too slow, dropping connection")
				p.stop()
			}
		},
		OnStatus: func(st backend.SubscriptionStatus, err error) {
			if st == backend.StatusSubscribed {
				return
			}
			msg := string(st)
			if err != nil {
				msg = err.Error()
			}
			select {
			case p.send <- Frame{Type: FrameError, Error: msg}:
			default:
			}
			p.stop()
		},
	})
	if err != nil {
		log.Info("upstream subscribe failed", zap.Error(err))
		p.reject(err.Error())
		return
	}
	defer func() {
		if err := upstream.Unsubscribe(context.WithoutCancel(ctx), sub); err != nil {
			log.Debug("upstream unsubscribe", zap.Error(err))
		}
	}()

	// The ack goes out before the write pump starts so it precedes every change.
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.conn.WriteJSON(Frame{Type: FrameAck, Name: open.Name}); err != nil {
		return
	}
	log.Debug("push channel open")

	go p.writePump()
	p.readPump()
	p.stop()
	log.Debug("push channel closed")
}

// readPump drains control frames until the client goes away.
func (p *peer) readPump() {
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			return
		}
		select {
		case <-p.done:
			return
		default:
		}
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()
	for {
		select {
		case f := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			// Flush whatever is queued, then say goodbye.
			for {
				select {
				case f := <-p.send:
					_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := p.conn.WriteJSON(f); err != nil {
						return
					}
				default:
					_ = p.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

func (p *peer) stop() {
	p.once.Do(func() { close(p.done) })
}

func (p *peer) reject(msg string) {
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = p.conn.WriteJSON(Frame{Type: FrameError, Error: msg})
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg), time.Now().Add(writeWait))
}
