package push

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
)

// ErrNotSubscribed is returned when unsubscribing an unknown or finished channel.
var ErrNotSubscribed = errors.New("push channel not subscribed")

// Dialer implements backend.Subscriber against a remote Handler. Each
// subscription is its own websocket connection.
type Dialer struct {
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger
	// idle is how long a connection may stay silent; the handler pings well
	// within it.
	idle time.Duration

	mu    sync.Mutex
	conns map[string]*remote
}

// NewDialer creates a dialer for the websocket endpoint at url
// (for example "ws://127.0.0.1:7777/realtime").
func NewDialer(url string, logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
		idle:   pongWait,
		conns:  make(map[string]*remote),
	}
}

type remote struct {
	name   string
	conn   *websocket.Conn
	req    backend.SubscribeRequest
	closed atomic.Bool
	done   chan struct{}
}

func (r *remote) Name() string { return r.name }

// Subscribe dials, sends the subscribe frame and waits for the server's ack.
// Changes are then delivered from a reader goroutine until Unsubscribe or a
// connection error, which is reported through req.OnStatus.
func (d *Dialer) Subscribe(ctx context.Context, req backend.SubscribeRequest) (backend.Subscription, error) {
	if req.OnChange == nil {
		return nil, fmt.Errorf("subscribe %s: nil change handler", req.Name)
	}
	conn, _, err := d.dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}
	conn.SetReadLimit(maxFrameSize)

	deadline := time.Now().Add(writeWait)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	if err := conn.WriteJSON(Frame{Type: FrameSubscribe, Name: req.Name, Scope: req.Scope, Filters: req.Filters}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", req.Name, err)
	}
	var reply Frame
	if err := conn.ReadJSON(&reply); err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("subscribe %s: %w", req.Name, ctx.Err())
		}
		return nil, fmt.Errorf("subscribe %s: %w", req.Name, err)
	}
	if reply.Type != FrameAck {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe %s: rejected: %s", req.Name, reply.Error)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Now().Add(d.idle))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(d.idle))
		// A failed pong surfaces on the next read.
		_ = conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		return nil
	})

	r := &remote{name: req.Name, conn: conn, req: req, done: make(chan struct{})}
	d.mu.Lock()
	d.conns[req.Name] = r
	d.mu.Unlock()

	go d.read(r)
	if req.OnStatus != nil {
		req.OnStatus(backend.StatusSubscribed, nil)
	}
	return r, nil
}

func (d *Dialer) read(r *remote) {
	defer close(r.done)
	defer d.forget(r)
	for {
		var f Frame
		if err := r.conn.ReadJSON(&f); err != nil {
			if r.closed.Load() {
				return
			}
			status := backend.StatusError
			var ne net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				status = backend.StatusClosed
			case errors.As(err, &ne) && ne.Timeout():
				status = backend.StatusTimedOut
			}
			d.logger.Info("push channel lost", zap.String("channel", r.name), zap.Error(err))
			r.report(status, err)
			return
		}
		_ = r.conn.SetReadDeadline(time.Now().Add(d.idle))
		switch f.Type {
		case FrameChange:
			if f.Change != nil && !r.closed.Load() {
				r.req.OnChange(*f.Change)
			}
		case FrameError:
			r.closed.Store(true)
			_ = r.conn.Close()
			r.report(backend.StatusError, errors.New(f.Error))
			return
		}
	}
}

func (r *remote) report(st backend.SubscriptionStatus, err error) {
	if r.req.OnStatus != nil {
		r.req.OnStatus(st, err)
	}
}

func (d *Dialer) forget(r *remote) {
	d.mu.Lock()
	if d.conns[r.name] == r {
		delete(d.conns, r.name)
	}
	d.mu.Unlock()
}

// Unsubscribe closes the subscription's connection and waits for its reader
// to stop, so no change is delivered after it returns.
func (d *Dialer) Unsubscribe(ctx context.Context, sub backend.Subscription) error {
	d.mu.Lock()
	r, ok := d.conns[sub.Name()]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("unsubscribe %s: %w", sub.Name(), ErrNotSubscribed)
	}
	r.closed.Store(true)
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = r.conn.Close()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of open subscriptions.
func (d *Dialer) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}
