// Package push carries the change feed over websockets. Handler exposes any
// backend.Subscriber to remote clients and Dialer is the matching client-side
// backend.Subscriber.
package push

import (
	"time"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
)

// Frame types.
const (
	FrameSubscribe = "subscribe"
	FrameAck       = "ack"
	FrameChange    = "change"
	FrameError     = "error"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 * 1024
	sendBuffer   = 256
)

// Frame is the JSON envelope exchanged on a push connection. A client opens
// with a subscribe frame and the server answers with ack or error before any
// change frame.
type Frame struct {
	Type    string           `json:"type"`
	Name    string           `json:"name,omitempty"`
	Scope   string           `json:"scope,omitempty"`
	Filters []backend.Filter `json:"filters,omitempty"`
	Change  *backend.Change  `json:"change,omitempty"`
	Error   string           `json:"error,omitempty"`
}
