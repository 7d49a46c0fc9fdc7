package live

import "errors"

// ErrClosed is returned when subscribing to a broker or hub that was closed.
var ErrClosed = errors.New("live: closed")

// Message types exchanged on the live WebSocket and over NATS.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeUpdate      = "update"
	TypeError       = "error"
)

// Message is the JSON frame used by the live channel. Clients send
// subscribe and unsubscribe frames; the server replies with update and
// error frames.
type Message struct {
	Type      string `json:"type"`
	Slug      string `json:"slug,omitempty"`
	ViewCount int64  `json:"view_count"`
	Reset     bool   `json:"reset,omitempty"`
	Error     string `json:"message,omitempty"`
}
