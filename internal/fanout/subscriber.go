package fanout

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer. The backchannel carries only
	// pings and small control frames.
	maxMessageSize = 512
)

// Conn is the subset of *websocket.Conn the hub needs, extracted so tests
// can drive subscribers without a network.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Ensure the gorilla connection satisfies Conn.
var _ Conn = (*websocket.Conn)(nil)

// Subscriber is one connected push-channel client. Its outbound buffer is
// single-producer (the hub) / single-consumer (its write pump).
type Subscriber struct {
	id          string
	connectedAt time.Time
	hub         *Hub
	conn        Conn
	send        chan []byte
	closeOnce   sync.Once
	closed      atomic.Bool
}

// ID returns the server-generated subscriber id.
func (s *Subscriber) ID() string { return s.id }

// ConnectedAt returns the time the subscriber completed its handshake.
func (s *Subscriber) ConnectedAt() time.Time { return s.connectedAt }

// enqueue places an encoded event on the outbound buffer without blocking.
// It returns false when the buffer is full or the subscriber is closed; a
// full buffer marks the subscriber slow and the hub disconnects it.
func (s *Subscriber) enqueue(data []byte) (sent bool) {
	// There is a window between the closed check and the send in which
	// close(s.send) can run; recover instead of racing it.
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if s.closed.Load() {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// close shuts the outbound buffer exactly once. The write pump drains what
// is already buffered and then sends the close frame.
func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.send)
	})
}

// writePump pushes buffered events to the peer and keeps the connection
// alive with pings. One per subscriber; it exits when the buffer is closed
// or a write fails.
func (s *Subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.hub.unregister(s, "write_error")
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(writeWait)); err != nil {
				s.hub.unregister(s, "ping_failed")
				return
			}
		}
	}
}

// readPump consumes the backchannel. The only supported client message is a
// ping, which is echoed; everything else is discarded. A read error removes
// the subscriber.
func (s *Subscriber) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.hub.unregister(s, "read_error")
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if messageType == websocket.TextMessage && string(payload) == `{"type":"ping"}` {
			s.enqueue([]byte(`{"type":"pong"}`))
		}
	}
}
