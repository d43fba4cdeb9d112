package chat

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

// writeWait bounds a single frame write to the peer.
const writeWait = 10 * time.Second

// Conn is the part of a WebSocket connection a session needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	SetWriteDeadline(time.Time) error
	Close() error
}

// Session binds one live connection to one authenticated user.
// Send is written only by the owning room's loop.
type Session struct {
	ID     string
	UserID string
	Conn   Conn
	Send   chan []byte

	lastActive time.Time
	writeWait  time.Duration
	closeOnce  sync.Once
}

// NewSession allocates a session with a fresh id.
func NewSession(userID string, conn Conn, buffer int) *Session {
	return &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		Conn:   conn,
		Send:   make(chan []byte, buffer),

		writeWait: writeWait,
	}
}

// LastActive is the time of the session's latest inbound frame.
func (s *Session) LastActive() time.Time { return s.lastActive }

// enqueue never blocks; false means the client is not keeping up.
func (s *Session) enqueue(data []byte) bool {
	select {
	case s.Send <- data:
		return true
	default:
		return false
	}
}

// close ends the write pump, which then closes the connection.
func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.Send) })
}

// ReadPump feeds inbound frames to the room until the connection fails.
func (s *Session) ReadPump(r *Room) {
	defer r.Disconnect(s.ID)
	for {
		_, data, err := s.Conn.ReadMessage()
		if err != nil {
			return
		}
		r.Dispatch(s.ID, data)
	}
}

// WritePump writes queued events in order and closes the connection once
// the room closes Send. A peer that stops reading fails the write at the
// deadline, which ends the pump.
func (s *Session) WritePump() {
	defer s.Conn.Close()
	for data := range s.Send {
		if err := s.write(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Session) write(kind int, data []byte) error {
	if err := s.Conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
		return err
	}
	return s.Conn.WriteMessage(kind, data)
}
