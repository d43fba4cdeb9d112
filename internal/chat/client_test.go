package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/espresso-chat/internal/store"
)

var (
	errConnClosed   = errors.New("connection closed")
	errWriteTimeout = errors.New("i/o timeout")
)

// fakeConn is an in-memory Conn: tests push inbound frames with deliver
// and read what the write pump produced from written.
type fakeConn struct {
	in      chan []byte
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written []fakeFrame

	// stalled makes writes hang until the write deadline, like a peer that
	// stopped reading
	stalled  bool
	deadline time.Time
}

type fakeFrame struct {
	kind int
	data []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	stalled, deadline := c.stalled, c.deadline
	c.mu.Unlock()
	if stalled {
		time.Sleep(time.Until(deadline))
		return errWriteTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, fakeFrame{kind: kind, data: data})
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(data []byte) {
	c.in <- data
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// textEvents decodes the text frames written so far.
func (c *fakeConn) textEvents(t *testing.T) []Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, f := range c.written {
		if f.kind != websocket.TextMessage {
			continue
		}
		var ev Event
		require.NoError(t, json.Unmarshal(f.data, &ev))
		out = append(out, ev)
	}
	return out
}

func TestNewSession(t *testing.T) {
	a := NewSession("alice", newFakeConn(), 4)
	b := NewSession("alice", newFakeConn(), 4)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID, "session ids are per connection, not per user")
	assert.Equal(t, 4, cap(a.Send))
	assert.True(t, a.LastActive().IsZero())
}

func TestSession_PumpsEndToEnd(t *testing.T) {
	st := store.NewMemoryStore()
	seedDirectory(t, st)
	r := startRoom(t, "dm_alice_bob", st, Options{})

	aliceConn, bobConn := newFakeConn(), newFakeConn()
	alice := NewSession("alice", aliceConn, 32)
	bob := NewSession("bob", bobConn, 32)
	for _, s := range []*Session{alice, bob} {
		require.NoError(t, r.Open(context.Background(), s))
		go s.WritePump()
		go s.ReadPump(r)
	}

	aliceConn.deliver(frameJSON(ActionSendMessage, "dm_alice_bob", "hi bob"))

	require.Eventually(t, func() bool {
		for _, ev := range bobConn.textEvents(t) {
			if ev.Type == EventMessage && ev.Content == "hi bob" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// a leave closes the connection through the write pump
	bobConn.deliver(frameJSON(ActionLeaveChat, "dm_alice_bob", ""))
	require.Eventually(t, bobConn.isClosed, 2*time.Second, 10*time.Millisecond)
	assert.False(t, bob.LastActive().IsZero())

	require.Eventually(t, func() bool {
		for _, ev := range aliceConn.textEvents(t) {
			if ev.Type == EventUserLeft && ev.SenderID == "bob" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// a transport failure on alice's side is a disconnect
	_ = aliceConn.Close()
	require.Eventually(t, func() bool {
		p, err := r.Presence(context.Background())
		if err != nil {
			return false
		}
		for _, rec := range p {
			if rec.Online {
				return false
			}
		}
		return len(p) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWritePump_StalledPeerHitsDeadline(t *testing.T) {
	conn := newFakeConn()
	conn.stalled = true
	s := NewSession("alice", conn, 4)
	s.writeWait = 50 * time.Millisecond
	require.True(t, s.enqueue([]byte(`{"type":"message"}`)))

	done := make(chan struct{})
	go func() {
		s.WritePump()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("write pump still blocked on a stalled peer")
	}
	assert.True(t, conn.isClosed())
	assert.Empty(t, conn.written)
}
