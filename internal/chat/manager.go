package chat

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pelusa-v/espresso-chat/internal/metrics"
	"github.com/pelusa-v/espresso-chat/internal/store"
)

// openAttempts bounds retries when a room is evicted between lookup and Open.
const openAttempts = 3

// Manager routes conversation ids to room actors, creating them lazily.
// Rooms remove themselves once their last session leaves.
type Manager struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool

	dir  store.Directory
	msgs store.MessageStore
	opts Options
	log  zerolog.Logger
}

func NewManager(dir store.Directory, msgs store.MessageStore, opts Options, log zerolog.Logger) *Manager {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.SendBuffer < opts.HistoryLimit+16 {
		opts.SendBuffer = opts.HistoryLimit + 16
	}
	return &Manager{
		rooms: map[string]*Room{},
		dir:   dir,
		msgs:  msgs,
		opts:  opts,
		log:   log,
	}
}

// NewSession allocates a session whose buffer fits a full history replay.
func (m *Manager) NewSession(userID string, conn Conn) *Session {
	return NewSession(userID, conn, m.opts.SendBuffer)
}

// Authorize checks, without touching any room, whether userID may open
// chatID. Gateways call it before upgrading the connection.
func (m *Manager) Authorize(ctx context.Context, chatID, userID string) error {
	id, err := ParseChatID(chatID)
	if err != nil {
		metrics.OpensRejected.WithLabelValues("invalid_chat_id").Inc()
		return err
	}
	if err := newRoster(id, m.dir, m.log).admit(ctx, userID); err != nil {
		metrics.OpensRejected.WithLabelValues(rejectReason(err)).Inc()
		return err
	}
	return nil
}

// Open resolves chatID to its room and admits s.
func (m *Manager) Open(ctx context.Context, chatID string, s *Session) (*Room, error) {
	id, err := ParseChatID(chatID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < openAttempts; attempt++ {
		r, err := m.room(id)
		if err != nil {
			return nil, err
		}
		err = r.Open(ctx, s)
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		if err != nil {
			metrics.OpensRejected.WithLabelValues(rejectReason(err)).Inc()
			return nil, err
		}
		return r, nil
	}
	return nil, ErrRoomClosed
}

// Presence returns the presence map of a running room; a room with no
// live actor has nobody online.
func (m *Manager) Presence(ctx context.Context, chatID string) ([]Presence, error) {
	id, err := ParseChatID(chatID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	r, ok := m.rooms[id.String()]
	m.mu.Unlock()
	if !ok {
		return []Presence{}, nil
	}
	p, err := r.Presence(ctx)
	if errors.Is(err, ErrRoomClosed) {
		return []Presence{}, nil
	}
	return p, err
}

// RoomCount returns the number of running rooms.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Rooms lists the ids of running rooms.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Shutdown stops every room and closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = map[string]*Room{}
	m.mu.Unlock()

	for _, r := range rooms {
		r.Stop()
	}
	for _, r := range rooms {
		r.Wait()
	}
	m.log.Info().Int("rooms", len(rooms)).Msg("chat manager stopped")
}

func (m *Manager) room(id ChatID) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrRoomClosed
	}
	if r, ok := m.rooms[id.String()]; ok {
		return r, nil
	}
	r := NewRoom(id, m.dir, m.msgs, m.opts, m.log)
	r.evict = m.evict
	m.rooms[id.String()] = r
	go r.Start()
	return r, nil
}

// evict runs on the room's own loop.
func (m *Manager) evict(r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rooms[r.id.String()]; ok && cur == r {
		delete(m.rooms, r.id.String())
	}
	r.log.Debug().Msg("room evicted")
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidChatID):
		return "invalid_chat_id"
	default:
		return "internal"
	}
}
