package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps everything in process memory. Used for development and
// tests; contents are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*User
	groups   map[string]*Group
	messages map[string]map[string]Message // conversation -> message id -> message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    map[string]*User{},
		groups:   map[string]*Group{},
		messages: map[string]map[string]Message{},
	}
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *MemoryStore) PutUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *MemoryStore) GetGroup(_ context.Context, id string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneGroup(g), nil
}

func (s *MemoryStore) PutGroup(_ context.Context, g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = cloneGroup(g)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.messages[conversationID]
	out := make([]Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
		out = out[:limit]
	}
	return out, nil
}

// PutMessage ignores a second write for an existing id.
func (s *MemoryStore) PutMessage(_ context.Context, conversationID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.messages[conversationID]
	if !ok {
		byID = map[string]Message{}
		s.messages[conversationID] = byID
	}
	if _, exists := byID[msg.ID]; !exists {
		byID[msg.ID] = msg
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
