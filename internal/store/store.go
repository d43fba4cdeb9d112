// Package store holds the durable records of the chat service and the
// backends that persist them.
package store

import (
	"context"
	"errors"
	"slices"
)

// ErrNotFound is returned when a user or group does not exist.
var ErrNotFound = errors.New("not found")

// Kind tags a persisted message.
type Kind string

const (
	KindText       Kind = "text"
	KindUserJoined Kind = "user_joined"
	KindUserLeft   Kind = "user_left"
)

// Message is immutable once persisted.
type Message struct {
	ID             string `json:"messageId"` // ULID
	ConversationID string `json:"chatId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"` // resolved at send time
	Content        string `json:"content"`
	Kind           Kind   `json:"kind"`
	Timestamp      int64  `json:"timestamp"` // unix ms
}

// User is a directory entry. Groups indexes the groups the user belongs to.
type User struct {
	ID          string   `json:"userId"`
	DisplayName string   `json:"displayName"`
	Groups      []string `json:"groups,omitempty"`
}

// Group is the membership record backing a group conversation.
type Group struct {
	ID          string   `json:"groupId"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	OwnerID     string   `json:"ownerId"`
	Members     []string `json:"members"`
}

// HasMember reports whether userID is in the member list.
func (g *Group) HasMember(userID string) bool {
	return slices.Contains(g.Members, userID)
}

// AddMember appends userID unless already present.
func (g *Group) AddMember(userID string) bool {
	if g.HasMember(userID) {
		return false
	}
	g.Members = append(g.Members, userID)
	return true
}

// RemoveMember drops userID from the member list.
func (g *Group) RemoveMember(userID string) bool {
	i := slices.Index(g.Members, userID)
	if i < 0 {
		return false
	}
	g.Members = slices.Delete(g.Members, i, i+1)
	return true
}

// JoinGroup records groupID in the user's groups index.
func (u *User) JoinGroup(groupID string) {
	if !slices.Contains(u.Groups, groupID) {
		u.Groups = append(u.Groups, groupID)
	}
}

// LeaveGroup removes groupID from the user's groups index.
func (u *User) LeaveGroup(groupID string) {
	if i := slices.Index(u.Groups, groupID); i >= 0 {
		u.Groups = slices.Delete(u.Groups, i, i+1)
	}
}

// Directory is the durable user and group membership store.
type Directory interface {
	GetUser(ctx context.Context, id string) (*User, error)
	PutUser(ctx context.Context, u *User) error
	GetGroup(ctx context.Context, id string) (*Group, error)
	PutGroup(ctx context.Context, g *Group) error
}

// MessageStore persists conversation messages keyed by message id.
// ListMessages returns the newest limit messages, ordered by timestamp then
// id, in no particular order; limit <= 0 returns all of them.
type MessageStore interface {
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	PutMessage(ctx context.Context, conversationID string, msg Message) error
}

// Store is a backend serving both contracts.
type Store interface {
	Directory
	MessageStore
	Close() error
}

// newer orders messages newest first: by timestamp, then by id.
func newer(a, b Message) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.ID > b.ID
}

func cloneUser(u *User) *User {
	cp := *u
	cp.Groups = slices.Clone(u.Groups)
	return &cp
}

func cloneGroup(g *Group) *Group {
	cp := *g
	cp.Members = slices.Clone(g.Members)
	return &cp
}
