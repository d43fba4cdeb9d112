package chat

import (
	"strings"
)

const (
	directPrefix = "dm_"
	groupPrefix  = "group_"
)

// RoomKind distinguishes the two conversation flavors.
type RoomKind string

const (
	RoomDirect RoomKind = "direct"
	RoomGroup  RoomKind = "group"
)

// ChatID is a parsed conversation identifier.
type ChatID struct {
	raw    string
	kind   RoomKind
	suffix string

	// the two users of a direct chat, in canonical order
	first, second string
}

// ValidUserID reports whether id can take part in a direct chat id.
// Underscores are refused because they separate the two parties.
func ValidUserID(id string) bool {
	return id != "" && strings.TrimSpace(id) == id && !strings.Contains(id, "_")
}

// ParseChatID validates s and splits off its namespace prefix.
func ParseChatID(s string) (ChatID, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, directPrefix):
		suffix := strings.TrimPrefix(s, directPrefix)
		a, b, ok := splitDirect(s, suffix)
		if !ok {
			return ChatID{}, ErrInvalidChatID
		}
		return ChatID{raw: s, kind: RoomDirect, suffix: suffix, first: a, second: b}, nil
	case strings.HasPrefix(s, groupPrefix):
		suffix := strings.TrimPrefix(s, groupPrefix)
		if suffix == "" {
			return ChatID{}, ErrInvalidChatID
		}
		return ChatID{raw: s, kind: RoomGroup, suffix: suffix}, nil
	}
	return ChatID{}, ErrInvalidChatID
}

// DirectChatID returns the same id for (a, b) and (b, a).
func DirectChatID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return directPrefix + a + "_" + b
}

// GroupChatID returns the conversation id of a group.
func GroupChatID(groupID string) string {
	return groupPrefix + groupID
}

func (c ChatID) String() string { return c.raw }

func (c ChatID) Kind() RoomKind { return c.kind }

// GroupID is the directory key of a group conversation.
func (c ChatID) GroupID() string {
	if c.kind != RoomGroup {
		return ""
	}
	return c.suffix
}

// HasParticipant reports whether userID is one of the two users encoded in
// a direct chat id.
func (c ChatID) HasParticipant(userID string) bool {
	if c.kind != RoomDirect || userID == "" {
		return false
	}
	return userID == c.first || userID == c.second
}

// splitDirect finds the pair of users that canonically produces raw. An id
// that more than one pair produces names no single conversation and is
// refused.
func splitDirect(raw, suffix string) (string, string, bool) {
	var a, b string
	found := 0
	for i := 0; i < len(suffix); i++ {
		if suffix[i] != '_' {
			continue
		}
		x, y := suffix[:i], suffix[i+1:]
		if x == "" || y == "" || DirectChatID(x, y) != raw {
			continue
		}
		a, b = x, y
		found++
	}
	return a, b, found == 1
}
